package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"aspectify/pkg/contract"
)

// EnvPrefix: 环境变量覆盖层的统一前缀。
const EnvPrefix = "ASPECTIFY_"

// 配置来源的环境变量名。
const (
	EnvConfigFile = EnvPrefix + "CONFIG_FILE"
	EnvConfigJSON = EnvPrefix + "CONFIG_JSON"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// LLM 不设默认（必须由配置文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		BatchSize:          10,
		Concurrency:        3,
		CallTimeoutSeconds: 30,
		Logging:            Logging{Level: "info"},
		Server:             Server{Addr: ":8000", MaxUploadBytes: 10 << 20},
		Components: Components{
			Reader:        "fs",
			Splitter:      "csv",
			Batcher:       "fixed",
			PromptBuilder: "absa",
			Decoder:       "toon",
			Assembler:     "json",
			Writer:        "fs",
			Detector:      "whatlang",
		},
		Options: Options{Writer: json.RawMessage(`{"output_dir":"out"}`)},
	}
}

// Load 从原始 JSON 或文件解析 Config（严格拒绝未知字段）。
// raw 非空时优先且按 JSON 解析；文件扩展名为 .yaml/.yml 时按 YAML 解析后转为 JSON 再严格解码。
func Load(path string, raw []byte) (Config, error) {
	var cfg Config
	switch {
	case len(raw) > 0:
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: read config: %v", contract.ErrConfiguration, err)
		}
		raw = b
		if isYAML(path) {
			if raw, err = yamlToJSON(b); err != nil {
				return cfg, fmt.Errorf("%w: %s: %v", contract.ErrConfiguration, path, err)
			}
		}
	default:
		return cfg, fmt.Errorf("%w: no config source provided", contract.ErrConfiguration)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: decode config: %v", contract.ErrConfiguration, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON 将 YAML 文档转换为等价 JSON，供统一的严格解码使用。
func yamlToJSON(b []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	v, err := jsonable(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// jsonable 把 YAML 的非字符串键映射转换为字符串键映射。
func jsonable(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			c, err := jsonable(e)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				ks = fmt.Sprint(k)
			}
			c, err := jsonable(e)
			if err != nil {
				return nil, err
			}
			out[ks] = c
		}
		return out, nil
	case []any:
		for i, e := range t {
			c, err := jsonable(e)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	default:
		return v, nil
	}
}

// LoadDotEnv 依次加载 .env 文件到进程环境；已存在的变量不被覆盖，缺失文件忽略。
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := gotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%w: %s: %v", contract.ErrConfiguration, p, err)
		}
	}
	return nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量/字符串/原样 JSON 为替换；切片以非 nil 为存在；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if over.BatchSize != 0 {
		out.BatchSize = over.BatchSize
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxCommentLength != 0 {
		out.MaxCommentLength = over.MaxCommentLength
	}
	if over.CallTimeoutSeconds > 0 {
		out.CallTimeoutSeconds = over.CallTimeoutSeconds
	}
	if lv := strings.TrimSpace(over.Logging.Level); lv != "" {
		out.Logging.Level = lv
	}

	if over.Server.Addr != "" {
		out.Server.Addr = over.Server.Addr
	}
	if over.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = cloneStrings(over.Server.CORSOrigins)
	}
	if over.Server.MaxUploadBytes > 0 {
		out.Server.MaxUploadBytes = over.Server.MaxUploadBytes
	}
	if over.Quota.Keywords != nil {
		out.Quota.Keywords = append([]string{}, over.Quota.Keywords...)
	}

	// 组件名（空不覆盖）
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&out.Components.Reader, over.Components.Reader)
	pick(&out.Components.Splitter, over.Components.Splitter)
	pick(&out.Components.Batcher, over.Components.Batcher)
	pick(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	pick(&out.Components.Decoder, over.Components.Decoder)
	pick(&out.Components.Assembler, over.Components.Assembler)
	pick(&out.Components.Writer, over.Components.Writer)
	pick(&out.Components.Detector, over.Components.Detector)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = v
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	raw := func(dst *json.RawMessage, v json.RawMessage) {
		if len(v) > 0 {
			*dst = cloneRaw(v)
		}
	}
	raw(&out.Options.Reader, over.Options.Reader)
	raw(&out.Options.Splitter, over.Options.Splitter)
	raw(&out.Options.Batcher, over.Options.Batcher)
	raw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	raw(&out.Options.Decoder, over.Options.Decoder)
	raw(&out.Options.Assembler, over.Options.Assembler)
	raw(&out.Options.Writer, over.Options.Writer)
	raw(&out.Options.Detector, over.Options.Detector)

	if llm := strings.TrimSpace(over.LLM); llm != "" {
		out.LLM = llm
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖层。
// 约束：
//  1. 仅识别 ASPECTIFY_ 前缀；集合之外的键忽略。
//  2. 数值键无法解析时返回 ErrConfiguration，不做静默忽略。
//  3. PROVIDER__<name>__{CLIENT,LIMITS_RPM,LIMITS_TPM,LIMITS_MAX_TOKENS_PER_REQ,OPTIONS_JSON}
//     仅在产生有效变更时记录该 provider，空值不清空文件配置。
//  4. OPTIONS_<COMPONENT>_JSON 整体替换对应组件的 Options。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key, val := kv[len(EnvPrefix):eq], kv[eq+1:]
		tv := strings.TrimSpace(val)
		num := func(dst *int) error {
			if tv == "" {
				return nil
			}
			n, err := strconv.Atoi(tv)
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q is not an integer", contract.ErrConfiguration, EnvPrefix, key, val)
			}
			*dst = n
			return nil
		}
		var err error
		switch key {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "BATCH_SIZE":
			err = num(&over.BatchSize)
		case "CONCURRENCY":
			err = num(&over.Concurrency)
		case "MAX_COMMENT_LENGTH":
			err = num(&over.MaxCommentLength)
		case "CALL_TIMEOUT_SECONDS":
			err = num(&over.CallTimeoutSeconds)
		case "LLM":
			over.LLM = tv
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "SERVER_ADDR":
			over.Server.Addr = tv
		case "SERVER_CORS_ORIGINS":
			if tv != "" {
				over.Server.CORSOrigins = splitComma(val)
			}
		case "SERVER_MAX_UPLOAD_BYTES":
			var n int
			if err = num(&n); err == nil {
				over.Server.MaxUploadBytes = int64(n)
			}
		case "QUOTA_KEYWORDS":
			if tv != "" {
				over.Quota.Keywords = splitComma(val)
			}
		case "COMPONENTS_READER":
			over.Components.Reader = tv
		case "COMPONENTS_SPLITTER":
			over.Components.Splitter = tv
		case "COMPONENTS_BATCHER":
			over.Components.Batcher = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_DECODER":
			over.Components.Decoder = tv
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = tv
		case "COMPONENTS_WRITER":
			over.Components.Writer = tv
		case "COMPONENTS_DETECTOR":
			over.Components.Detector = tv
		default:
			switch {
			case strings.HasPrefix(key, "PROVIDER__"):
				err = providerEnv(prov, key, tv)
			case strings.HasPrefix(key, "OPTIONS_") && strings.HasSuffix(key, "_JSON"):
				if tv != "" {
					optionEnv(&over.Options, strings.TrimSuffix(strings.TrimPrefix(key, "OPTIONS_"), "_JSON"), json.RawMessage(tv))
				}
			}
		}
		if err != nil {
			return Config{}, err
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func providerEnv(prov map[string]Provider, key, val string) error {
	parts := strings.SplitN(key, "__", 3)
	if len(parts) != 3 || strings.TrimSpace(parts[1]) == "" || val == "" {
		return nil
	}
	name, field := strings.ToLower(strings.TrimSpace(parts[1])), parts[2]
	p := prov[name]
	num := func(dst *int) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not an integer", contract.ErrConfiguration, EnvPrefix, key, val)
		}
		*dst = n
		return nil
	}
	var err error
	switch field {
	case "CLIENT":
		p.Client = val
	case "LIMITS_RPM":
		err = num(&p.Limits.RPM)
	case "LIMITS_TPM":
		err = num(&p.Limits.TPM)
	case "LIMITS_MAX_TOKENS_PER_REQ":
		err = num(&p.Limits.MaxTokensPerReq)
	case "OPTIONS_JSON":
		p.Options = json.RawMessage(val)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	prov[name] = p
	return nil
}

func optionEnv(o *Options, comp string, raw json.RawMessage) {
	switch comp {
	case "READER":
		o.Reader = raw
	case "SPLITTER":
		o.Splitter = raw
	case "BATCHER":
		o.Batcher = raw
	case "PROMPT_BUILDER":
		o.PromptBuilder = raw
	case "DECODER":
		o.Decoder = raw
	case "ASSEMBLER":
		o.Assembler = raw
	case "WRITER":
		o.Writer = raw
	case "DETECTOR":
		o.Detector = raw
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

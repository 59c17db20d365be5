package config

import (
	"fmt"
	"strings"
	"time"

	"aspectify/internal/pipeline"
	"aspectify/internal/rate"
	"aspectify/pkg/contract"
	"aspectify/pkg/registry"
)

// DetectorNone 关闭语言检测。
const DetectorNone = "none"

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: config: %s", contract.ErrConfiguration, fmt.Sprintf(format, args...))
}

// Validate 对运行边界做静态校验；失败均包裹 ErrConfiguration。
// 输入路径不在此校验（serve 模式不需要），见 ValidateInputs。
func Validate(cfg Config) error {
	if cfg.BatchSize < 1 {
		return invalid("batch_size must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.Concurrency < 1 {
		return invalid("concurrency must be >= 1, got %d", cfg.Concurrency)
	}
	if cfg.MaxCommentLength < 0 {
		return invalid("max_comment_length must be >= 0")
	}
	if cfg.CallTimeoutSeconds < 0 {
		return invalid("call_timeout_seconds must be >= 0")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return invalid("unknown logging level %q", cfg.Logging.Level)
	}
	if cfg.Server.MaxUploadBytes < 0 {
		return invalid("server.max_upload_bytes must be >= 0")
	}
	if cfg.LLM == "" {
		return invalid("llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return invalid("provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return invalid("provider %q missing client", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return invalid("llm client %q not registered", prov.Client)
	}
	if prov.Limits.RPM < 0 || prov.Limits.TPM < 0 || prov.Limits.MaxTokensPerReq < 0 {
		return invalid("provider %q limits must be >= 0", cfg.LLM)
	}
	d := Defaults().Components
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", effName(cfg.Components.Reader, d.Reader), registry.Reader[effName(cfg.Components.Reader, d.Reader)] != nil},
		{"splitter", effName(cfg.Components.Splitter, d.Splitter), registry.Splitter[effName(cfg.Components.Splitter, d.Splitter)] != nil},
		{"batcher", effName(cfg.Components.Batcher, d.Batcher), registry.Batcher[effName(cfg.Components.Batcher, d.Batcher)] != nil},
		{"prompt_builder", effName(cfg.Components.PromptBuilder, d.PromptBuilder), registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)] != nil},
		{"decoder", effName(cfg.Components.Decoder, d.Decoder), registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)] != nil},
		{"assembler", effName(cfg.Components.Assembler, d.Assembler), registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)] != nil},
		{"writer", effName(cfg.Components.Writer, d.Writer), registry.Writer[effName(cfg.Components.Writer, d.Writer)] != nil},
	}
	for _, c := range checks {
		if !c.ok {
			return invalid("%s %q not registered", c.kind, c.name)
		}
	}
	if name := effName(cfg.Components.Detector, d.Detector); name != DetectorNone && registry.Detector[name] == nil {
		return invalid("detector %q not registered", name)
	}
	return nil
}

// ValidateInputs 校验文件驱动运行的输入根："-" 不能与其他根混用。
func ValidateInputs(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return invalid("inputs empty")
	}
	dash := false
	for _, r := range cfg.Inputs {
		switch strings.TrimSpace(r) {
		case "":
			return invalid("input path cannot be empty")
		case "-":
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return invalid("'-' cannot be mixed with other roots")
	}
	return nil
}

// Assemble 校验后构造 Components 与 Settings（含限流闸门与配额判定）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	d := Defaults()
	var comp pipeline.Components
	var err error
	if comp.Reader, err = registry.Reader[effName(cfg.Components.Reader, d.Components.Reader)](cfg.Options.Reader); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("reader: %w", err)
	}
	if comp.Splitter, err = registry.Splitter[effName(cfg.Components.Splitter, d.Components.Splitter)](cfg.Options.Splitter); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("splitter: %w", err)
	}
	if comp.Batcher, err = registry.Batcher[effName(cfg.Components.Batcher, d.Components.Batcher)](cfg.Options.Batcher); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("batcher: %w", err)
	}
	if comp.PromptBuilder, err = registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.Components.PromptBuilder)](cfg.Options.PromptBuilder); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("prompt_builder: %w", err)
	}
	if comp.Decoder, err = registry.Decoder[effName(cfg.Components.Decoder, d.Components.Decoder)](cfg.Options.Decoder); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("decoder: %w", err)
	}
	if comp.Assembler, err = registry.Assembler[effName(cfg.Components.Assembler, d.Components.Assembler)](cfg.Options.Assembler); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("assembler: %w", err)
	}
	writerOpts := cfg.Options.Writer
	if len(writerOpts) == 0 {
		writerOpts = d.Options.Writer
	}
	if comp.Writer, err = registry.Writer[effName(cfg.Components.Writer, d.Components.Writer)](writerOpts); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("writer: %w", err)
	}
	if name := effName(cfg.Components.Detector, d.Components.Detector); name != DetectorNone {
		if comp.Detector, err = registry.Detector[name](cfg.Options.Detector); err != nil {
			return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("detector: %w", err)
		}
	}

	prov := cfg.Provider[cfg.LLM]
	if comp.LLM, err = registry.LLMClient[prov.Client](prov.Options); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}

	// 分组键从 options 派生 API Key；失败时退化为 provider 名称。
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	kws := cfg.Quota.Keywords
	if kws == nil {
		kws = contract.DefaultQuotaKeywords
	}
	set := pipeline.Settings{
		Inputs:           cloneStrings(cfg.Inputs),
		BatchSize:        cfg.BatchSize,
		Concurrency:      cfg.Concurrency,
		MaxCommentLength: cfg.MaxCommentLength,
		CallTimeout:      time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		Gate:             gate,
		GateKey:          key,
		IsQuota:          contract.KeywordQuotaClassifier(nil, kws...),
	}
	return comp, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

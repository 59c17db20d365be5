package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"aspectify/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// Endpoint: 可选的 API 端点覆盖（代理或兼容服务）。
	Endpoint    string   `json:"endpoint,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int32    `json:"max_tokens,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
}

// Client 基于 generative-ai-go 的客户端；每次调用建立并关闭底层连接。
type Client struct {
	apiKey   string
	model    string
	endpoint string
	temp     *float32
	maxOut   int32
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("%w: gemini options: %v", contract.ErrConfiguration, err)
		}
	}
	opts.defaults()
	key := strings.TrimSpace(opts.APIKey)
	if key == "" && opts.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(opts.APIKeyEnv))
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrConfiguration)
	}
	return &Client{
		apiKey:   key,
		model:    strings.TrimSpace(opts.Model),
		endpoint: opts.Endpoint,
		temp:     opts.Temperature,
		maxOut:   opts.MaxTokens,
	}, nil
}

// split 将 Prompt 拆为 system 指令与 user 文本段。
func split(p contract.Prompt) (system []string, user []string, err error) {
	switch v := p.(type) {
	case contract.TextPrompt:
		user = []string{string(v)}
	case contract.ChatPrompt:
		for _, m := range v {
			if m.Content == "" {
				continue
			}
			if strings.EqualFold(strings.TrimSpace(m.Role), "system") {
				system = append(system, m.Content)
				continue
			}
			user = append(user, m.Content)
		}
	default:
		return nil, nil, fmt.Errorf("gemini: %w: unsupported prompt %T", contract.ErrInputInvalid, p)
	}
	if len(user) == 0 {
		return nil, nil, fmt.Errorf("gemini: %w: empty prompt", contract.ErrInputInvalid)
	}
	return system, user, nil
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	system, user, err := split(p)
	if err != nil {
		return contract.Raw{}, err
	}
	opts := []option.ClientOption{option.WithAPIKey(c.apiKey)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	cl, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("gemini: %w: %v", contract.ErrModelCall, err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(c.model)
	m.GenerationConfig = genai.GenerationConfig{Temperature: c.temp}
	if c.maxOut > 0 {
		m.GenerationConfig.MaxOutputTokens = &c.maxOut
	}
	if len(system) > 0 {
		parts := make([]genai.Part, 0, len(system))
		for _, s := range system {
			parts = append(parts, genai.Text(s))
		}
		m.SystemInstruction = &genai.Content{Parts: parts}
	}
	parts := make([]genai.Part, 0, len(user))
	for _, u := range user {
		parts = append(parts, genai.Text(u))
	}
	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contract.Raw{}, ctxErr
		}
		return contract.Raw{}, classify(err)
	}
	txt := firstText(resp)
	if txt == "" {
		return contract.Raw{}, fmt.Errorf("gemini: %w: empty response", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: txt}, nil
}

// classify 将 googleapi 错误映射为 upstreamError；其余包裹 ErrModelCall。
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		if msg == "" {
			msg = strings.TrimSpace(gerr.Body)
		}
		return upstreamError{status: gerr.Code, msg: msg, cause: err}
	}
	return fmt.Errorf("gemini: %w: %v", contract.ErrModelCall, err)
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		var sb strings.Builder
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return ""
}

// upstreamError 承载上游状态码与消息。429 归入 ErrRateLimited，其余归入 ErrModelCall。
type upstreamError struct {
	status int
	msg    string
	cause  error
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func (e upstreamError) Unwrap() []error {
	if e.status == http.StatusTooManyRequests {
		return []error{contract.ErrRateLimited, e.cause}
	}
	return []error{contract.ErrModelCall, e.cause}
}

var _ contract.LLMClient = (*Client)(nil)

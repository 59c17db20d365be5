package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"aspectify/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float32 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	// ExtraHeaders: 追加/覆盖请求头（用于 OpenAI 兼容服务，如 OpenRouter 等）。
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client 基于 go-openai 的 Chat Completions 客户端。
type Client struct {
	api       *goopenai.Client
	model     string
	temp      *float32
	maxTokens int
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("%w: openai options: %v", contract.ErrConfiguration, err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrConfiguration)
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	var rt http.RoundTripper = http.DefaultTransport
	if len(opts.ExtraHeaders) > 0 {
		rt = headerTransport{base: rt, headers: opts.ExtraHeaders}
	}
	cfg.HTTPClient = &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second, Transport: rt}
	return &Client{
		api:       goopenai.NewClientWithConfig(cfg),
		model:     opts.Model,
		temp:      opts.Temperature,
		maxTokens: opts.MaxTokens,
	}, nil
}

// messages 将 Prompt 转为 Chat 消息；未知角色按 user 处理。
func messages(p contract.Prompt) ([]goopenai.ChatCompletionMessage, error) {
	switch v := p.(type) {
	case contract.TextPrompt:
		return []goopenai.ChatCompletionMessage{{Role: goopenai.ChatMessageRoleUser, Content: string(v)}}, nil
	case contract.ChatPrompt:
		out := make([]goopenai.ChatCompletionMessage, 0, len(v))
		for _, m := range v {
			role := goopenai.ChatMessageRoleUser
			switch strings.ToLower(strings.TrimSpace(m.Role)) {
			case "system":
				role = goopenai.ChatMessageRoleSystem
			case "assistant":
				role = goopenai.ChatMessageRoleAssistant
			}
			out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("openai: %w: empty prompt", contract.ErrInputInvalid)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("openai: %w: unsupported prompt %T", contract.ErrInputInvalid, p)
	}
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	msgs, err := messages(p)
	if err != nil {
		return contract.Raw{}, err
	}
	req := goopenai.ChatCompletionRequest{Model: c.model, Messages: msgs}
	if c.temp != nil {
		req.Temperature = *c.temp
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contract.Raw{}, ctxErr
		}
		return contract.Raw{}, classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return contract.Raw{}, fmt.Errorf("openai: %w: empty choices", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: resp.Choices[0].Message.Content}, nil
}

// classify 将 go-openai 的错误映射为 upstreamError；无状态码的错误包裹 ErrModelCall。
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return upstreamError{status: apiErr.HTTPStatusCode, msg: apiErr.Message, cause: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return upstreamError{status: reqErr.HTTPStatusCode, msg: msg, cause: err}
	}
	return fmt.Errorf("openai: %w: %v", contract.ErrModelCall, err)
}

// upstreamError 承载 HTTP 上游状态码与消息。429 归入 ErrRateLimited，其余归入 ErrModelCall。
type upstreamError struct {
	status int
	msg    string
	cause  error
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }

func (e upstreamError) Unwrap() []error {
	if e.status == http.StatusTooManyRequests {
		return []error{contract.ErrRateLimited, e.cause}
	}
	return []error{contract.ErrModelCall, e.cause}
}

// headerTransport 为每个请求追加固定头。
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range t.headers {
		if k != "" {
			r.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(r)
}

var _ contract.LLMClient = (*Client)(nil)

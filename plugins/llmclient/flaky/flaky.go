package flaky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"aspectify/pkg/contract"
	"aspectify/plugins/llmclient/mock"
)

// 脚本步骤。
const (
	StepOK          = "ok"           // 委托 mock 产出 TOON
	StepQuota       = "quota"        // 上游 429（实现 UpstreamError）
	StepRateLimited = "rate_limited" // 包裹 ErrRateLimited
	StepError       = "error"        // 普通模型调用失败（批被丢弃）
	StepGarbage     = "garbage"      // 返回无法解析的文本
	StepHang        = "hang"         // 阻塞直至 ctx 结束
)

// Options 定义可选项。
type Options struct {
	// Script: 按调用序执行的步骤；越界后取 "ok"，Cycle=true 时循环。
	Script []string `json:"script"`
	Cycle  bool     `json:"cycle,omitempty"`
	// LatencyMS: 每次调用前的模拟延迟（毫秒）。
	LatencyMS int `json:"latency_ms,omitempty"`
	// QuotaMessage: quota 步骤的上游消息。
	QuotaMessage string `json:"quota_message,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用的步骤（可选）。
	LogPath string `json:"log_path,omitempty"`
	// Mock: 透传给 ok 步骤所用 mock 客户端的选项。
	Mock json.RawMessage `json:"mock,omitempty"`
}

// Client 是带状态的 LLM 实现：按脚本依次注入配额、普通失败、垃圾响应或挂起，
// 用于演练编排层的降级与快速失败路径。
type Client struct {
	script   []string
	cycle    bool
	latency  time.Duration
	quotaMsg string
	logPath  string
	ok       contract.LLMClient
	count    atomic.Int64
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("%w: flaky options: %v", contract.ErrConfiguration, err)
		}
	}
	for _, s := range o.Script {
		switch s {
		case StepOK, StepQuota, StepRateLimited, StepError, StepGarbage, StepHang:
		default:
			return nil, fmt.Errorf("%w: flaky: unknown step %q", contract.ErrConfiguration, s)
		}
	}
	inner, err := mock.New(o.Mock)
	if err != nil {
		return nil, err
	}
	if o.QuotaMessage == "" {
		o.QuotaMessage = "Resource has been exhausted (e.g. check quota)."
	}
	return &Client{
		script:   o.Script,
		cycle:    o.Cycle,
		latency:  time.Duration(o.LatencyMS) * time.Millisecond,
		quotaMsg: o.QuotaMessage,
		logPath:  o.LogPath,
		ok:       inner,
	}, nil
}

// Calls 返回已发生的调用次数。
func (c *Client) Calls() int64 { return c.count.Load() }

func (c *Client) step(n int64) string {
	if len(c.script) == 0 {
		return StepOK
	}
	if c.cycle {
		return c.script[n%int64(len(c.script))]
	}
	if n < int64(len(c.script)) {
		return c.script[n]
	}
	return StepOK
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	step := c.step(c.count.Add(1) - 1)
	c.log(fmt.Sprintf("batch=%d step=%s", b.Index, step))
	if c.latency > 0 {
		t := time.NewTimer(c.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return contract.Raw{}, ctx.Err()
		case <-t.C:
		}
	}
	switch step {
	case StepQuota:
		return contract.Raw{}, upstreamError{status: http.StatusTooManyRequests, msg: c.quotaMsg}
	case StepRateLimited:
		return contract.Raw{}, fmt.Errorf("flaky: %w", contract.ErrRateLimited)
	case StepError:
		return contract.Raw{}, fmt.Errorf("flaky: %w: injected failure", contract.ErrModelCall)
	case StepGarbage:
		return contract.Raw{Text: "garbage\nL:|\nnot toon"}, nil
	case StepHang:
		<-ctx.Done()
		return contract.Raw{}, ctx.Err()
	default:
		return c.ok.Invoke(ctx, b, p)
	}
}

// upstreamError 模拟 HTTP 上游错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("flaky upstream %d: %s", e.status, e.msg) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

var _ contract.LLMClient = (*Client)(nil)

package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"aspectify/pkg/contract"
	"aspectify/plugins/decoder/toon"
)

// Options: 最小调试配置（均可选）。
type Options struct {
	// APIKey: 仅用于限流分组（调试用），不参与任何网络请求。
	APIKey string `json:"api_key"`
	// Sentiment: 固定输出的极性；留空时按关键词推断。
	Sentiment string `json:"sentiment,omitempty"`
	// MaxAspects: 每条评论最多产出的方面数，默认 1。
	MaxAspects int `json:"max_aspects,omitempty"`
	// LatencyMS: 模拟调用延迟（毫秒），尊重 ctx 取消。
	LatencyMS int `json:"latency_ms,omitempty"`
}

// Client 以确定性规则为批内每条评论产出 TOON 行，供无网络联调与集成测试使用。
// 规则：取评论中前 MaxAspects 个长度 ≥3 的词（小写）为方面词；无可用词的条目不产出。
type Client struct {
	fixed   contract.Sentiment
	max     int
	latency time.Duration
}

// New 构造 Client；未知字段与非法极性返回 ErrConfiguration。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("%w: mock options: %v", contract.ErrConfiguration, err)
		}
	}
	c := &Client{max: o.MaxAspects, latency: time.Duration(o.LatencyMS) * time.Millisecond}
	if c.max <= 0 {
		c.max = 1
	}
	if o.Sentiment != "" {
		s, ok := contract.ParseSentiment(o.Sentiment)
		if !ok {
			return nil, fmt.Errorf("%w: mock: unknown sentiment %q", contract.ErrConfiguration, o.Sentiment)
		}
		c.fixed = s
	}
	return c, nil
}

// Invoke 实现 contract.LLMClient。Prompt 被忽略，仅读取 Batch 条目。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, _ contract.Prompt) (contract.Raw, error) {
	if c.latency > 0 {
		t := time.NewTimer(c.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return contract.Raw{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	results := make([]contract.ItemResult, 0, len(b.Items))
	for _, it := range b.Items {
		terms := pickTerms(it.Comment, c.max)
		if len(terms) == 0 {
			continue
		}
		s := c.fixed
		if s == "" {
			s = guess(it.Comment)
		}
		r := contract.ItemResult{ID: it.ID, Aspects: make([]contract.Aspect, 0, len(terms))}
		for _, t := range terms {
			r.Aspects = append(r.Aspects, contract.Aspect{Term: t, Sentiment: s})
		}
		results = append(results, r)
	}
	return contract.Raw{Text: toon.Format(results)}, nil
}

func pickTerms(comment string, max int) []string {
	words := strings.FieldsFunc(strings.ToLower(comment), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, max)
	for _, w := range words {
		if len([]rune(w)) < 3 || stopWords[w] {
			continue
		}
		out = append(out, w)
		if len(out) == max {
			break
		}
	}
	return out
}

func guess(comment string) contract.Sentiment {
	low := strings.ToLower(comment)
	for _, w := range negativeWords {
		if strings.Contains(low, w) {
			return contract.Negative
		}
	}
	for _, w := range positiveWords {
		if strings.Contains(low, w) {
			return contract.Positive
		}
	}
	return contract.Neutral
}

var (
	positiveWords = []string{"good", "great", "love", "excellent", "fast", "best", "nice", "amazing"}
	negativeWords = []string{"bad", "slow", "broken", "terrible", "poor", "worst", "hate", "awful"}
	stopWords     = map[string]bool{"the": true, "and": true, "but": true, "this": true, "that": true, "was": true, "are": true, "very": true, "with": true}
)

var _ contract.LLMClient = (*Client)(nil)

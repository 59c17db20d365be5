// Package vader 提供离线的 LLMClient：以 VADER 词典为每条评论打分，
// 产出单一方面（默认 "overall"）的 TOON 行。无需网络与凭证，适合作为降级或演示后端。
package vader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/jonreiter/govader"
	"github.com/russross/blackfriday/v2"

	"aspectify/pkg/contract"
	"aspectify/plugins/decoder/toon"
)

// DefaultThreshold: compound 分数的极性阈值。
const DefaultThreshold = 0.20

// Options 定义可选项。
type Options struct {
	// Term: 输出的方面词，默认 "overall"。
	Term string `json:"term,omitempty"`
	// Threshold: |compound| ≥ Threshold 时判为 positive/negative，默认 0.20。
	Threshold float64 `json:"threshold,omitempty"`
	// APIKey: 仅用于限流分组。
	APIKey string `json:"api_key,omitempty"`
}

var (
	analyzer    = govader.NewSentimentIntensityAnalyzer()
	linkPattern = regexp.MustCompile(`\[(.*?)\]\((https?:\/\/[^\s\)]+)\)`)
	urlPattern  = regexp.MustCompile(`https?://\S+|www\.\S+`)
	tagPattern  = regexp.MustCompile(`<[^>]*>`)
)

// Client 实现 contract.LLMClient。
type Client struct {
	term      string
	threshold float64
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("%w: vader options: %v", contract.ErrConfiguration, err)
		}
	}
	if o.Threshold < 0 || o.Threshold > 1 {
		return nil, fmt.Errorf("%w: vader: threshold must be within [0,1]", contract.ErrConfiguration)
	}
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	o.Term = strings.TrimSpace(o.Term)
	if o.Term == "" {
		o.Term = "overall"
	}
	return &Client{term: o.Term, threshold: o.Threshold}, nil
}

// Invoke 为批内每条非空评论产出一行；Prompt 被忽略。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, _ contract.Prompt) (contract.Raw, error) {
	results := make([]contract.ItemResult, 0, len(b.Items))
	for _, it := range b.Items {
		if err := ctx.Err(); err != nil {
			return contract.Raw{}, err
		}
		text := PlainText(it.Comment)
		if text == "" {
			continue
		}
		_, label := c.Score(text)
		results = append(results, contract.ItemResult{
			ID:      it.ID,
			Aspects: []contract.Aspect{{Term: c.term, Sentiment: label}},
		})
	}
	return contract.Raw{Text: toon.Format(results)}, nil
}

// Score 返回 compound 分数与极性标签。
func (c *Client) Score(text string) (float64, contract.Sentiment) {
	score := analyzer.PolarityScores(text).Compound
	switch {
	case score >= c.threshold:
		return score, contract.Positive
	case score <= -c.threshold:
		return score, contract.Negative
	default:
		return score, contract.Neutral
	}
}

// PlainText 将 Markdown 渲染后去除标签、实体与链接，折叠空白。
func PlainText(input string) string {
	out := blackfriday.Run([]byte(input), blackfriday.WithNoExtensions())
	s := html.UnescapeString(tagPattern.ReplaceAllString(string(out), " "))
	s = linkPattern.ReplaceAllString(s, "$1")
	s = urlPattern.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

var _ contract.LLMClient = (*Client)(nil)

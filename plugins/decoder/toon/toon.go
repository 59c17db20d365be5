// Package toon 解析与生成 TOON 行格式：
//
//	L:<id>|<term>~<sentiment>;;<term>~<sentiment>;;...
//
// 解析是容错的：无法识别的行或片段被静默丢弃，从不返回格式错误。
package toon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"aspectify/pkg/contract"
)

const (
	linePrefix = "L:"
	idSep      = "|"
	aspectSep  = ";;"
	termSep    = "~"
)

// Options: 预留占位，当前无配置。
type Options struct{}

type decoder struct{}

// New 从原样 JSON Options 创建解码器；未知字段视为配置错误。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 && string(raw) != "null" {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("%w: toon options: %v", contract.ErrConfiguration, err)
		}
	}
	return &decoder{}, nil
}

// Decode 解析 Raw.Text。仅在 ctx 取消时返回错误。
func (d *decoder) Decode(ctx context.Context, raw contract.Raw) ([]contract.ItemResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return Parse(raw.Text), nil
}

var _ contract.Decoder = (*decoder)(nil)

// Parse 逐行解析 TOON 文本：
//  1. 去首尾空白；空行或不以 "L:" 开头的行跳过；
//  2. 在第一个 "|" 处切分 id 与载荷；无 "|" 或 id 为空则跳过；
//  3. 载荷按 ";;" 切分，空片段丢弃；
//  4. 片段按 "~" 切分：无分隔符、词为空或极性不属于 positive|negative|neutral（大小写不敏感）时仅丢弃该片段；
//  5. 同一 id 跨行累积，输出按 id 首次出现顺序；没有任何合法方面的 id 不出现。
func Parse(text string) []contract.ItemResult {
	var out []contract.ItemResult
	pos := make(map[string]int)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, linePrefix) {
			continue
		}
		id, payload, ok := strings.Cut(line[len(linePrefix):], idSep)
		if !ok {
			continue
		}
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		aspects := parseAspects(payload)
		if len(aspects) == 0 {
			continue
		}
		if i, seen := pos[id]; seen {
			out[i].Aspects = append(out[i].Aspects, aspects...)
			continue
		}
		pos[id] = len(out)
		out = append(out, contract.ItemResult{ID: id, Aspects: aspects})
	}
	return out
}

func parseAspects(payload string) []contract.Aspect {
	var out []contract.Aspect
	for _, frag := range strings.Split(payload, aspectSep) {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		parts := strings.Split(frag, termSep)
		if len(parts) < 2 {
			continue
		}
		term := strings.TrimSpace(parts[0])
		s, ok := contract.ParseSentiment(strings.TrimSpace(parts[1]))
		if term == "" || !ok {
			continue
		}
		out = append(out, contract.Aspect{Term: term, Sentiment: s})
	}
	return out
}

// Format 将结果编码为 TOON 文本（每个 id 一行）。Parse(Format(rs)) 还原 rs 中
// 所有 id 与词均不含分隔符的条目；分隔符与换行在输出前被替换为空格。
func Format(results []contract.ItemResult) string {
	var b strings.Builder
	for _, r := range results {
		if len(r.Aspects) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(linePrefix)
		b.WriteString(scrub(r.ID, idSep))
		b.WriteString(idSep)
		for i, a := range r.Aspects {
			if i > 0 {
				b.WriteString(aspectSep)
			}
			b.WriteString(scrub(a.Term, aspectSep, termSep))
			b.WriteString(termSep)
			b.WriteString(string(a.Sentiment))
		}
	}
	return b.String()
}

func scrub(s string, seps ...string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	for _, sep := range seps {
		s = strings.ReplaceAll(s, sep, " ")
	}
	return strings.TrimSpace(s)
}

// Package json 将 AnalysisResponse 编码为 JSON 工件。
package json

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"fmt"
	"io"

	"aspectify/pkg/contract"
)

// Options: JSON 装配器配置。
type Options struct {
	// Indent: 缩进字符串；为空时输出紧凑 JSON。
	Indent string `json:"indent,omitempty"`
	// WithSource: 为 true 时在顶层附加 "source" 字段。
	WithSource bool `json:"with_source,omitempty"`
}

type assembler struct {
	indent     string
	withSource bool
}

// New 从原样 JSON Options 创建装配器；未知字段返回 ErrConfiguration。
func New(raw stdjson.RawMessage) (contract.Assembler, error) {
	var o Options
	if len(raw) > 0 {
		dec := stdjson.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("%w: json assembler options: %v", contract.ErrConfiguration, err)
		}
	}
	return &assembler{indent: o.Indent, withSource: o.WithSource}, nil
}

type envelope struct {
	Source contract.SourceID `json:"source"`
	contract.AnalysisResponse
}

// Assemble 编码单个输入源的结果；Results 为 nil 时输出空数组，顺序与内容不变。
func (a *assembler) Assemble(ctx context.Context, src contract.SourceID, resp contract.AnalysisResponse) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = []contract.ItemResult{}
	}
	var v any = resp
	if a.withSource {
		v = envelope{Source: src, AnalysisResponse: resp}
	}
	var buf bytes.Buffer
	enc := stdjson.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if a.indent != "" {
		enc.SetIndent("", a.indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("json assembler: %w", err)
	}
	return &buf, nil
}

var _ contract.Assembler = (*assembler)(nil)

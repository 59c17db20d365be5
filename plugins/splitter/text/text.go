// Package text 实现自由文本模式的 Splitter：整个输入流作为一条评论。
package text

import (
	"context"
	"fmt"
	"io"
	"strings"

	"aspectify/pkg/contract"
)

// Options 为文本 Splitter 的可选配置。
type Options struct {
	// MaxBytes: 读取上限（字节）；0 表示 1MiB。超出返回 ErrInputInvalid。
	MaxBytes int64 `json:"max_bytes,omitempty"`
}

const defaultMaxBytes = 1 << 20

// Splitter 实现 contract.Splitter。
type Splitter struct {
	max int64
}

// New 创建文本 Splitter。
func New(opts *Options) *Splitter {
	s := &Splitter{max: defaultMaxBytes}
	if opts != nil && opts.MaxBytes > 0 {
		s.max = opts.MaxBytes
	}
	return s
}

// Split 读取全部内容；空白输入返回空结果，否则返回一行（id 为 "1"）。
func (s *Splitter) Split(ctx context.Context, src contract.SourceID, r io.Reader) ([]contract.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(io.LimitReader(r, s.max+1))
	if err != nil {
		return nil, fmt.Errorf("text %s: %w", src, err)
	}
	if int64(len(b)) > s.max {
		return nil, fmt.Errorf("%w: text %s: exceeds %d bytes", contract.ErrInputInvalid, src, s.max)
	}
	body := string(b)
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}
	return []contract.Row{{"id": "1", "comment": body}}, nil
}

var _ contract.Splitter = (*Splitter)(nil)

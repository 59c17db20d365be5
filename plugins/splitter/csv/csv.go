// Package csv 将 CSV 字节流拆分为 Row：嗅探评论列，支持单列免表头输入。
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"aspectify/pkg/contract"
)

// Options 为 CSV Splitter 的可选配置。
type Options struct {
	// Comma: 字段分隔符（单个字符），默认 ","。
	Comma string `json:"comma,omitempty"`
	// MaxRows: 单个输入源的最大行数；0 表示不限制，超出返回 ErrInputInvalid。
	MaxRows int `json:"max_rows,omitempty"`
}

// 已知列名（小写、去空白后比较）。
const (
	colID       = "id"
	colComment  = "comment"
	colComments = "comments"
	colLanguage = "language"
)

var knownHeaders = map[string]bool{colID: true, colComment: true, colComments: true, colLanguage: true}

// Splitter 实现 contract.Splitter。
type Splitter struct {
	comma   rune
	maxRows int
}

// New 创建 CSV Splitter。
func New(opts *Options) (*Splitter, error) {
	s := &Splitter{comma: ','}
	if opts == nil {
		return s, nil
	}
	if opts.Comma != "" {
		r, size := utf8.DecodeRuneInString(opts.Comma)
		if size != len(opts.Comma) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
			return nil, fmt.Errorf("%w: csv: invalid comma %q", contract.ErrConfiguration, opts.Comma)
		}
		s.comma = r
	}
	if opts.MaxRows < 0 {
		return nil, fmt.Errorf("%w: csv: max_rows must be >= 0", contract.ErrConfiguration)
	}
	s.maxRows = opts.MaxRows
	return s, nil
}

// Split 读取全部记录并产出 Row。
// 约束：
//  1. 单列：每条记录都是评论；首行仅当恰为已知列名时视作表头；
//  2. 多列：首行为表头，需含 comment/comments 列（大小写不敏感、去空白），否则 ErrInputInvalid；
//  3. 可选 id、language 列原样透传，其余列忽略；
//  4. 空输入返回空结果。
func (s *Splitter) Split(ctx context.Context, src contract.SourceID, r io.Reader) ([]contract.Row, error) {
	cr := csv.NewReader(r)
	cr.Comma = s.comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	var records [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv %s: %v", contract.ErrInputInvalid, src, err)
		}
		if len(records) == 0 && len(rec) > 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
		}
		records = append(records, rec)
		if s.maxRows > 0 && len(records) > s.maxRows+1 {
			return nil, fmt.Errorf("%w: csv %s: more than %d rows", contract.ErrInputInvalid, src, s.maxRows)
		}
	}
	if len(records) == 0 {
		return nil, nil
	}
	width := 0
	for _, rec := range records {
		if len(rec) > width {
			width = len(rec)
		}
	}
	var rows []contract.Row
	if width == 1 {
		rows = singleColumn(records)
	} else {
		var err error
		if rows, err = withHeader(src, records); err != nil {
			return nil, err
		}
	}
	if s.maxRows > 0 && len(rows) > s.maxRows {
		return nil, fmt.Errorf("%w: csv %s: more than %d rows", contract.ErrInputInvalid, src, s.maxRows)
	}
	return rows, nil
}

func singleColumn(records [][]string) []contract.Row {
	if knownHeaders[headerName(records[0][0])] {
		records = records[1:]
	}
	rows := make([]contract.Row, 0, len(records))
	for _, rec := range records {
		if len(rec) == 0 {
			continue
		}
		rows = append(rows, contract.Row{colComment: rec[0]})
	}
	return rows
}

func withHeader(src contract.SourceID, records [][]string) ([]contract.Row, error) {
	idx := map[string]int{}
	for i, h := range records[0] {
		name := headerName(h)
		if _, dup := idx[name]; !dup && knownHeaders[name] {
			idx[name] = i
		}
	}
	_, hasComment := idx[colComment]
	_, hasComments := idx[colComments]
	if !hasComment && !hasComments {
		return nil, fmt.Errorf("%w: csv %s: CSV must contain comments data", contract.ErrInputInvalid, src)
	}
	rows := make([]contract.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := contract.Row{}
		for name, i := range idx {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func headerName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

var _ contract.Splitter = (*Splitter)(nil)

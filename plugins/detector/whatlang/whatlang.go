// Package whatlang 以 whatlanggo 实现 contract.LanguageDetector。
package whatlang

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"aspectify/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	// MinConfidence: 低于该置信度时回退为 "und"（默认 0，即不过滤）。
	MinConfidence float64 `json:"min_confidence,omitempty"`
	// MinRunes: 文本短于该长度时直接回退（默认 3）。
	MinRunes int `json:"min_runes,omitempty"`
}

// Detector 实现 contract.LanguageDetector；无状态、并发安全。
type Detector struct {
	minConf  float64
	minRunes int
}

// New 构造 Detector。
func New(raw json.RawMessage) (contract.LanguageDetector, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("%w: whatlang options: %v", contract.ErrConfiguration, err)
		}
	}
	if o.MinConfidence < 0 || o.MinConfidence > 1 {
		return nil, fmt.Errorf("%w: whatlang: min_confidence must be within [0,1]", contract.ErrConfiguration)
	}
	if o.MinRunes <= 0 {
		o.MinRunes = 3
	}
	return &Detector{minConf: o.MinConfidence, minRunes: o.MinRunes}, nil
}

// Detect 返回 ISO 639-1 语言码（无对应时取 639-3）与置信度；无法判定时返回 ("und", 0)。
func (d *Detector) Detect(text string) (string, float64) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < d.minRunes {
		return contract.UndeterminedLanguage, 0
	}
	info := whatlanggo.Detect(text)
	code := info.Lang.Iso6391()
	if code == "" {
		code = info.Lang.Iso6393()
	}
	if code == "" || info.Confidence < d.minConf {
		return contract.UndeterminedLanguage, 0
	}
	return code, info.Confidence
}

var _ contract.LanguageDetector = (*Detector)(nil)

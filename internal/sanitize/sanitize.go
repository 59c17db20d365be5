// Package sanitize 清洗单条评论文本，使其无法破坏下游按行解析的 TOON 输出格式。
package sanitize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxLength: 单条评论的默认最大长度（按 rune 计）。
const DefaultMaxLength = 500

// LineToken: TOON 行首标记；EscapedLineToken 为其转义形式。
const (
	LineToken        = "L:"
	EscapedLineToken = `L\:`
)

// Sanitize 返回清洗后的文本。maxLength<=0 时使用 DefaultMaxLength。
// 约束：
//  1. 全函数，不 panic；空输入返回空串；
//  2. 幂等：Sanitize(Sanitize(x)) == Sanitize(x)；
//  3. 结果长度（rune）不超过 maxLength，转义扩展计入长度；
//  4. 结果不含裸 "L:"，不含控制字符，不含连续空白或首尾空白。
func Sanitize(raw string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if raw == "" {
		return ""
	}
	s := stripControl(raw)
	s = norm.NFKC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, LineToken, EscapedLineToken)
	return truncate(s, maxLength)
}

// stripControl 删除控制字符；空白类控制字符（\n \t \r 等）保留给空白折叠处理。
func stripControl(s string) string {
	clean := true
	for _, r := range s {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// truncate 在 limit 处按词边界截断：
//   - 第 limit 个 rune 恰为空白时直接在此截断；
//   - 否则在 limit 之前最后一个空白处截断；
//   - 之前无空白时硬截断。
func truncate(s string, limit int) string {
	if len(s) <= limit { // 字节数不超限则 rune 数必不超限
		return s
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	cut := limit
	if rs[limit] != ' ' {
		if i := lastSpace(rs[:limit]); i > 0 {
			cut = i
		}
	}
	return strings.TrimRight(string(rs[:cut]), " ")
}

func lastSpace(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == ' ' {
			return i
		}
	}
	return -1
}

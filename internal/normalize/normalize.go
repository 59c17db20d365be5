// Package normalize 把异构输入行转换为规范条目（contract.Item）。
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"aspectify/internal/sanitize"
	"aspectify/pkg/contract"
)

// DefaultConfidence: 仅给出裸语言码且检测器无法佐证时采用的置信度。
const DefaultConfidence = 1.0

// Options: 规范化参数。
type Options struct {
	MaxLength int                       // 评论最大长度（<=0 采用 sanitize.DefaultMaxLength）
	Detector  contract.LanguageDetector // 可选；nil 表示不做语言检测
}

// Result: 规范化结果。Dropped 为缺少可用评论而被丢弃的行数（ErrInputInvalid 策略）。
type Result struct {
	Items   []contract.Item
	Dropped int
}

type pending struct {
	id      string
	comment string
	lang    *contract.Language
}

// Normalize 将 rows 规范化为条目序列。
// 约束：
//  1. 输出顺序等于输入顺序（被丢弃的行除外）；
//  2. ID 非空且全局唯一：缺省 ID 按自动分配的行计数（"1","2",...），跳过集合内任何显式 ID；
//     重复的显式 ID 仅首次出现保留，后续出现改为自动分配；
//  3. 评论取 "comment"，为空时退回 "comments"；清洗后为空视为缺失，丢弃；
//  4. 纯函数，不修改 rows。
func Normalize(rows []contract.Row, opts Options) Result {
	var res Result
	kept := make([]pending, 0, len(rows))
	explicit := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		comment := sanitize.Sanitize(commentOf(row), opts.MaxLength)
		if comment == "" {
			res.Dropped++
			continue
		}
		p := pending{id: scalarString(row["id"]), comment: comment}
		p.lang = language(row["language"], comment, opts.Detector)
		if p.id != "" {
			explicit[p.id] = struct{}{}
		}
		kept = append(kept, p)
	}

	used := make(map[string]struct{}, len(kept))
	next := 0
	autoID := func() string {
		for {
			next++
			id := strconv.Itoa(next)
			if _, ok := explicit[id]; ok {
				continue
			}
			return id
		}
	}
	res.Items = make([]contract.Item, 0, len(kept))
	for _, p := range kept {
		id := p.id
		if _, dup := used[id]; id == "" || dup {
			id = autoID()
		}
		used[id] = struct{}{}
		res.Items = append(res.Items, contract.Item{ID: id, Comment: p.comment, Language: p.lang})
	}
	return res
}

func commentOf(row contract.Row) string {
	if s := scalarString(row["comment"]); s != "" {
		return s
	}
	return scalarString(row["comments"])
}

// scalarString 将字符串/数字转为去首尾空白的字符串；其它类型视为缺失。
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

// language 解析语言字段：
//   - 裸语言码：检测器给出相同语言码时采用其置信度，否则 DefaultConfidence；
//   - [code, confidence] / {code, confidence} / contract.Language：原样采用；
//   - 缺省：由检测器在清洗后的文本上检测；无检测器时为 nil。
func language(v any, text string, det contract.LanguageDetector) *contract.Language {
	code, conf, hasConf := parseLanguage(v)
	if code == "" {
		if det == nil {
			return nil
		}
		c, p := det.Detect(text)
		if c == "" {
			c, p = contract.UndeterminedLanguage, 0
		}
		return &contract.Language{Code: c, Confidence: p}
	}
	if hasConf {
		return &contract.Language{Code: code, Confidence: conf}
	}
	conf = DefaultConfidence
	if det != nil {
		if c, p := det.Detect(text); strings.EqualFold(c, code) {
			conf = p
		}
	}
	return &contract.Language{Code: code, Confidence: conf}
}

func parseLanguage(v any) (code string, conf float64, hasConf bool) {
	switch x := v.(type) {
	case nil:
		return "", 0, false
	case string:
		return strings.ToLower(strings.TrimSpace(x)), 0, false
	case contract.Language:
		return strings.ToLower(strings.TrimSpace(x.Code)), x.Confidence, true
	case *contract.Language:
		if x == nil {
			return "", 0, false
		}
		return parseLanguage(*x)
	case []string:
		if len(x) == 0 {
			return "", 0, false
		}
		code = strings.ToLower(strings.TrimSpace(x[0]))
		if len(x) > 1 {
			if f, err := strconv.ParseFloat(strings.TrimSpace(x[1]), 64); err == nil {
				return code, f, true
			}
		}
		return code, 0, false
	case []any:
		if len(x) == 0 {
			return "", 0, false
		}
		code, _ = x[0].(string)
		code = strings.ToLower(strings.TrimSpace(code))
		if len(x) > 1 {
			conf, hasConf = number(x[1])
		}
		return code, conf, hasConf
	case map[string]any:
		code, _ = x["code"].(string)
		code = strings.ToLower(strings.TrimSpace(code))
		conf, hasConf = number(x["confidence"])
		return code, conf, hasConf
	default:
		return "", 0, false
	}
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

package contract

import "strings"

// SourceID: 逻辑输入源ID（文件路径 / "stdin" / "request"），需规范化，跨平台一致。
type SourceID string

// Row: 原始输入行（异构）。核心流程只读取以下键：
//   - "id": 可缺省；string 或数字；
//   - "comment" / "comments": 文本内容（二者择一，comment 优先）；
//   - "language": 可缺省；裸语言码 string、[code, confidence] 二元组、
//     {code, confidence} 对象或 Language。
//
// 其余键被忽略。Row 为瞬态，仅由 Normalizer 消费。
type Row map[string]any

// Language: 语言元信息（code + 置信度）。
type Language struct {
	Code       string  `json:"code"`
	Confidence float64 `json:"confidence"`
}

// Item: 规范化后的单条输入（CanonicalItem）。
// 约束：
//  1. ID 在一次请求内唯一且非空；
//  2. Comment 已清洗，不含裸行首标记 "L:"；
//  3. Language 可为 nil。
type Item struct {
	ID       string    `json:"id"`
	Comment  string    `json:"comment"`
	Language *Language `json:"language,omitempty"`
}

// Batch: 定长批。Items 保持原始顺序；Index 为提交序（0..n-1，严格递增），
// 用于乱序完成后的顺序恢复。
type Batch struct {
	Index int64
	Items []Item
}

// Sentiment: 方面情感极性。
type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
	Neutral  Sentiment = "neutral"
)

// ParseSentiment 大小写不敏感地识别极性；未知值返回 false。
func ParseSentiment(s string) (Sentiment, bool) {
	switch Sentiment(strings.ToLower(s)) {
	case Positive:
		return Positive, true
	case Negative:
		return Negative, true
	case Neutral:
		return Neutral, true
	}
	return "", false
}

// Aspect: 单个方面词及其情感（AspectResult）。
type Aspect struct {
	Term      string    `json:"term"`
	Sentiment Sentiment `json:"sentiment"`
}

// ItemResult: 单条输入的解析结果。仅当模型响应中出现且至少含一个合法方面时存在；
// 缺失条目不补占位。
type ItemResult struct {
	ID      string   `json:"id"`
	Aspects []Aspect `json:"aspects"`
}

// AnalysisResponse: 一次分析的最终结果。
type AnalysisResponse struct {
	ItemsSubmitted  int          `json:"items_submitted"`
	BatchesSent     int          `json:"batches_sent"`
	Results         []ItemResult `json:"results"`
	DurationSeconds float64      `json:"duration_seconds"`
}

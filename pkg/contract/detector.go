package contract

// LanguageDetector: 语言检测协作者。
// Detect 返回 (code, confidence)；无法判定时返回 ("und", 0)。
// 约束：纯计算、并发安全、不无限阻塞。
type LanguageDetector interface {
	Detect(text string) (code string, confidence float64)
}

// UndeterminedLanguage: 检测失败时的回退语言码。
const UndeterminedLanguage = "und"

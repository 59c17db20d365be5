// Package prompt 提供提示词规模的近似 token 估算（供限流闸门的 TPM 申请使用）。
package prompt

import "aspectify/pkg/contract"

// DefaultBytesPerToken: 默认估算系数。
const DefaultBytesPerToken = 4

// Estimator: 文本 → 近似 token 数。
type Estimator func(s string) int

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) Estimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = DefaultBytesPerToken
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// PromptTokens 估算 Prompt 的输入 token 数（ChatPrompt 按各消息内容累加）。
func PromptTokens(p contract.Prompt, bytesPerToken int) int {
	est := MakeEstimator(bytesPerToken)
	switch v := p.(type) {
	case contract.ChatPrompt:
		total := 0
		for _, m := range v {
			total += est(m.Content)
		}
		return total
	default:
		return est(contract.PromptText(p))
	}
}

// RequestTokens 估算一次批调用的总 token：输入 + 每条目预期输出 × 条目数。
// outputPerItem<=0 时不计输出。
func RequestTokens(p contract.Prompt, bytesPerToken, items, outputPerItem int) int {
	n := PromptTokens(p, bytesPerToken)
	if outputPerItem > 0 && items > 0 {
		n += outputPerItem * items
	}
	return n
}

package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// PromptBuilder: 基于 Batch 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O（模板在构造期或显式 Reload 时加载）；
//   - 不隐式修改条目内容；
//   - 失败快速返回错误（模板错误包裹 ErrConfiguration）。
type PromptBuilder interface {
	Build(ctx context.Context, b Batch) (Prompt, error)
}

// PromptText 将 Prompt 展平为单段文本（供只接受纯文本的客户端与 token 估算使用）。
// ChatPrompt 按 "role: content" 逐条以空行拼接；system 消息不带前缀。
func PromptText(p Prompt) string {
	switch v := p.(type) {
	case TextPrompt:
		return string(v)
	case string:
		return v
	case ChatPrompt:
		out := make([]byte, 0, 256)
		for _, m := range v {
			if m.Content == "" {
				continue
			}
			if len(out) > 0 {
				out = append(out, '\n', '\n')
			}
			if m.Role != "" && m.Role != "system" {
				out = append(out, m.Role...)
				out = append(out, ": "...)
			}
			out = append(out, m.Content...)
		}
		return string(out)
	default:
		return ""
	}
}

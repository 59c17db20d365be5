package contract

import "context"

// Decoder: 将模型原始输出解码为按首次出现顺序排列的 []ItemResult。
// 约束：
//  1. 对畸形输入保持宽容：无法解析的行/片段静默丢弃，不作为错误上报；
//  2. 同一 id 跨行累积，不覆盖；
//  3. 仅在 ctx 取消时返回错误。
type Decoder interface {
	Decode(ctx context.Context, raw Raw) ([]ItemResult, error)
}

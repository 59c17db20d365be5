package contract

import "context"

// Batcher: 将有序 Item 切分为定长 Batch。
// 约束：
//  1. size >= 1，否则返回 ErrConfiguration；
//  2. 连续切片，不重排、不丢失、不重复；仅最后一批可短于 size；
//  3. 按序拼接全部批次可精确还原输入；
//  4. 为每个 Batch 赋予单调递增的 Index（0..n-1），用于跨批顺序恢复。
type Batcher interface {
	Pack(ctx context.Context, items []Item, size int) ([]Batch, error)
}

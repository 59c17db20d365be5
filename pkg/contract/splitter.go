package contract

import (
	"context"
	"io"
)

// Splitter: 将单个输入源的字节流解析为有序 Row 序列。
// 约束：
// 1) 不跨输入源合并；
// 2) 行序与输入一致；
// 3) 不清洗文本（清洗由 Normalizer 负责）；
// 4) 无内部并发；结构非法（如缺少评论列）返回包裹 ErrInputInvalid 的错误。
type Splitter interface {
	Split(ctx context.Context, src SourceID, r io.Reader) ([]Row, error)
}

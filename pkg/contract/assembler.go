package contract

import (
	"context"
	"io"
)

// Assembler: 将单个输入源的 AnalysisResponse 编码为可写出的字节流。
// 约束：
//  1. 不改变 Results 顺序与内容；
//  2. 不引入跨输入源状态。
type Assembler interface {
	Assemble(ctx context.Context, src SourceID, resp AnalysisResponse) (io.Reader, error)
}

package fixed

import (
	"context"
	"fmt"

	"aspectify/pkg/contract"
)

// Batcher 按固定条数切分条目序列。无状态，并发安全。
type Batcher struct{}

// New 创建定长 Batcher。
func New() *Batcher { return &Batcher{} }

// Pack 将 items 切分为连续的定长批：
//   - size < 1 返回包裹 ErrConfiguration 的错误；
//   - 每批至多 size 条，仅最后一批可以更短；
//   - 按序拼接各批可精确还原 items，批内不重排；
//   - Index 依提交序 0..n-1 赋值。
//
// 批与 items 共享底层数组（容量被截断，批上的 append 不会覆盖后续条目）。
func (b *Batcher) Pack(ctx context.Context, items []contract.Item, size int) ([]contract.Batch, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: batch size must be >= 1, got %d", contract.ErrConfiguration, size)
	}
	n := len(items)
	if n == 0 {
		return nil, nil
	}
	// 以余量比较，避免 size 接近 MaxInt 时 l+size 溢出。
	batches := make([]contract.Batch, 0, batchCount(n, size))
	var idx int64
	for l := 0; l < n; {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		r := n
		if n-l > size {
			r = l + size
		}
		batches = append(batches, contract.Batch{Index: idx, Items: items[l:r:r]})
		idx++
		l = r
	}
	return batches, nil
}

func batchCount(n, size int) int {
	c := n / size
	if n%size != 0 {
		c++
	}
	return c
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ contract.Batcher = (*Batcher)(nil)

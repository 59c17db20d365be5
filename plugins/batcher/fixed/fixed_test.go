package fixed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"testing"

	"aspectify/pkg/contract"
)

func makeItems(n int) []contract.Item {
	out := make([]contract.Item, n)
	for i := range out {
		out[i] = contract.Item{ID: strconv.Itoa(i + 1), Comment: "c" + strconv.Itoa(i)}
	}
	return out
}

// UT-BAT-01: 往返性质：拼接还原、批长上界、仅末批更短
func TestPackRoundTrip(t *testing.T) {
	b := New()
	for _, n := range []int{0, 1, 2, 9, 10, 11, 25, 100} {
		for _, size := range []int{1, 2, 3, 10, 64, 200, math.MaxInt - 1, math.MaxInt} {
			t.Run(fmt.Sprintf("n=%d,size=%d", n, size), func(t *testing.T) {
				items := makeItems(n)
				batches, err := b.Pack(context.Background(), items, size)
				if err != nil {
					t.Fatalf("pack: %v", err)
				}
				want := n / size
				if n%size != 0 {
					want++
				}
				if len(batches) != want {
					t.Fatalf("批数 %d 期望 %d", len(batches), want)
				}
				var flat []contract.Item
				for i, bt := range batches {
					if bt.Index != int64(i) {
						t.Fatalf("Index 错误: %d@%d", bt.Index, i)
					}
					if len(bt.Items) > size || len(bt.Items) == 0 {
						t.Fatalf("批长越界: %d", len(bt.Items))
					}
					if i < len(batches)-1 && len(bt.Items) != size {
						t.Fatalf("非末批更短: %d", len(bt.Items))
					}
					flat = append(flat, bt.Items...)
				}
				if len(flat) != n {
					t.Fatalf("总数 %d 期望 %d", len(flat), n)
				}
				for i := range flat {
					if flat[i] != items[i] {
						t.Fatalf("第 %d 条不一致", i)
					}
				}
			})
		}
	}
}

// UT-BAT-02: 非法批大小
func TestPackBadSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := New().Pack(context.Background(), makeItems(3), size)
		if !errors.Is(err, contract.ErrConfiguration) {
			t.Fatalf("size=%d 期望 ErrConfiguration，得到 %v", size, err)
		}
	}
}

// UT-BAT-03: 批上的 append 不覆盖后续条目
func TestPackAppendIsolation(t *testing.T) {
	items := makeItems(4)
	batches, _ := New().Pack(context.Background(), items, 2)
	_ = append(batches[0].Items, contract.Item{ID: "x"})
	if items[2].ID != "3" {
		t.Fatalf("后续条目被覆盖: %+v", items[2])
	}
}

// UT-BAT-04: 取消
func TestPackCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Pack(ctx, makeItems(5), 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，得到 %v", err)
	}
}

func BenchmarkPack(b *testing.B) {
	items := makeItems(10000)
	bt := New()
	ctx := context.Background()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := bt.Pack(ctx, items, 10); err != nil {
			b.Fatalf("批处理失败: %v", err)
		}
	}
}

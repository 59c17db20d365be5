package diag

import (
	"expvar"
	"strings"
)

// 进程级指标，经 expvar 暴露在 /debug/vars：
//   - aspectify_op_total{comp.stage.result}
//   - aspectify_error_total{comp.code}
//   - aspectify_op_duration_ms{comp.stage}（累计毫秒）与 aspectify_op_duration_count
var (
	opTotal       = expvar.NewMap("aspectify_op_total")
	errorTotal    = expvar.NewMap("aspectify_error_total")
	durationSumMS = expvar.NewMap("aspectify_op_duration_ms")
	durationCount = expvar.NewMap("aspectify_op_duration_count")
)

func key(parts ...string) string { return strings.Join(parts, ".") }

// IncOp 累加操作计数（result=success|error|dropped）。
func IncOp(comp, stage, result string) { AddOp(comp, stage, result, 1) }

// AddOp 按增量累加操作计数；n<=0 时忽略。
func AddOp(comp, stage, result string, n int64) {
	if n <= 0 {
		return
	}
	opTotal.Add(key(comp, stage, result), n)
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) { errorTotal.Add(key(comp, code), 1) }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	k := key(comp, stage)
	durationSumMS.Add(k, durMS)
	durationCount.Add(k, 1)
}

// counter 读取 expvar 计数（测试与状态页使用）；不存在时为 0。
func counter(m *expvar.Map, k string) int64 {
	if v, ok := m.Get(k).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

// OpCount 返回 IncOp 的累计值。
func OpCount(comp, stage, result string) int64 { return counter(opTotal, key(comp, stage, result)) }

// ErrorCount 返回 IncError 的累计值。
func ErrorCount(comp, code string) int64 { return counter(errorTotal, key(comp, code)) }

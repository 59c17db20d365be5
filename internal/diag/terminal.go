package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Terminal: 终端进度提示（非日志）。
//   - TTY：单行 \r 覆盖，100ms 节流；
//   - 非 TTY（含 CI）：仅在关键节点分行打印；
//   - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	llm         string
	sourcesDone int
	runStart    time.Time

	cur          string
	batchesTotal int
	batchesDone  int
	dropped      int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置进程级终端（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回进程级终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器；enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	if os.Getenv("CI") == "" {
		t.isTTY = isTerminalFile(w)
	}
	return t
}

func isTerminalFile(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// RunStart 记录运行上下文。
func (t *Terminal) RunStart(concurrency int, llm string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.llm = llm
	t.sourcesDone = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 并发=%d | llm=%s", concurrency, safe(llm)))
}

// SourceStart 标记当前输入源与计划批次。
func (t *Terminal) SourceStart(source string, batchesTotal int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.cur = shortenBase(source, 48)
	t.batchesTotal = batchesTotal
	t.batchesDone = 0
	t.dropped = 0
	if !t.isTTY {
		t.println(fmt.Sprintf("[source] %s | 计划批次=%d", t.cur, batchesTotal))
	}
}

// BatchDone 在每个批次完成后调用；dropped 表示该批被丢弃。
func (t *Terminal) BatchDone(dropped bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.batchesDone++
	if dropped {
		t.dropped++
	}
	if !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond && t.batchesDone < t.batchesTotal {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[source] %s | 进度 %d/%d | 丢弃 %d | 并发 %d | 用时 %s",
		t.cur, t.batchesDone, t.batchesTotal, t.dropped, t.concurrency, formatDur(time.Since(t.runStart))))
}

// SourceFinish 完成当前输入源（清尾并换行）。
func (t *Terminal) SourceFinish(ok bool, results int, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.sourcesDone++
	status := "done"
	if !ok {
		status = "fail"
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("[%s] %s | 批次 %d | 丢弃 %d | 结果 %d | 用时 %s",
		status, t.cur, t.batchesTotal, t.dropped, results, formatDur(dur)))
}

// RunFinish 输出结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("[%s] 全部完成 | 输入 %d | 总用时 %s", tag, t.sourcesDone, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

// printInline 以 \r 覆盖当前行；新行更短时以空格清尾。
func (t *Terminal) printInline(s string) {
	n := visLen(s)
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if t.lastLen > n {
		b.WriteString(strings.Repeat(" ", t.lastLen-n))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = n
}

// shortenBase 取基名并按 rune 宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if visLen(base) <= max {
		return base
	}
	rs := []rune(base)
	return string(rs[:max-1]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string { return strings.NewReplacer("\n", " ", "\r", " ").Replace(s) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}

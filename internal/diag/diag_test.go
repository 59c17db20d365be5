package diag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aspectify/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	defer w.Close()
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		switch {
		case e.Name() == logCurrent:
			hasCurrent = true
		case strings.HasPrefix(e.Name(), logBase+"-") && strings.HasSuffix(e.Name(), ".log"):
			hasRotated = true
		}
	}
	if !hasCurrent || !hasRotated {
		t.Fatalf("应同时存在当前与轮转文件: current=%v rotated=%v", hasCurrent, hasRotated)
	}
	b, _ := os.ReadFile(filepath.Join(dir, logCurrent))
	if string(b) != "second\n" {
		t.Fatalf("当前文件内容错误: %q", b)
	}
}

// 直接覆盖 rotate 与 Close 后重开
func TestRotatingFileRotateAndReopen(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 0)
	if w.maxBytes != defaultMaxLog {
		t.Fatalf("默认上限错误")
	}
	if err := w.rotate(); err != nil { // f==nil 分支
		t.Fatalf("rotate: %v", err)
	}
	if _, err := w.Write([]byte("a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()
	if _, err := w.Write([]byte("b\n")); err != nil {
		t.Fatalf("关闭后应可重新打开: %v", err)
	}
	_ = w.Close()
	b, _ := os.ReadFile(filepath.Join(dir, logCurrent))
	if string(b) != "a\nb\n" {
		t.Fatalf("内容错误: %q", b)
	}
}

// UT-DIAG-02: 指标计数（expvar）
func TestMetrics(t *testing.T) {
	before := OpCount("tcomp", "call", "success")
	IncOp("tcomp", "call", "success")
	IncOp("tcomp", "call", "success")
	if got := OpCount("tcomp", "call", "success"); got != before+2 {
		t.Fatalf("op 计数错误: %d", got)
	}
	AddOp("tcomp", "call", "success", 5)
	AddOp("tcomp", "call", "success", 0)
	if got := OpCount("tcomp", "call", "success"); got != before+7 {
		t.Fatalf("增量计数错误: %d", got)
	}
	e0 := ErrorCount("tcomp", "quota")
	IncError("tcomp", "quota")
	if ErrorCount("tcomp", "quota") != e0+1 {
		t.Fatalf("error 计数错误")
	}
	ObserveDuration("tcomp", "call", 5)
	if counter(durationCount, key("tcomp", "call")) < 1 {
		t.Fatalf("耗时计数错误")
	}
}

// UT-DIAG-03: 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), CodeCancel},
		{contract.ErrQuotaExceeded, CodeQuota},
		{fmt.Errorf("openai: %w", contract.ErrRateLimited), CodeQuota},
		{fmt.Errorf("%w: batch size", contract.ErrConfiguration), CodeConfig},
		{contract.ErrInputInvalid, CodeInput},
		{contract.ErrResponseInvalid, CodeProtocol},
		{contract.ErrPathInvalid, CodeInvariant},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{errors.New("other"), CodeUnknown},
	}
	for _, tt := range cases {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v)=%s 期望 %s", tt.err, got, tt.want)
		}
	}
	if NowUTC() == "" {
		t.Fatalf("应返回时间字符串")
	}
}

// UT-DIAG-04: 文件 JSON 行包含事件字段，级别过滤生效
func TestLoggerJSONSink(t *testing.T) {
	var console, file bytes.Buffer
	l := NewLoggerTo("corr-1", "info", &console, &file)
	tm := l.StartWithKV("pipeline", "run", "a.csv", "3", map[string]string{"k": "v"})
	tm.Finish("done", 7)
	l.Warn("pipeline", "input", "row dropped", "a.csv", "", nil)
	l.ErrorWith("llm", "quota", "boom", nil, "a.csv", "1")
	l.DebugStart("pipeline", "hidden", "", "", nil)

	var lines []map[string]any
	sc := bufio.NewScanner(&file)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("非 JSON 行: %q", sc.Text())
		}
		lines = append(lines, m)
	}
	if len(lines) != 4 {
		t.Fatalf("期望 4 行（debug 被过滤），得到 %d", len(lines))
	}
	if lines[0]["corr_id"] != "corr-1" || lines[0]["source"] != "a.csv" || lines[0]["batch_id"] != "3" {
		t.Fatalf("start 字段错误: %v", lines[0])
	}
	if kv, _ := lines[0]["kv"].(map[string]any); kv["k"] != "v" {
		t.Fatalf("kv 错误: %v", lines[0])
	}
	if lines[1]["stage"] != "finish" || lines[1]["count"] != float64(7) {
		t.Fatalf("finish 字段错误: %v", lines[1])
	}
	if lines[2]["level"] != "WARN" || lines[3]["code"] != "quota" {
		t.Fatalf("warn/error 字段错误: %v %v", lines[2], lines[3])
	}
	if !strings.Contains(console.String(), "row dropped") {
		t.Fatalf("控制台缺少输出: %q", console.String())
	}
}

// 覆盖 nil 接收者与派生
func TestLoggerNilAndDerive(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("x", 1)
	l.Error("c", "code", "m", nil)
	l.Warn("c", "code", "m", "", "", nil)
	if l.WithCorrID("x") != nil || l.CorrID() != "" || l.Close() != nil {
		t.Fatalf("nil Logger 应为 no-op")
	}
	l.Slog().Info("ignored")
	var tnil *Timer
	tnil.Finish("x", 0)

	var file bytes.Buffer
	base := NewLoggerTo("a", "debug", nil, &file)
	child := base.WithCorrID("b")
	start := time.Now().Add(-5 * time.Millisecond)
	child.Error("c", "code", "m", &start)
	if !strings.Contains(file.String(), `"corr_id":"b"`) {
		t.Fatalf("子 Logger 未使用新 corr_id: %s", file.String())
	}
	if len(NewCorrID()) != 36 {
		t.Fatalf("corr id 应为 UUID")
	}
	Discard().Error("c", "code", "m", nil)
}

// UT-DIAG-05: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart(3, "gemini")
	term.SourceStart("data/reviews.csv", 4)
	for i := 0; i < 4; i++ {
		term.BatchDone(i == 2)
	}
	term.SourceFinish(true, 35, 5100*time.Millisecond)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] 并发=3 | llm=gemini",
		"[source] reviews.csv | 计划批次=4",
		"[done] reviews.csv | 批次 4 | 丢弃 1 | 结果 35 | 用时 5.1s",
		"[ok] 全部完成 | 输入 1 | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("缺少 %q: %q", want, out)
		}
	}
}

// UT-DIAG-06: 终端（TTY）进度节流与清尾
func TestTerminalTTYThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock")
	term.SourceStart("/a/b/c/longfilename.csv", 3)

	term.BatchDone(false)
	first := sb.String()
	if !strings.Contains(first, "\r[source]") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	term.BatchDone(true) // <100ms 且未完成：节流
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	term.BatchDone(false) // 最后一批总是刷新
	if len(sb.String()) <= len(first) {
		t.Fatalf("final progress should flush")
	}
	term.SourceFinish(false, 0, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	if cr := strings.LastIndex(final[:idx], "\r"); cr < 0 || !strings.Contains(final[cr+1:idx], " ") {
		t.Fatalf("应先以回车+空格清尾")
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// UT-DIAG-07: 写失败降级为禁用态；nil 接收者 no-op
func TestTerminalDisable(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.RunStart(1, "x")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.SourceStart("a", 0)
	term.BatchDone(false)
	term.SourceFinish(true, 0, 0)
	term.RunFinish(true, 0)

	var tn *Terminal
	tn.RunStart(1, "x")
	tn.SourceStart("a", 1)
	tn.BatchDone(true)
	tn.SourceFinish(true, 0, 0)
	tn.RunFinish(true, 0)
}

// UT-DIAG-08: 工具函数与 CI 环境
func TestHelpers(t *testing.T) {
	if got := shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.csv", 10); visLen(got) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("shortenBase: %q", got)
	}
	if shortenBase("x", 0) != "" {
		t.Fatalf("max<=0 should be empty")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur failed")
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)

	t.Setenv("CI", "true")
	if NewTerminal(os.Stderr, true).isTTY {
		t.Fatalf("CI env should force non-tty")
	}
}

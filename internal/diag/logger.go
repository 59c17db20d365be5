package diag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// Logger 为阶段事件式结构化日志器：
//   - 控制台：tint 彩色文本（stderr）；
//   - 文件：JSON 行，写入 logs/aspectify-current.log，10 MiB 轮转。
//
// 事件字段：corr_id, comp, stage(start|finish|error|warn), code, dur_ms, count,
// source, batch_id, kv。nil *Logger 的所有方法均为 no-op。
type Logger struct {
	corrID string
	sl     *slog.Logger
	closer io.Closer
}

// NewCorrID 生成关联 ID（UUIDv4）。
func NewCorrID() string { return uuid.NewString() }

// NewLogger 通过配置的 level 初始化：控制台 stderr + 文件 logs/（10 MiB 轮转）。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", defaultMaxLog)
	l := NewLoggerTo(corrID, level, os.Stderr, sink)
	l.closer = sink
	return l
}

// NewLoggerTo 允许显式指定控制台与文件输出；任一为 nil 则跳过该路。
func NewLoggerTo(corrID, level string, console, file io.Writer) *Logger {
	lvl := parseLevel(level)
	var hs fanout
	if console != nil {
		hs = append(hs, tint.NewHandler(console, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
			AddSource:  lvl == slog.LevelDebug,
			NoColor:    !isTerminal(console),
		}))
	}
	if file != nil {
		hs = append(hs, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: lvl}))
	}
	return &Logger{corrID: corrID, sl: slog.New(hs)}
}

// Discard 返回丢弃一切输出的 Logger（测试与库调用方使用）。
func Discard() *Logger { return NewLoggerTo("", "error", nil, nil) }

// WithCorrID 派生共享输出的子 Logger（例如每个 HTTP 请求一个）。
func (l *Logger) WithCorrID(id string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{corrID: id, sl: l.sl}
}

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Slog 暴露底层 *slog.Logger（供 HTTP 中间件等使用）。
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return slog.New(fanout(nil))
	}
	return l.sl
}

// Close 关闭文件输出（若有）。
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	return os.Getenv("NO_COLOR") == "" && isTerminalFile(w)
}

// Event 为标准事件结构。
type Event struct {
	Comp   string
	Stage  string
	Code   string
	DurMS  int64
	Count  int64
	Source string
	Batch  string
	Msg    string
	KV     map[string]string
}

func (l *Logger) log(lv slog.Level, ev Event) {
	if l == nil || l.sl == nil {
		return
	}
	ctx := context.Background()
	if !l.sl.Enabled(ctx, lv) {
		return
	}
	attrs := make([]slog.Attr, 0, 9)
	if l.corrID != "" {
		attrs = append(attrs, slog.String("corr_id", l.corrID))
	}
	attrs = append(attrs, slog.String("comp", ev.Comp), slog.String("stage", ev.Stage))
	if ev.Code != "" {
		attrs = append(attrs, slog.String("code", ev.Code))
	}
	if ev.DurMS > 0 {
		attrs = append(attrs, slog.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count > 0 {
		attrs = append(attrs, slog.Int64("count", ev.Count))
	}
	if ev.Source != "" {
		attrs = append(attrs, slog.String("source", ev.Source))
	}
	if ev.Batch != "" {
		attrs = append(attrs, slog.String("batch_id", ev.Batch))
	}
	if len(ev.KV) > 0 {
		keys := make([]string, 0, len(ev.KV))
		for k := range ev.KV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]any, 0, len(keys))
		for _, k := range keys {
			kv = append(kv, slog.String(k, ev.KV[k]))
		}
		attrs = append(attrs, slog.Group("kv", kv...))
	}
	l.sl.LogAttrs(ctx, lv, ev.Msg, attrs...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 source/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, source, batch string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", Source: source, Batch: batch, Msg: msg})
	return &Timer{l: l, comp: comp, source: source, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 source/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, source, batch string, kv map[string]string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", Source: source, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, source: source, batch: batch, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 source/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, source, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, source, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, source, batch string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(slog.LevelError, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Source: source, Batch: batch, KV: kv})
}

// Warn 记录可恢复的降级事件（丢弃行/丢弃批/未知 id 等）。
func (l *Logger) Warn(comp, code, msg, source, batch string, kv map[string]string) {
	l.log(slog.LevelWarn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, Source: source, Batch: batch, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, source, batch string, kv map[string]string) {
	l.log(slog.LevelDebug, Event{Comp: comp, Stage: "start", Source: source, Batch: batch, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	source string
	batch  string
	t0     time.Time
}

// Finish 记录 finish 并上报耗时指标；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	d := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, "finish", d)
	t.l.log(slog.LevelInfo, Event{Comp: t.comp, Stage: "finish", DurMS: d, Count: count, Source: t.source, Batch: t.batch, Msg: msg})
}

// fanout 将一条记录分发给多个 slog.Handler。
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, lv slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, lv) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(as []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(as)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

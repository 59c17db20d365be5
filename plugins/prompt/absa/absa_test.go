package absa

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aspectify/pkg/contract"
)

func batch(items ...contract.Item) contract.Batch {
	return contract.Batch{Index: 0, Items: items}
}

func userOf(t *testing.T, p contract.Prompt) string {
	t.Helper()
	cp, ok := p.(contract.ChatPrompt)
	if !ok || len(cp) == 0 {
		t.Fatalf("期望 ChatPrompt, got %T", p)
	}
	return cp[len(cp)-1].Content
}

func writeYAML(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "absa.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// UT-PMT-01: 内置模板包含全部条目 id 与内容，并带 system 消息。
func TestBuildDefault(t *testing.T) {
	b, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := b.Build(context.Background(), batch(
		contract.Item{ID: "1", Comment: "great screen"},
		contract.Item{ID: "x", Comment: "slow delivery", Language: &contract.Language{Code: "en", Confidence: 1}},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cp := p.(contract.ChatPrompt)
	if len(cp) != 2 || cp[0].Role != "system" || cp[1].Role != "user" {
		t.Fatalf("消息结构不符: %+v", cp)
	}
	u := cp[1].Content
	for _, want := range []string{"[1] great screen", "[x] (en) slow delivery", "L:<id>|"} {
		if !strings.Contains(u, want) {
			t.Fatalf("user 提示缺少 %q:\n%s", want, u)
		}
	}
}

// UT-PMT-02: inline 模板优先；inline system 覆盖默认。
func TestBuildInline(t *testing.T) {
	b, err := New(&Options{
		InlineTemplate: `{{range .Items}}{{.ID}}={{.Comment}};{{end}}`,
		InlineSystem:   "SYS",
		TemplatePath:   "/nonexistent.yaml",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := b.Build(context.Background(), batch(contract.Item{ID: "a", Comment: "b"}, contract.Item{ID: "c", Comment: "d"}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cp := p.(contract.ChatPrompt)
	if cp[0].Content != "SYS" || cp[1].Content != "a=b;c=d;" {
		t.Fatalf("渲染结果不符: %+v", cp)
	}
}

// UT-PMT-03: YAML 文件的 template/system 键。
func TestBuildFromYAML(t *testing.T) {
	dir := t.TempDir()
	p := writeYAML(t, dir, "system: be terse\ntemplate: |\n  {{range .Items}}<{{.ID}}>{{end}}\n")
	b, err := New(&Options{TemplatePath: p})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := b.Build(context.Background(), batch(contract.Item{ID: "7", Comment: "c"}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cp := out.(contract.ChatPrompt)
	if cp[0].Content != "be terse" || strings.TrimSpace(cp[1].Content) != "<7>" {
		t.Fatalf("YAML 模板结果不符: %+v", cp)
	}
}

// UT-PMT-04: 模板缺失或无效均为配置错误。
func TestTemplateErrors(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		opts Options
	}{
		{"文件不存在", Options{TemplatePath: filepath.Join(dir, "missing.yaml")}},
		{"缺少 template 键", Options{TemplatePath: writeYAML(t, dir, "system: only\n")}},
		{"YAML 语法错误", Options{TemplatePath: writeYAML(t, t.TempDir(), "template: [unclosed\n")}},
		{"模板语法错误", Options{InlineTemplate: "{{range .Items}"}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			if _, err := New(&opts); !errors.Is(err, contract.ErrConfiguration) {
				t.Fatalf("期望 ErrConfiguration, got %v", err)
			}
		})
	}
}

// UT-PMT-05: 渲染期错误与空批。
func TestBuildErrors(t *testing.T) {
	b, err := New(&Options{InlineTemplate: "{{range .Items}}{{.Missing}}{{end}}"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.Build(context.Background(), batch(contract.Item{ID: "1", Comment: "x"})); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("未知字段应为 ErrConfiguration, got %v", err)
	}
	if _, err := b.Build(context.Background(), batch()); !errors.Is(err, contract.ErrInputInvalid) {
		t.Fatalf("空批应为 ErrInputInvalid, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Build(ctx, batch(contract.Item{ID: "1", Comment: "x"})); !errors.Is(err, context.Canceled) {
		t.Fatalf("取消应返回 ctx 错误, got %v", err)
	}
}

// UT-PMT-06: Reload 失败保留旧模板。
func TestReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	p := writeYAML(t, dir, "template: v1 {{len .Items}}\n")
	b, err := New(&Options{TemplatePath: p})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	writeYAML(t, dir, "template: v2 {{len .Items}}\n")
	if err := b.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	out, _ := b.Build(context.Background(), batch(contract.Item{ID: "1", Comment: "x"}))
	if got := userOf(t, out); got != "v2 1" {
		t.Fatalf("重载后应为 v2, got %q", got)
	}
	writeYAML(t, dir, "system: x\n")
	if err := b.Reload(); !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("期望 ErrConfiguration, got %v", err)
	}
	out, _ = b.Build(context.Background(), batch(contract.Item{ID: "1", Comment: "x"}))
	if got := userOf(t, out); got != "v2 1" {
		t.Fatalf("失败重载应保留旧模板, got %q", got)
	}
}

// UT-PMT-07: Watch 感知文件变更并重载。
func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	p := writeYAML(t, dir, "template: before\n")
	b, err := New(&Options{TemplatePath: p})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan error, 16)
	done := make(chan error, 1)
	go func() { done <- b.Watch(ctx, func(err error) { reloaded <- err }) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		out, _ := b.Build(context.Background(), batch(contract.Item{ID: "1", Comment: "x"}))
		if userOf(t, out) == "after" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("超时：模板未被重载")
		case <-tick.C:
			// 监听可能晚于首次写入注册，重复写入直至生效。
			writeYAML(t, dir, "template: after\n")
		case <-reloaded:
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch 返回错误: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch 未随 ctx 退出")
	}
}

// Watch 在无文件模板时立即返回。
func TestWatchNoFile(t *testing.T) {
	b, _ := New(nil)
	if err := b.Watch(context.Background(), nil); err != nil {
		t.Fatalf("got %v", err)
	}
}

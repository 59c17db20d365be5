package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	cfgpkg "aspectify/internal/config"
	"aspectify/internal/diag"
	"aspectify/internal/httpapi"
	"aspectify/internal/pipeline"
)

// chdir 切换到临时目录并在测试结束后恢复。
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

func templateJSON(t *testing.T) string {
	t.Helper()
	b, err := json.Marshal(cfgpkg.DefaultTemplateConfig())
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func stubProcess(t *testing.T, fn func(pipeline.Settings) error) {
	t.Helper()
	orig := pipelineProcess
	pipelineProcess = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) error {
		return fn(set)
	}
	t.Cleanup(func() { pipelineProcess = orig })
}

func TestNormalizeInitArg(t *testing.T) {
	cases := []struct {
		in, want []string
	}{
		{[]string{"--init-config"}, []string{"--init-config", "."}},
		{[]string{"--init-config", "--status=false"}, []string{"--init-config", ".", "--status=false"}},
		{[]string{"--init-config", "out"}, []string{"--init-config", "out"}},
		{[]string{"--init-config=out"}, []string{"--init-config=out"}},
	}
	for _, tt := range cases {
		if got := normalizeInitArg(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("%v: got %v", tt.in, got)
		}
	}
}

func TestRunInitConfig(t *testing.T) {
	dir := chdir(t)
	out := filepath.Join(dir, "conf")
	if code := run([]string{"--init-config", out}); code != exitOK {
		t.Fatalf("run 返回 %d", code)
	}
	cfgPath := filepath.Join(out, "config.json")
	cfg, err := cfgpkg.Load(cfgPath, nil)
	if err != nil {
		t.Fatalf("生成的配置无法解析: %v", err)
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		t.Fatalf("生成的配置未通过校验: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, ".env")); err != nil {
		t.Fatalf(".env 未生成: %v", err)
	}
	// 不覆盖已存在文件。
	_ = os.WriteFile(cfgPath, []byte("{}"), 0o644)
	if code := run([]string{"--init-config", out}); code != exitOK {
		t.Fatalf("重复生成返回 %d", code)
	}
	if b, _ := os.ReadFile(cfgPath); string(b) != "{}" {
		t.Fatalf("已有配置被覆盖")
	}
}

func TestRunSuccess(t *testing.T) {
	chdir(t)
	t.Setenv(cfgpkg.EnvConfigJSON, templateJSON(t))
	var got pipeline.Settings
	stubProcess(t, func(set pipeline.Settings) error { got = set; return nil })

	if code := run([]string{"--status=false", "--batch-size", "4", "-"}); code != exitOK {
		t.Fatalf("run 返回 %d", code)
	}
	if got.BatchSize != 4 || got.Concurrency != 3 || len(got.Inputs) != 1 || got.Inputs[0] != "-" {
		t.Fatalf("设置未按 CLI 覆盖: %+v", got)
	}
}

func TestRunExitCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"配额", &pipeline.QuotaError{Batch: 3, Diagnostic: "quota exceeded"}, exitQuota},
		{"普通失败", errors.New("boom"), exitFail},
		{"取消", context.Canceled, exitFail},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t)
			t.Setenv(cfgpkg.EnvConfigJSON, templateJSON(t))
			stubProcess(t, func(pipeline.Settings) error { return tt.err })
			if code := run([]string{"--status=false"}); code != tt.want {
				t.Fatalf("期望 %d, got %d", tt.want, code)
			}
		})
	}
}

func TestRunConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"配置文件不存在", nil, []string{"--config", "missing.json"}},
		{"非法 ENV 整数", map[string]string{"ASPECTIFY_BATCH_SIZE": "many"}, nil},
		{"STDIN 混用", nil, []string{"-", "a.csv"}},
		{"未知 provider", nil, []string{"--llm", "nope"}},
		{"未知旗标", nil, []string{"--bogus"}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t)
			t.Setenv(cfgpkg.EnvConfigJSON, "")
			if tt.name != "配置文件不存在" {
				t.Setenv(cfgpkg.EnvConfigJSON, templateJSON(t))
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			stubProcess(t, func(pipeline.Settings) error { t.Fatalf("不应运行流水线"); return nil })
			if code := run(tt.args); code != exitConfig {
				t.Fatalf("期望 %d, got %d", exitConfig, code)
			}
		})
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := chdir(t)
	yml := "batch_size: 5\nconcurrency: 5\ncall_timeout_seconds: 5\nllm: mock\nprovider:\n  mock:\n    client: mock\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	env := []string{"ASPECTIFY_CONCURRENCY=6", "ASPECTIFY_CALL_TIMEOUT_SECONDS=6"}
	cfg, err := loadConfig(cliFlags{batchSize: 7, addr: ":9999"}, []string{"in.csv"}, env)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.BatchSize != 7 || cfg.Concurrency != 6 || cfg.CallTimeoutSeconds != 6 {
		t.Fatalf("优先级错误: %+v", cfg)
	}
	if cfg.LLM != "mock" || cfg.Server.Addr != ":9999" || cfg.Inputs[0] != "in.csv" {
		t.Fatalf("合并结果不符: %+v", cfg)
	}
	if cfg.Components.Splitter != "csv" {
		t.Fatalf("默认组件丢失: %+v", cfg.Components)
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != exitOK || exitCode(errors.New("x")) != exitFail {
		t.Fatalf("基础映射错误")
	}
	if exitCode(&pipeline.QuotaError{}) != exitQuota {
		t.Fatalf("配额应映射为 2")
	}
	if _, err := cfgpkg.Load("", nil); exitCode(err) != exitConfig {
		t.Fatalf("配置错误应映射为 3")
	}
}

func TestPreflightCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Defaults()
	cfg.Options.Writer = json.RawMessage(`{"output_dir":"` + filepath.ToSlash(filepath.Join(dir, "new")) + `"}`)
	if err := preflightCheckOutputDir(cfg); err != nil {
		t.Fatalf("父目录可写时应通过: %v", err)
	}
	file := filepath.Join(dir, "f")
	_ = os.WriteFile(file, []byte("x"), 0o644)
	cfg.Options.Writer = json.RawMessage(`{"output_dir":"` + filepath.ToSlash(file) + `"}`)
	if err := preflightCheckOutputDir(cfg); err == nil {
		t.Fatalf("路径为文件时应失败")
	}
}

func newTestServer(t *testing.T) (*httpapi.Server, cfgpkg.Config) {
	t.Helper()
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Options.Writer = json.RawMessage(`{"output_dir":"` + filepath.ToSlash(t.TempDir()) + `"}`)
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	s, err := httpapi.New(comp, set, diag.Discard(), httpapi.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return s, cfg
}

func TestServeOnGracefulShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveOn(ctx, ln, s) }()

	res, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("状态码 %d", res.StatusCode)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("关停返回错误: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("未在超时内关停")
	}
}

func TestRunServeCanceled(t *testing.T) {
	chdir(t)
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := runServe(ctx, cfg, comp, set, diag.Discard()); code != exitOK {
		t.Fatalf("期望 0, got %d", code)
	}

	orig := listen
	listen = func(string, string) (net.Listener, error) { return nil, errors.New("address in use") }
	defer func() { listen = orig }()
	if code := runServe(context.Background(), cfg, comp, set, diag.Discard()); code != exitFail {
		t.Fatalf("监听失败应返回 1, got %d", code)
	}
}

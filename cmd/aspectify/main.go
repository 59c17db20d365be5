package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	cfgpkg "aspectify/internal/config"
	"aspectify/internal/diag"
	"aspectify/internal/httpapi"
	"aspectify/internal/pipeline"
	"aspectify/pkg/contract"
)

// 测试替换点。
var (
	pipelineProcess = pipeline.Process
	listen          = net.Listen
)

// 退出码。
const (
	exitOK     = 0
	exitFail   = 1
	exitQuota  = 2
	exitConfig = 3
)

// 用法：
//
//	aspectify [flags] [inputs...]   文件/目录或 "-"（STDIN，不能与其他根混用）
//	aspectify serve [flags]         启动 HTTP API
func main() {
	os.Exit(run(os.Args[1:]))
}

// cliFlags: 命令行覆盖项（零值表示未设置）。
type cliFlags struct {
	config      string
	llm         string
	batchSize   int
	concurrency int
	addr        string
	initDir     string
	status      bool
}

func parseFlags(args []string) (cliFlags, []string, error) {
	var f cliFlags
	fs := flag.NewFlagSet("aspectify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&f.config, "config", "", "配置文件路径（.json/.yaml/.yml）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	fs.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	fs.IntVar(&f.batchSize, "batch-size", 0, "每批条目数（覆盖配置）")
	fs.IntVar(&f.concurrency, "concurrency", 0, "在途模型调用上限（覆盖配置）")
	fs.StringVar(&f.addr, "addr", "", "serve 监听地址（覆盖配置）")
	fs.StringVar(&f.initDir, "init-config", "", "在指定目录生成 config.json 与 .env 模板（不覆盖已有文件）；不带值时为当前目录")
	fs.BoolVar(&f.status, "status", true, "终端状态提示（stderr）")
	if err := fs.Parse(normalizeInitArg(args)); err != nil {
		return f, nil, err
	}
	return f, fs.Args(), nil
}

func run(args []string) int {
	start := time.Now()
	corrID := diag.NewCorrID()
	logger := diag.NewLoggerTo(corrID, "info", os.Stderr, nil)

	serveMode := len(args) > 0 && args[0] == "serve"
	if serveMode {
		args = args[1:]
	}
	fl, roots, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	if dir := strings.TrimSpace(fl.initDir); dir != "" {
		if err := initConfig(dir); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			return exitConfig
		}
		return exitOK
	}

	// 在任何 ENV 读取前加载 .env（不覆盖已有 ENV）。
	if err := cfgpkg.LoadDotEnv(".env"); err != nil {
		fprintf(os.Stderr, ".env 加载失败: %v\n", err)
		return exitConfig
	}
	cfg, err := loadConfig(fl, roots, os.Environ())
	if err != nil {
		fprintf(os.Stderr, "配置解析失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "load failed", &start)
		return exitConfig
	}
	verr := cfgpkg.Validate(cfg)
	if verr == nil && !serveMode {
		verr = cfgpkg.ValidateInputs(cfg)
	}
	if verr != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", verr)
		_ = dumpConfig(os.Stderr, cfg)
		logger.Error("config", string(diag.Classify(verr)), "validate failed", &start)
		return exitConfig
	}

	// 使用最终日志级别重建 logger（含文件输出）。
	logger = diag.NewLogger(corrID, cfg.Logging.Level)
	defer logger.Close()
	logEffective(logger, cfg)

	if !serveMode {
		if err := preflightCheckOutputDir(cfg); err != nil {
			fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
			logger.Error("writer", string(diag.Classify(err)), "preflight failed", &start)
			return exitConfig
		}
	}
	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "assemble failed", &start)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveMode {
		return runServe(ctx, cfg, comp, set, logger)
	}
	return runFiles(ctx, fl, cfg, comp, set, logger, start)
}

// loadConfig 按 defaults < 配置文件 < ENV < CLI 的优先级合成配置。
func loadConfig(fl cliFlags, roots []string, environ []string) (cfgpkg.Config, error) {
	path := fl.config
	var raw []byte
	for _, kv := range environ {
		switch {
		case strings.HasPrefix(kv, cfgpkg.EnvConfigJSON+"="):
			raw = []byte(strings.TrimPrefix(kv, cfgpkg.EnvConfigJSON+"="))
		case path == "" && strings.HasPrefix(kv, cfgpkg.EnvConfigFile+"="):
			path = strings.TrimPrefix(kv, cfgpkg.EnvConfigFile+"=")
		}
	}
	if path == "" && len(raw) == 0 {
		for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" || len(raw) > 0 {
		base, err := cfgpkg.Load(path, raw)
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	overEnv, err := cfgpkg.EnvOverlay(environ)
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	overCLI := cfgpkg.Config{
		Inputs:      roots,
		LLM:         fl.llm,
		BatchSize:   fl.batchSize,
		Concurrency: fl.concurrency,
		Server:      cfgpkg.Server{Addr: fl.addr},
	}
	return cfgpkg.Merge(cfg, overCLI), nil
}

func runFiles(ctx context.Context, fl cliFlags, cfg cfgpkg.Config, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger, start time.Time) int {
	term := diag.NewTerminal(os.Stderr, fl.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Concurrency, cfg.LLM)

	t := logger.Start("pipeline", "run")
	if err := pipelineProcess(ctx, comp, set, logger); err != nil {
		code := diag.Classify(err)
		logger.Error("pipeline", string(code), "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("pipeline", string(code))
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		var qe *pipeline.QuotaError
		if errors.As(err, &qe) && qe.Diagnostic != "" {
			fprintf(os.Stderr, "上游诊断: %s\n", qe.Diagnostic)
		}
		term.RunFinish(false, time.Since(start))
		return exitCode(err)
	}
	t.Finish("run", 0)
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, time.Since(start))
	return exitOK
}

// promptWatcher: 支持热重载的 PromptBuilder。
type promptWatcher interface {
	Watch(ctx context.Context, notify func(error)) error
}

func runServe(ctx context.Context, cfg cfgpkg.Config, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) int {
	srv, err := httpapi.New(comp, set, logger, httpapi.Options{
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		return exitConfig
	}
	if w, ok := comp.PromptBuilder.(promptWatcher); ok {
		go func() {
			err := w.Watch(ctx, func(err error) {
				if err != nil {
					logger.Warn("prompt", string(diag.Classify(err)), "template reload failed", "", "", map[string]string{"error": err.Error()})
					return
				}
				logger.DebugStart("prompt", "template reloaded", "", "", nil)
			})
			if err != nil {
				logger.Warn("prompt", string(diag.Classify(err)), "template watch stopped", "", "", map[string]string{"error": err.Error()})
			}
		}()
	}
	ln, err := listen("tcp", cfg.Server.Addr)
	if err != nil {
		fprintf(os.Stderr, "监听失败: %v\n", err)
		logger.Error("httpapi", string(diag.Classify(err)), "listen failed", nil)
		return exitFail
	}
	logger.DebugStart("httpapi", "listening", "", "", map[string]string{"addr": ln.Addr().String()})
	if err := serveOn(ctx, ln, srv); err != nil {
		fprintf(os.Stderr, "服务异常退出: %v\n", err)
		return exitFail
	}
	return exitOK
}

// serveOn 在 ln 上提供服务，ctx 结束后先置未就绪再优雅关停。
func serveOn(ctx context.Context, ln net.Listener, s *httpapi.Server) error {
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.SetReady(false)
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// exitCode: 配额 2，配置 3，其余运行失败 1。
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, contract.ErrQuotaExceeded):
		return exitQuota
	case errors.Is(err, contract.ErrConfiguration):
		return exitConfig
	default:
		return exitFail
	}
}

// logEffective 以 debug 级别输出生效配置（不含密钥）。
func logEffective(logger *diag.Logger, cfg cfgpkg.Config) {
	kv := map[string]string{
		"inputs_count":   strconv.Itoa(len(cfg.Inputs)),
		"batch_size":     strconv.Itoa(cfg.BatchSize),
		"concurrency":    strconv.Itoa(cfg.Concurrency),
		"call_timeout_s": strconv.Itoa(cfg.CallTimeoutSeconds),
		"llm":            cfg.LLM,
		"splitter":       cfg.Components.Splitter,
		"prompt_builder": cfg.Components.PromptBuilder,
		"detector":       cfg.Components.Detector,
		"writer":         cfg.Components.Writer,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	logger.DebugStart("config", "effective", "", "", kv)
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fprintf(w, "有效配置:\n%s\n", b)
	return nil
}

// initConfig 在 dir 下生成 config.json 与 .env 模板；已存在的文件保持不变。
func initConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfgpkg.DefaultTemplateConfig(), "", "  ")
	if err != nil {
		return err
	}
	if err := writeNew(filepath.Join(dir, "config.json"), append(b, '\n')); err != nil {
		return err
	}
	if err := writeNew(filepath.Join(dir, ".env"), []byte(cfgpkg.DotEnvTemplate())); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

// writeNew 仅在文件不存在时写入。
func writeNew(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// normalizeInitArg: 允许 --init-config 不带值（等价于 "."）。
//
//	--init-config          => --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg(args []string) []string {
	out := make([]string, 0, len(args)+1)
	for i, a := range args {
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	return out
}

// preflightCheckOutputDir: fs writer 启动前检查输出目录可写性。
// 目录存在时尝试创建并删除临时文件；不存在时检查父目录。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	name := cfg.Components.Writer
	if strings.TrimSpace(name) == "" {
		name = cfgpkg.Defaults().Components.Writer
	}
	if name != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(dir)
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmp, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmp)
}

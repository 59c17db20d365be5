package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"aspectify/internal/diag"
	"aspectify/internal/normalize"
	"aspectify/internal/prompt"
	"aspectify/internal/rate"
	"aspectify/pkg/contract"
)

// - 单点并发：仅编排层管理并发；原子组件均为同步实现。
// - 有界在途：计数信号量在每次模型调用前获取，调用结束后无论成败都释放。
// - 顺序门闩：批结果经单一收集者按 Batch.Index 连续冲刷，与完成顺序无关。
// - 配额快速失败：停止派发新批并立即返回；在途调用不取消，由后台排空。

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader        contract.Reader
	Splitter      contract.Splitter
	Batcher       contract.Batcher
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Assembler     contract.Assembler
	Writer        contract.Writer
	// Detector 可选；nil 表示不做语言检测。
	Detector contract.LanguageDetector
}

// Settings 运行期配置。
type Settings struct {
	// Inputs 仅用于 Process（文件驱动）。
	Inputs []string
	// BatchSize / Concurrency 必须 >=1，否则整体以 ErrConfiguration 失败。
	BatchSize   int
	Concurrency int
	// MaxCommentLength: 评论清洗长度上限（<=0 采用默认 500）。
	MaxCommentLength int
	// CallTimeout: 单次模型调用超时；0 表示不设。超时视为一般模型失败（丢弃该批）。
	CallTimeout time.Duration
	// 限流闸门（可选）：非空时在调用模型前 Wait。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// token 估算参数（仅用于闸门申请）。
	BytesPerToken       int
	OutputTokensPerItem int
	// IsQuota 判定配额类失败；nil 采用 contract.DefaultQuotaClassifier。
	IsQuota contract.QuotaClassifier
	// Source: 日志与终端展示用的输入标识。
	Source contract.SourceID
}

// QuotaError 表示因上游配额/限流而终止的运行。
// Error() 仅含分类与批号；Diagnostic 为截断后的上游诊断串（可能为空）。
type QuotaError struct {
	Batch      int64
	Diagnostic string
	cause      error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s (batch %d)", contract.ErrQuotaExceeded, e.Batch)
}

func (e *QuotaError) Unwrap() []error { return []error{contract.ErrQuotaExceeded, e.cause} }

const maxDiagnostic = 200

func diagnostic(err error) string {
	var ue contract.UpstreamError
	msg := ""
	if errors.As(err, &ue) {
		msg = strings.TrimSpace(ue.UpstreamMessage())
	}
	if msg == "" && err != nil {
		msg = err.Error()
	}
	if rs := []rune(msg); len(rs) > maxDiagnostic {
		msg = string(rs[:maxDiagnostic])
	}
	return msg
}

// CheckSettings 校验批大小、并发度与必需组件；失败返回包裹 ErrConfiguration 的错误。
func CheckSettings(comp Components, set Settings) error {
	if set.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be >= 1, got %d", contract.ErrConfiguration, set.BatchSize)
	}
	if set.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1, got %d", contract.ErrConfiguration, set.Concurrency)
	}
	if comp.Batcher == nil || comp.PromptBuilder == nil || comp.LLM == nil || comp.Decoder == nil {
		return fmt.Errorf("%w: pipeline: missing components", contract.ErrConfiguration)
	}
	return nil
}

// Run 规范化原始行后执行 RunItems。
// 缺少评论的行被丢弃并以 warn 记录，不影响运行。
func Run(ctx context.Context, comp Components, set Settings, rows []contract.Row, logger *diag.Logger) (contract.AnalysisResponse, error) {
	if err := CheckSettings(comp, set); err != nil {
		return contract.AnalysisResponse{}, err
	}
	nres := normalize.Normalize(rows, normalize.Options{MaxLength: set.MaxCommentLength, Detector: comp.Detector})
	if nres.Dropped > 0 {
		logger.Warn("normalizer", string(diag.CodeInput), "rows without comment dropped", string(set.Source), "",
			map[string]string{"dropped": strconv.Itoa(nres.Dropped), "rows": strconv.Itoa(len(rows))})
		diag.AddOp("normalizer", "row", "dropped", int64(nres.Dropped))
	}
	return RunItems(ctx, comp, set, nres.Items, logger)
}

// outcome 为单批的处理结果。
type outcome struct {
	index   int64
	results []contract.ItemResult
	err     error
	kind    failKind
}

type failKind int

const (
	okBatch failKind = iota
	dropBatch
	quotaBatch
	fatalBatch
)

// RunItems 对已规范化的条目执行切批、并发派发、解码与有序汇总。
// 约束：
//  1. 配置非法（批大小/并发度 <1 或缺组件）时不派发任何批，返回 ErrConfiguration；
//  2. 同时在途的模型调用不超过 Concurrency；
//  3. results 按原始条目顺序排列，与批完成顺序无关；
//  4. 一般模型失败仅丢弃该批；配额失败返回 *QuotaError（errors.Is ErrQuotaExceeded），不返回部分结果；
//     提示词构建/闸门失败与调用方取消终止整个运行；
//  5. 每批仅尝试一次，不重试。
func RunItems(ctx context.Context, comp Components, set Settings, items []contract.Item, logger *diag.Logger) (contract.AnalysisResponse, error) {
	start := time.Now()
	if err := CheckSettings(comp, set); err != nil {
		return contract.AnalysisResponse{}, err
	}
	source := string(set.Source)
	if source == "" {
		source = "request"
	}
	batches, err := comp.Batcher.Pack(ctx, items, set.BatchSize)
	if err != nil {
		logger.ErrorWith("batcher", string(diag.Classify(err)), "pack failed", nil, source, "")
		return contract.AnalysisResponse{}, fmt.Errorf("batcher pack: %w", err)
	}
	runTimer := logger.StartWithKV("orchestrator", "run", source, "", map[string]string{
		"items":       strconv.Itoa(len(items)),
		"batches":     strconv.Itoa(len(batches)),
		"concurrency": strconv.Itoa(set.Concurrency),
	})
	term := diag.GetTerminal()
	term.SourceStart(source, len(batches))
	finishTerm := func(ok bool, results int) { term.SourceFinish(ok, results, time.Since(start)) }

	resp := contract.AnalysisResponse{ItemsSubmitted: len(items), Results: []contract.ItemResult{}}
	if len(batches) == 0 {
		resp.DurationSeconds = time.Since(start).Seconds()
		finishTerm(true, 0)
		runTimer.Finish("run", 0)
		return resp, nil
	}

	o := &orchestrator{comp: comp, set: set, logger: logger, source: source, isQuota: set.IsQuota}
	if o.isQuota == nil {
		o.isQuota = contract.DefaultQuotaClassifier
	}

	// dispatchCtx 只控制“是否继续派发”；callCtx 控制在途调用，配额失败时不取消。
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	// 调用方取消仅在收集期间转发给 callCtx；配额返回后在途调用照常排空。
	callCtx, cancelCalls := context.WithCancel(context.WithoutCancel(ctx))
	stopForward := context.AfterFunc(ctx, cancelCalls)
	defer stopForward()

	sem := semaphore.NewWeighted(int64(set.Concurrency))
	outCh := make(chan outcome, len(batches))
	var sent atomic.Int64
	var wg sync.WaitGroup

	go func() {
		defer func() {
			// 排空：等待在途调用结束后再关闭通道；快速失败返回后仍在后台完成记账。
			wg.Wait()
			cancelCalls()
			close(outCh)
		}()
		for _, b := range batches {
			if err := sem.Acquire(dispatchCtx, 1); err != nil {
				return
			}
			if dispatchCtx.Err() != nil {
				sem.Release(1)
				return
			}
			sent.Add(1)
			wg.Add(1)
			go func(b contract.Batch) {
				defer wg.Done()
				// 名额在停止派发之后才释放。
				defer sem.Release(1)
				res := o.runBatch(callCtx, b)
				switch res.kind {
				case quotaBatch:
					stopDispatch()
				case fatalBatch:
					stopDispatch()
					cancelCalls()
				}
				outCh <- res
			}(b)
		}
	}()

	// 单一收集者 + 顺序门闩
	expect := int64(0)
	buf := make(map[int64]outcome)
	dropped := 0
	for res := range outCh {
		term.BatchDone(res.kind != okBatch)
		switch res.kind {
		case quotaBatch:
			stopDispatch()
			stopForward()
			qe := &QuotaError{Batch: res.index, Diagnostic: diagnostic(res.err), cause: res.err}
			finishTerm(false, 0)
			logger.ErrorWithKV("orchestrator", string(diag.CodeQuota), "quota exceeded, run aborted", nil, source, strconv.FormatInt(res.index, 10),
				map[string]string{"dispatched": strconv.FormatInt(sent.Load(), 10), "upstream_msg": qe.Diagnostic})
			diag.IncOp("orchestrator", "run", "quota")
			return contract.AnalysisResponse{}, qe
		case fatalBatch:
			finishTerm(false, 0)
			code := diag.Classify(res.err)
			logger.ErrorWith("orchestrator", string(code), "run aborted", nil, source, strconv.FormatInt(res.index, 10))
			diag.IncOp("orchestrator", "run", "error")
			diag.IncError("orchestrator", string(code))
			return contract.AnalysisResponse{}, res.err
		case dropBatch:
			dropped++
		}
		buf[res.index] = res
		for {
			r, ok := buf[expect]
			if !ok {
				break
			}
			resp.Results = append(resp.Results, r.results...)
			delete(buf, expect)
			expect++
		}
	}
	if err := ctx.Err(); err != nil {
		finishTerm(false, 0)
		logger.Error("orchestrator", string(diag.CodeCancel), "run canceled", nil)
		return contract.AnalysisResponse{}, err
	}

	resp.BatchesSent = int(sent.Load())
	resp.DurationSeconds = time.Since(start).Seconds()
	finishTerm(true, len(resp.Results))
	if dropped > 0 {
		logger.Warn("orchestrator", string(diag.CodeUnknown), "batches dropped", source, "",
			map[string]string{"dropped": strconv.Itoa(dropped), "batches": strconv.Itoa(len(batches))})
	}
	diag.IncOp("orchestrator", "run", "success")
	runTimer.Finish("run", int64(len(resp.Results)))
	return resp, nil
}

type orchestrator struct {
	comp    Components
	set     Settings
	logger  *diag.Logger
	source  string
	isQuota contract.QuotaClassifier
}

// runBatch 处理单批：构建提示词 → 闸门 → 模型调用 → 解码 → 过滤排序。
func (o *orchestrator) runBatch(ctx context.Context, b contract.Batch) outcome {
	bid := strconv.FormatInt(b.Index, 10)
	out := outcome{index: b.Index}
	fatal := func(comp, msg string, err error) outcome {
		code := diag.Classify(err)
		o.logger.ErrorWith(comp, string(code), msg, nil, o.source, bid)
		diag.IncOp(comp, "error", "error")
		out.kind, out.err = fatalBatch, fmt.Errorf("%s: %w", comp, err)
		return out
	}

	p, err := o.comp.PromptBuilder.Build(ctx, b)
	if err != nil {
		return fatal("prompt_builder", "build failed", err)
	}

	tokens := prompt.RequestTokens(p, o.set.BytesPerToken, len(b.Items), o.set.OutputTokensPerItem)
	if o.set.Gate != nil {
		o.logger.DebugStart("gate", "ask", o.source, bid, map[string]string{"tokens": strconv.Itoa(tokens)})
		if err := o.set.Gate.Wait(ctx, rate.Ask{Key: o.set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
			return fatal("gate", "wait failed", err)
		}
	}

	t0 := time.Now()
	timer := o.logger.StartWithKV("llm_client", "invoke", o.source, bid, map[string]string{
		"items":  strconv.Itoa(len(b.Items)),
		"tokens": strconv.Itoa(tokens),
	})
	raw, err := o.invoke(ctx, b, p)
	if err != nil {
		if ctx.Err() != nil {
			return fatal("llm_client", "invoke canceled", ctx.Err())
		}
		kv := map[string]string{}
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		}
		if m := diagnostic(err); m != "" {
			kv["upstream_msg"] = m
		}
		if o.isQuota(err) {
			o.logger.ErrorWithKV("llm_client", string(diag.CodeQuota), "invoke quota exceeded", &t0, o.source, bid, kv)
			diag.IncOp("llm_client", "invoke", "quota")
			diag.IncError("llm_client", string(diag.CodeQuota))
			out.kind, out.err = quotaBatch, err
			return out
		}
		code := diag.Classify(err)
		o.logger.ErrorWithKV("llm_client", string(code), "invoke failed, batch dropped", &t0, o.source, bid, kv)
		diag.IncOp("llm_client", "invoke", "dropped")
		diag.IncError("llm_client", string(code))
		out.kind, out.err = dropBatch, fmt.Errorf("%w: batch %d: %v", contract.ErrModelCall, b.Index, err)
		return out
	}
	timer.Finish("invoke", int64(len(raw.Text)))
	diag.IncOp("llm_client", "invoke", "success")

	decoded, err := o.comp.Decoder.Decode(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			return fatal("decoder", "decode canceled", ctx.Err())
		}
		o.logger.ErrorWith("decoder", string(diag.Classify(err)), "decode failed, batch dropped", nil, o.source, bid)
		diag.IncOp("decoder", "decode", "dropped")
		out.kind, out.err = dropBatch, fmt.Errorf("%w: batch %d: %v", contract.ErrModelCall, b.Index, err)
		return out
	}
	results, unknown := alignToBatch(b, decoded)
	if len(unknown) > 0 {
		o.logger.Warn("decoder", string(diag.CodeProtocol), "ids outside batch ignored", o.source, bid,
			map[string]string{"ids": strings.Join(unknown, ",")})
	}
	diag.IncOp("decoder", "decode", "success")
	out.results = results
	return out
}

func (o *orchestrator) invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	if o.set.CallTimeout <= 0 {
		return o.comp.LLM.Invoke(ctx, b, p)
	}
	cctx, cancel := context.WithTimeout(ctx, o.set.CallTimeout)
	defer cancel()
	return o.comp.LLM.Invoke(cctx, b, p)
}

// alignToBatch 仅保留属于该批的 id，按批内条目顺序排列；同一 id 的多条结果合并。
// 返回批外 id（按出现顺序）供诊断。
func alignToBatch(b contract.Batch, decoded []contract.ItemResult) ([]contract.ItemResult, []string) {
	pos := make(map[string]int, len(b.Items))
	for i, it := range b.Items {
		pos[it.ID] = i
	}
	byPos := make(map[int]int, len(decoded))
	var out []contract.ItemResult
	var unknown []string
	for _, r := range decoded {
		p, ok := pos[r.ID]
		if !ok {
			unknown = append(unknown, r.ID)
			continue
		}
		if len(r.Aspects) == 0 {
			continue
		}
		if j, seen := byPos[p]; seen {
			out[j].Aspects = append(out[j].Aspects, r.Aspects...)
			continue
		}
		byPos[p] = len(out)
		out = append(out, contract.ItemResult{ID: r.ID, Aspects: append([]contract.Aspect(nil), r.Aspects...)})
	}
	sort.SliceStable(out, func(i, j int) bool { return pos[out[i].ID] < pos[out[j].ID] })
	return out, unknown
}

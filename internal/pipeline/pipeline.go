package pipeline

import (
	"context"
	"fmt"
	"io"

	"aspectify/internal/diag"
	"aspectify/pkg/contract"
)

// Process 执行文件驱动的完整流水线：Reader → Splitter → Run → Assembler → Writer。
// 约束：
//   - 每个输入源独立运行一次 Run，并产出一个工件（ArtifactID = SourceID）；
//   - 任一输入源失败（含配额失败）立即终止，不再处理后续输入源；
//   - 无任何可用行的输入源仍写出一个空结果。
func Process(ctx context.Context, comp Components, set Settings, logger *diag.Logger) error {
	if err := sanity(comp, set); err != nil {
		return fmt.Errorf("sanity: %w", err)
	}
	rtimer := logger.Start("reader", "iterate")
	sources := 0
	err := comp.Reader.Iterate(ctx, set.Inputs, func(sid contract.SourceID, rc io.ReadCloser) error {
		defer rc.Close()
		sources++
		stimer := logger.StartWith("splitter", "split", string(sid), "")
		rows, err := comp.Splitter.Split(ctx, sid, rc)
		if err != nil {
			stageError(logger, "splitter", "split failed", string(sid), err)
			return fmt.Errorf("splitter split %s: %w", sid, err)
		}
		stimer.Finish("split", int64(len(rows)))
		diag.IncOp("splitter", "finish", "success")

		s := set
		s.Source = sid
		resp, err := Run(ctx, comp, s, rows, logger)
		if err != nil {
			return err
		}

		atimer := logger.StartWith("assembler", "assemble", string(sid), "")
		r, err := comp.Assembler.Assemble(ctx, sid, resp)
		if err != nil {
			stageError(logger, "assembler", "assemble failed", string(sid), err)
			return fmt.Errorf("assembler assemble: %w", err)
		}
		atimer.Finish("assemble", int64(len(resp.Results)))
		diag.IncOp("assembler", "finish", "success")

		wtimer := logger.StartWith("writer", "write", string(sid), "")
		if err := comp.Writer.Write(ctx, contract.ArtifactID(sid), r); err != nil {
			stageError(logger, "writer", "write failed", string(sid), err)
			return fmt.Errorf("writer write: %w", err)
		}
		wtimer.Finish("write", 1)
		diag.IncOp("writer", "finish", "success")
		return nil
	})
	if err != nil {
		return fmt.Errorf("reader iterate: %w", err)
	}
	rtimer.Finish("iterate", int64(sources))
	diag.IncOp("reader", "finish", "success")
	return nil
}

func stageError(logger *diag.Logger, comp, msg, source string, err error) {
	code := diag.Classify(err)
	logger.ErrorWith(comp, string(code), msg, nil, source, "")
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func sanity(c Components, s Settings) error {
	if c.Reader == nil || c.Splitter == nil || c.Assembler == nil || c.Writer == nil {
		return fmt.Errorf("%w: pipeline: missing components", contract.ErrConfiguration)
	}
	if len(s.Inputs) == 0 {
		return fmt.Errorf("%w: pipeline: empty inputs", contract.ErrConfiguration)
	}
	return CheckSettings(c, s)
}

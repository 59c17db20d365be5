package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"aspectify/pkg/contract"
)

// Code 是最小错误分类代码。
// 用于日志/指标汇总与 HTTP 错误体，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeQuota     Code = "quota"
	CodeConfig    Code = "config"
	CodeInput     Code = "input"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配（配额关键字判定由 QuotaClassifier 负责）。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrQuotaExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeQuota
	}
	if errors.Is(err, contract.ErrConfiguration) {
		return CodeConfig
	}
	if errors.Is(err, contract.ErrInputInvalid) {
		return CodeInput
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时等）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

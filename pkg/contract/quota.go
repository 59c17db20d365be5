package contract

import (
	"errors"
	"strings"
)

// QuotaClassifier: 判定一次模型调用失败是否属于配额/限流类。
// 编排层据此区分“整体快速失败”与“丢弃单批”；实现需为纯函数、并发安全。
type QuotaClassifier func(err error) bool

// DefaultQuotaClassifier 仅依赖哨兵错误与 UpstreamError 状态码：
//   - ErrRateLimited / ErrQuotaExceeded；
//   - UpstreamError 状态 429（Too Many Requests）或 403（部分供应商以 403 表示额度耗尽）。
func DefaultQuotaClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	var ue UpstreamError
	if errors.As(err, &ue) {
		switch ue.UpstreamStatus() {
		case 429, 403:
			return true
		}
	}
	return false
}

// KeywordQuotaClassifier 在 base 之上追加“错误消息子串”判定（大小写不敏感）。
// base 为 nil 时使用 DefaultQuotaClassifier；keywords 为空时等价于 base。
func KeywordQuotaClassifier(base QuotaClassifier, keywords ...string) QuotaClassifier {
	if base == nil {
		base = DefaultQuotaClassifier
	}
	kws := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kws = append(kws, k)
		}
	}
	if len(kws) == 0 {
		return base
	}
	return func(err error) bool {
		if err == nil {
			return false
		}
		if base(err) {
			return true
		}
		msg := strings.ToLower(err.Error())
		var ue UpstreamError
		if errors.As(err, &ue) {
			msg += " " + strings.ToLower(ue.UpstreamMessage())
		}
		for _, k := range kws {
			if strings.Contains(msg, k) {
				return true
			}
		}
		return false
	}
}

// DefaultQuotaKeywords: 常见上游配额错误消息片段（供配置默认值使用）。
var DefaultQuotaKeywords = []string{"quota", "rate limit", "rate_limit", "429", "403", "quotaexceeded"}

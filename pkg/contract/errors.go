package contract

import "errors"

// 最小错误分类（上层策略据此判定丢弃/终止）。
var (
	// ErrInputInvalid: 输入行缺少可用的 comment 字段等；策略为丢弃该行。
	ErrInputInvalid = errors.New("input invalid")
	// ErrConfiguration: 批大小/并发度/模板等配置非法；策略为整体立即失败。
	ErrConfiguration = errors.New("configuration error")
	// ErrModelCall: 单批模型调用的一般性失败；策略为丢弃该批，继续其它批。
	ErrModelCall = errors.New("model call failed")
	// ErrQuotaExceeded: 上游配额/限流；策略为整次运行快速失败。
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrRateLimited: 客户端识别到的上游限流信号（HTTP 429 等）。
	ErrRateLimited = errors.New("rate limited")
	// ErrResponseInvalid: 上游返回结构不可用（如无候选文本）。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
)

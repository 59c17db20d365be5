package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs      []string `json:"inputs"`
	BatchSize   int      `json:"batch_size"`
	Concurrency int      `json:"concurrency"`
	// MaxCommentLength: 评论清洗后的长度上限（rune）。
	MaxCommentLength int `json:"max_comment_length"`
	// CallTimeoutSeconds: 单次模型调用超时；<=0 在合并时视为未设置。
	CallTimeoutSeconds int     `json:"call_timeout_seconds"`
	Logging            Logging `json:"logging"`
	Server             Server  `json:"server"`
	Quota              Quota   `json:"quota"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Server: serve 子命令的 HTTP 参数。
type Server struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"cors_origins"`
	// MaxUploadBytes: 单次请求体上限。
	MaxUploadBytes int64 `json:"max_upload_bytes"`
}

// Quota: 配额判定的附加消息关键词。
// nil 表示使用内置关键词；显式空数组表示仅按状态码与哨兵判定。
type Quota struct {
	Keywords []string `json:"keywords"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Splitter      string `json:"splitter"`
	Batcher       string `json:"batcher"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Assembler     string `json:"assembler"`
	Writer        string `json:"writer"`
	// Detector: "none" 关闭语言检测。
	Detector string `json:"detector"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Splitter      json.RawMessage `json:"splitter"`
	Batcher       json.RawMessage `json:"batcher"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
	Assembler     json.RawMessage `json:"assembler"`
	Writer        json.RawMessage `json:"writer"`
	Detector      json.RawMessage `json:"detector"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

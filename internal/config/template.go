package config

import "encoding/json"

// DefaultTemplateConfig 返回一个可直接运行的配置模板：
// mock LLM 与保守限额，输入为 STDIN（"-"），结果写入 ./out；
// 每个组件的 Options 列出全部键，值为中性默认。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:             []string{"-"},
		BatchSize:          d.BatchSize,
		Concurrency:        d.Concurrency,
		CallTimeoutSeconds: d.CallTimeoutSeconds,
		Logging:            d.Logging,
		Server:             Server{Addr: d.Server.Addr, CORSOrigins: []string{"*"}, MaxUploadBytes: d.Server.MaxUploadBytes},
		Components:         d.Components,
		LLM:                "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"api_key":"","sentiment":"","max_aspects":1,"latency_ms":0}`),
				Limits:  Limits{RPM: 60, TPM: 20000, MaxTokensPerReq: 8192},
			},
			"vader": {
				Client:  "vader",
				Options: json.RawMessage(`{"term":"overall","threshold":0.2}`),
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gpt-4.1-mini",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": 0.3,
  "max_tokens": 0,
  "extra_headers": {}
}`),
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "model": "gemini-2.5-flash",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint": "",
  "temperature": 0.3,
  "max_tokens": 0
}`),
				Limits: Limits{RPM: 10, TPM: 250000},
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor", "out"],
  "allow_exts": [".csv", ".txt"]
}`)
	cfg.Options.Splitter = json.RawMessage(`{
  "comma": ",",
  "max_rows": 0
}`)
	cfg.Options.Batcher = json.RawMessage(`{}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_template": "",
  "inline_system": "",
  "template_path": ""
}`)
	cfg.Options.Decoder = json.RawMessage(`{}`)
	cfg.Options.Assembler = json.RawMessage(`{
  "indent": "  ",
  "with_source": true
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "suffix": ".json",
  "atomic": true,
  "flat": true,
  "buf_size": 65536
}`)
	cfg.Options.Detector = json.RawMessage(`{
  "min_confidence": 0,
  "min_runes": 3
}`)
	return cfg
}

// DotEnvTemplate 返回 --init-config 生成的 .env 模板内容。
func DotEnvTemplate() string {
	return `# aspectify 环境变量（已存在的进程环境优先）
# 模型凭据
OPENAI_API_KEY=
GOOGLE_API_KEY=

# 覆盖配置文件的键（ASPECTIFY_ 前缀）
# ASPECTIFY_LLM=gemini
# ASPECTIFY_BATCH_SIZE=10
# ASPECTIFY_CONCURRENCY=3
# ASPECTIFY_CALL_TIMEOUT_SECONDS=30
# ASPECTIFY_LOG_LEVEL=info
# ASPECTIFY_SERVER_ADDR=:8000
# ASPECTIFY_SERVER_CORS_ORIGINS=http://localhost:3000
# ASPECTIFY_QUOTA_KEYWORDS=quota,rate limit,429
# ASPECTIFY_PROVIDER__gemini__LIMITS_RPM=10
`
}

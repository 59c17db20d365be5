// Package registry 提供组件名 → 工厂的显式注册表（零反射）。
// 每个工厂接收原样 JSON Options，未知字段一律拒绝并包裹 ErrConfiguration。
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"aspectify/pkg/contract"
	ajson "aspectify/plugins/assembler/json"
	bfixed "aspectify/plugins/batcher/fixed"
	dtoon "aspectify/plugins/decoder/toon"
	wlang "aspectify/plugins/detector/whatlang"
	flaky "aspectify/plugins/llmclient/flaky"
	gmi "aspectify/plugins/llmclient/gemini"
	mock "aspectify/plugins/llmclient/mock"
	oai "aspectify/plugins/llmclient/openai"
	vader "aspectify/plugins/llmclient/vader"
	pabsa "aspectify/plugins/prompt/absa"
	rfs "aspectify/plugins/reader/filesystem"
	scsv "aspectify/plugins/splitter/csv"
	stext "aspectify/plugins/splitter/text"
	wfs "aspectify/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: options: %v", contract.ErrConfiguration, err)
	}
	return nil
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewSplitter 工厂签名。
type NewSplitter func(raw json.RawMessage) (contract.Splitter, error)

// NewBatcher 工厂签名。
type NewBatcher func(raw json.RawMessage) (contract.Batcher, error)

// NewPromptBuilder 工厂签名。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewDecoder 工厂签名。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewAssembler 工厂签名。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// NewDetector 工厂签名。
type NewDetector func(raw json.RawMessage) (contract.LanguageDetector, error)

// Reader 工厂注册表。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	// csv: 评论列嗅探
	"csv": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts scsv.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return scsv.New(&opts)
	},
	// text: 整个输入作为一条评论
	"text": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts stext.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return stext.New(&opts), nil
	},
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	// fixed: 定长切分（批大小由 Settings.BatchSize 决定，无选项）
	"fixed": func(raw json.RawMessage) (contract.Batcher, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return bfixed.New(), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// absa: text/template 渲染，支持 YAML 模板文件
	"absa": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pabsa.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pabsa.New(&opts)
	},
}

// LLMClient 工厂注册表（各客户端自行严格解析 Options）。
var LLMClient = map[string]NewLLMClient{
	"openai": oai.New,
	"gemini": gmi.New,
	"mock":   mock.New,
	"flaky":  flaky.New,
	"vader":  vader.New,
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// toon: L:<id>|term~sentiment;;... 行格式
	"toon": dtoon.New,
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	"json": ajson.New,
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（<source><suffix>，默认原子替换）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Detector 工厂注册表。
var Detector = map[string]NewDetector{
	"whatlang": wlang.New,
}

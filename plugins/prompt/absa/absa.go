// Package absa 提供方面级情感分析（ABSA）的 PromptBuilder：
// 以 text/template 渲染批内条目，产出 ChatPrompt{system, user}。
package absa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"aspectify/pkg/contract"
)

// Options 为 ABSA PromptBuilder 的最小配置。
// - InlineTemplate / TemplatePath: user 模板来源（二选一；inline 优先；均为空时使用内置默认模板）；
// - InlineSystem: system 提示（为空时取 YAML 文件中的 system，再退化为内置默认）。
type Options struct {
	InlineTemplate string `json:"inline_template"`
	InlineSystem   string `json:"inline_system"`
	// TemplatePath 指向 YAML 文件，需含 template 键，可选 system 键。
	TemplatePath string `json:"template_path"`
}

// document: YAML 模板文件形状。
type document struct {
	Template string `yaml:"template"`
	System   string `yaml:"system"`
}

// View: 模板数据。
type View struct {
	Items []contract.Item
}

// Builder: 以 Batch 构造 ChatPrompt。模板在构造期或 Reload 时解析，Build 不做 I/O。
type Builder struct {
	opts Options

	mu   sync.RWMutex
	user *template.Template
	sys  string
}

// New 创建 ABSA PromptBuilder。
func New(opts *Options) (*Builder, error) {
	b := &Builder{}
	if opts != nil {
		b.opts = *opts
	}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload 重新加载模板（构造期 I/O）。失败时保留旧模板并返回包裹 ErrConfiguration 的错误。
func (b *Builder) Reload() error {
	src, sys, err := b.load()
	if err != nil {
		return err
	}
	tpl, err := template.New("absa").Option("missingkey=error").Parse(src)
	if err != nil {
		return fmt.Errorf("%w: prompt template parse: %v", contract.ErrConfiguration, err)
	}
	b.mu.Lock()
	b.user, b.sys = tpl, sys
	b.mu.Unlock()
	return nil
}

func (b *Builder) load() (src, sys string, err error) {
	src, sys = defaultTemplate, defaultSystem
	switch {
	case b.opts.InlineTemplate != "":
		src = b.opts.InlineTemplate
	case b.opts.TemplatePath != "":
		raw, rerr := os.ReadFile(b.opts.TemplatePath)
		if rerr != nil {
			return "", "", fmt.Errorf("%w: prompt template read: %v", contract.ErrConfiguration, rerr)
		}
		var doc document
		if uerr := yaml.Unmarshal(raw, &doc); uerr != nil {
			return "", "", fmt.Errorf("%w: prompt template yaml: %v", contract.ErrConfiguration, uerr)
		}
		if strings.TrimSpace(doc.Template) == "" {
			return "", "", fmt.Errorf("%w: prompt template missing in %s", contract.ErrConfiguration, b.opts.TemplatePath)
		}
		src = doc.Template
		if doc.System != "" {
			sys = doc.System
		}
	}
	if b.opts.InlineSystem != "" {
		sys = b.opts.InlineSystem
	}
	return src, sys, nil
}

// Build 基于 Batch 渲染 ChatPrompt（system + user）。
// 约束：
//  1. 空批返回 ErrInputInvalid；
//  2. 渲染失败返回 ErrConfiguration（模板引用了不存在的字段等）；
//  3. 条目内容原样注入，不做二次清洗。
func (b *Builder) Build(ctx context.Context, batch contract.Batch) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(batch.Items) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch", contract.ErrInputInvalid)
	}
	b.mu.RLock()
	tpl, sys := b.user, b.sys
	b.mu.RUnlock()

	var buf bytes.Buffer
	buf.Grow(256 + 64*len(batch.Items))
	if err := tpl.Execute(&buf, View{Items: batch.Items}); err != nil {
		return nil, fmt.Errorf("%w: prompt render: %v", contract.ErrConfiguration, err)
	}
	msgs := make(contract.ChatPrompt, 0, 2)
	if sys != "" {
		msgs = append(msgs, contract.Message{Role: "system", Content: sys})
	}
	msgs = append(msgs, contract.Message{Role: "user", Content: buf.String()})
	return msgs, nil
}

// Watch 监听 TemplatePath 的变更并自动 Reload，直到 ctx 结束。
// 未配置 TemplatePath（inline 或内置模板）时立即返回 nil。
// notify 可为 nil；每次重载（成功为 nil）或监听错误都会回调一次。
func (b *Builder) Watch(ctx context.Context, notify func(error)) error {
	if b.opts.InlineTemplate != "" || b.opts.TemplatePath == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt watch: %w", err)
	}
	defer w.Close()
	// 监听所在目录：编辑器常以 rename 方式保存文件。
	target := filepath.Clean(b.opts.TemplatePath)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("prompt watch: %w", err)
	}
	report := func(err error) {
		if notify != nil {
			notify(err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			report(b.Reload())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				report(fmt.Errorf("prompt watch: %w", err))
			}
		}
	}
}

var _ contract.PromptBuilder = (*Builder)(nil)

const defaultSystem = `You are an aspect-based sentiment analysis engine.
For every review you receive, extract the concrete aspects (product features, services, qualities) the author talks about and the sentiment expressed toward each one.
Sentiment must be exactly one of: positive, negative, neutral.`

const defaultTemplate = `Analyze the reviews below. Each review starts with its id in square brackets.

Reply ONLY with one line per review that has at least one aspect, in this exact format:
L:<id>|<aspect>~<sentiment>;;<aspect>~<sentiment>

Rules:
- Use the review id exactly as given.
- Keep aspect terms short (1-3 words), lowercase, in the review's language.
- Do not use the characters | ~ ; inside aspect terms.
- Skip reviews without aspects. No explanations, no markdown.

Reviews:
{{range .Items}}[{{.ID}}]{{with .Language}} ({{.Code}}){{end}} {{.Comment}}
{{end}}`

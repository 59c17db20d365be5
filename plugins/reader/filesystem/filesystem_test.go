package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aspectify/pkg/contract"
)

func collect(t *testing.T, r *FileSystem, roots []string) []string {
	t.Helper()
	var ids []string
	err := r.Iterate(context.Background(), roots, func(id contract.SourceID, rc io.ReadCloser) error {
		ids = append(ids, string(id))
		return rc.Close()
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return ids
}

// UT-RFS-01: 读取单文件，SourceID 为规范化路径。
func TestIterateSingleFile(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "reviews.csv")
	if err := os.WriteFile(fp, []byte("comment\nhello"), 0o644); err != nil {
		t.Fatal(err)
	}
	var got []byte
	err := New(nil).Iterate(context.Background(), []string{fp}, func(id contract.SourceID, rc io.ReadCloser) error {
		defer rc.Close()
		if id != contract.NormalizeSourceID(fp) {
			t.Fatalf("source id 不符 %s", id)
		}
		got, _ = io.ReadAll(rc)
		return nil
	})
	if err != nil || string(got) != "comment\nhello" {
		t.Fatalf("iterate: %v %q", err, got)
	}
}

// UT-RFS-02: 目录按字典序递归（先子目录），跳过排除目录与不允许的扩展名。
func TestWalkOrderAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"b.csv", "a.txt", "out.json", "sub/c.CSV", "skip/d.csv"} {
		fp := filepath.Join(dir, filepath.FromSlash(p))
		_ = os.MkdirAll(filepath.Dir(fp), 0o755)
		if err := os.WriteFile(fp, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ids := collect(t, New(&Options{ExcludeDirNames: []string{"SKIP"}}), []string{dir})
	var base []string
	for _, id := range ids {
		base = append(base, strings.TrimPrefix(id, string(contract.NormalizeSourceID(dir))+"/"))
	}
	if strings.Join(base, ",") != "sub/c.CSV,a.txt,b.csv" {
		t.Fatalf("遍历结果不符: %v", base)
	}
	all := collect(t, New(&Options{AllowExts: []string{}}), []string{dir})
	if len(all) != 5 {
		t.Fatalf("空 AllowExts 应不限制, got %v", all)
	}
	only := collect(t, New(&Options{AllowExts: []string{"json"}}), []string{dir})
	if len(only) != 1 || !strings.HasSuffix(only[0], "out.json") {
		t.Fatalf("AllowExts 过滤不符: %v", only)
	}
}

// UT-RFS-03: 显式列出的单文件不受扩展名过滤。
func TestExplicitFileIgnoresExt(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "notes.md")
	_ = os.WriteFile(fp, []byte("x"), 0o644)
	if ids := collect(t, New(nil), []string{fp}); len(ids) != 1 {
		t.Fatalf("显式文件应被读取: %v", ids)
	}
}

// UT-RFS-04: "-" 与其他根混用为配置错误；缺失路径返回错误。
func TestIterateErrors(t *testing.T) {
	r := New(nil)
	err := r.Iterate(context.Background(), []string{"-", "a"}, func(contract.SourceID, io.ReadCloser) error { return nil })
	if !errors.Is(err, contract.ErrConfiguration) {
		t.Fatalf("期望 ErrConfiguration, got %v", err)
	}
	err = r.Iterate(context.Background(), []string{filepath.Join(t.TempDir(), "none.csv")}, func(contract.SourceID, io.ReadCloser) error { return nil })
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("期望 ErrNotExist, got %v", err)
	}
}

// UT-RFS-05: yield 错误原样上抛。
func TestYieldError(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "a.csv")
	_ = os.WriteFile(fp, []byte("x"), 0o644)
	boom := errors.New("boom")
	err := New(nil).Iterate(context.Background(), []string{fp}, func(contract.SourceID, io.ReadCloser) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}

// UT-RFS-06: STDIN（roots 为空或 "-"）。
func TestIterateStdin(t *testing.T) {
	for _, roots := range [][]string{nil, {"-"}} {
		old := os.Stdin
		pr, pw, _ := os.Pipe()
		os.Stdin = pr
		go func() {
			_, _ = pw.Write([]byte("hi"))
			_ = pw.Close()
		}()
		var data []byte
		err := New(nil).Iterate(context.Background(), roots, func(id contract.SourceID, rc io.ReadCloser) error {
			defer rc.Close()
			if id != "stdin" {
				t.Fatalf("id=%s", id)
			}
			data, _ = io.ReadAll(rc)
			return nil
		})
		os.Stdin = old
		if err != nil || string(data) != "hi" {
			t.Fatalf("stdin %v: %v %q", roots, err, data)
		}
	}
}

// UT-RFS-07: 上下文取消。
func TestIterateCtxCancel(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "a.csv")
	_ = os.WriteFile(fp, []byte("x"), 0o644)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(nil).Iterate(ctx, []string{fp}, func(contract.SourceID, io.ReadCloser) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expect ctx cancel, got %v", err)
	}
}

// bufSize<=0 时使用默认。
func TestNewBufferedCloserDefault(t *testing.T) {
	bc := newBufferedCloser(io.NopCloser(strings.NewReader("")), 0)
	if bc.Reader == nil {
		t.Fatalf("nil reader")
	}
	_ = bc.Close()
}

package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"aspectify/pkg/contract"
)

// DefaultSuffix: 工件文件名后缀。
const DefaultSuffix = ".json"

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 输出根目录（必需）。
	OutputDir string `json:"output_dir"`
	// Suffix: 追加在源文件名之后的后缀，默认 ".json"（reviews.csv → reviews.csv.json）。
	Suffix string `json:"suffix,omitempty"`
	// Atomic: 同目录临时文件 + rename；nil 时默认 true。
	Atomic *bool `json:"atomic,omitempty"`
	// Flat: 仅保留文件名、不保留目录层级；nil 时默认 true。
	Flat *bool `json:"flat,omitempty"`
	// PermFile/PermDir: 为 0 时使用 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用 64KiB。
	BufSize int `json:"buf_size,omitempty"`
}

// FS 是文件系统 Writer：每个 ArtifactID 写出一个文件。
type FS struct {
	root    string
	suffix  string
	atomic  bool
	flat    bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

// New 创建文件系统 Writer。缺少 OutputDir 返回 ErrConfiguration。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("%w: writer: output_dir required", contract.ErrConfiguration)
	}
	w := &FS{
		root:    opts.OutputDir,
		suffix:  opts.Suffix,
		atomic:  true,
		flat:    true,
		permF:   opts.PermFile,
		permD:   opts.PermDir,
		bufSize: opts.BufSize,
	}
	if w.suffix == "" {
		w.suffix = DefaultSuffix
	}
	if strings.ContainsAny(w.suffix, `/\`) {
		return nil, fmt.Errorf("%w: writer: suffix must not contain separators", contract.ErrConfiguration)
	}
	if w.bufSize <= 0 {
		w.bufSize = 64 * 1024
	}
	if w.permF == 0 {
		w.permF = 0o644
	}
	if w.permD == 0 {
		w.permD = 0o755
	}
	if opts.Flat != nil {
		w.flat = *opts.Flat
	}
	if opts.Atomic != nil {
		w.atomic = *opts.Atomic
	}
	return w, nil
}

var _ contract.Writer = (*FS)(nil)

// Write 将 r 的全部字节写入 id 映射出的目标路径。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.Path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// Path 返回 id 对应的目标文件路径。
// 约束：
//  1. Flat 模式仅保留基名；
//  2. 非 Flat 模式拒绝绝对路径、卷名与父级逃逸（ErrPathInvalid）。
func (w *FS) Path(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(string(id)))
	if w.flat {
		rel = filepath.Base(rel)
	}
	switch {
	case rel == "." || rel == ".." || rel == "" || rel == string(filepath.Separator):
		return "", fmt.Errorf("%w: %q", contract.ErrPathInvalid, id)
	case filepath.IsAbs(rel), filepath.VolumeName(rel) != "":
		return "", fmt.Errorf("%w: absolute %q", contract.ErrPathInvalid, id)
	case strings.HasPrefix(rel, ".."+string(filepath.Separator)):
		return "", fmt.Errorf("%w: escapes output dir %q", contract.ErrPathInvalid, id)
	}
	return filepath.Join(w.root, rel+w.suffix), nil
}

func (w *FS) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *FS) writeAtomic(ctx context.Context, dest string, r io.Reader) (err error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	_ = os.Chmod(tmpPath, w.permF)

	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err = io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	// os.Rename 在 Windows 上同样覆盖已存在的目标。
	if err = os.Rename(tmpPath, dest); err != nil {
		return err
	}
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

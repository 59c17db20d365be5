package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	logBase       = "aspectify"
	logCurrent    = logBase + "-current.log"
	defaultMaxLog = 10 * 1024 * 1024
)

// RotatingFile 是按大小轮转的日志文件 io.Writer（供 slog.JSONHandler 使用）。
//   - 当前文件固定名：aspectify-current.log；
//   - 当 size+len(p) 超过 maxBytes 时，当前文件重命名为 aspectify-<UTC 时间戳>.log，再新建当前文件；
//   - 每次 Write 视为一条完整记录，不跨文件拆分。
type RotatingFile struct {
	dir      string
	maxBytes int64
	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

// NewRotatingFile 创建轮转写入器；文件在首次写入时才打开。maxBytes<=0 采用 10 MiB。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = defaultMaxLog
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes}
}

// Write 实现 io.Writer。
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		return 0, err
	}
	if w.curSize > 0 && w.curSize+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.curSize += int64(n)
	return n, err
}

// WriteLine 写入一行（自动追加换行）。
func (w *RotatingFile) WriteLine(b []byte) error {
	line := make([]byte, 0, len(b)+1)
	line = append(append(line, b...), '\n')
	_, err := w.Write(line)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, logCurrent), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	oldPath := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	// 高精度时间戳，避免同秒冲突覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(filepath.Dir(oldPath), fmt.Sprintf("%s-%s.log", logBase, ts))
	if err := os.Rename(oldPath, rotated); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	return w.ensureOpen()
}

// Close 关闭当前文件句柄；之后的 Write 会重新打开。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

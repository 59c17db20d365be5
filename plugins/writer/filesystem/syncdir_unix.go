//go:build !windows

package filesystem

import "os"

// syncDir 对父目录执行 fsync，使 rename 的元数据落盘（最佳努力）。
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

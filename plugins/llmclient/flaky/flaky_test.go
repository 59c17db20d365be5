package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aspectify/pkg/contract"
)

var one = contract.Batch{Items: []contract.Item{{ID: "1", Comment: "great screen"}}}

// UT-FLK-01: 按脚本顺序注入，越界后恢复正常。
func TestScript(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flaky.log")
	cl, err := New(json.RawMessage(`{"script":["quota","error","rate_limited","garbage"],"log_path":"` + filepath.ToSlash(logPath) + `"}`))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	_, err = cl.Invoke(ctx, one, nil)
	var ue contract.UpstreamError
	if !errors.As(err, &ue) || ue.UpstreamStatus() != 429 || !contract.DefaultQuotaClassifier(err) {
		t.Fatalf("第 1 次应为 429, got %v", err)
	}
	if _, err = cl.Invoke(ctx, one, nil); !errors.Is(err, contract.ErrModelCall) || contract.DefaultQuotaClassifier(err) {
		t.Fatalf("第 2 次应为普通失败, got %v", err)
	}
	if _, err = cl.Invoke(ctx, one, nil); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("第 3 次应为 ErrRateLimited, got %v", err)
	}
	raw, err := cl.Invoke(ctx, one, nil)
	if err != nil || !strings.Contains(raw.Text, "garbage") {
		t.Fatalf("第 4 次应为垃圾文本, got %q %v", raw.Text, err)
	}
	raw, err = cl.Invoke(ctx, one, nil)
	if err != nil || raw.Text != "L:1|great~positive" {
		t.Fatalf("越界后应正常, got %q %v", raw.Text, err)
	}
	if n := cl.(*Client).Calls(); n != 5 {
		t.Fatalf("调用计数 %d", n)
	}
	b, _ := os.ReadFile(logPath)
	if strings.Count(string(b), "\n") != 5 || !strings.Contains(string(b), "step=quota") {
		t.Fatalf("日志内容不符: %q", b)
	}
}

// UT-FLK-02: 循环脚本与挂起。
func TestCycleAndHang(t *testing.T) {
	cl, err := New(json.RawMessage(`{"script":["hang","ok"],"cycle":true}`))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		if _, err := cl.Invoke(ctx, one, nil); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("hang 应随超时返回, got %v", err)
		}
		cancel()
		if _, err := cl.Invoke(context.Background(), one, nil); err != nil {
			t.Fatalf("ok 步骤失败: %v", err)
		}
	}
}

// UT-FLK-03: 非法步骤与未知字段。
func TestOptionsInvalid(t *testing.T) {
	for _, raw := range []string{`{"script":["boom"]}`, `{"scrpt":[]}`, `{"mock":{"sentiment":"x"}}`} {
		if _, err := New(json.RawMessage(raw)); !errors.Is(err, contract.ErrConfiguration) {
			t.Fatalf("%s: 期望 ErrConfiguration, got %v", raw, err)
		}
	}
}

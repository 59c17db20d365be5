package vader

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"aspectify/pkg/contract"
	"aspectify/plugins/decoder/toon"
)

// UT-VDR-01: 明显的正负面评论得到对应极性，空评论缺席。
func TestInvoke(t *testing.T) {
	cl, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := contract.Batch{Items: []contract.Item{
		{ID: "1", Comment: "I **love** this phone, it is great!"},
		{ID: "2", Comment: "Terrible battery, awful and horrible."},
		{ID: "3", Comment: "   "},
	}}
	raw, err := cl.Invoke(context.Background(), b, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got := toon.Parse(raw.Text)
	if len(got) != 2 {
		t.Fatalf("期望 2 条, got %+v", got)
	}
	if got[0].Aspects[0] != (contract.Aspect{Term: "overall", Sentiment: contract.Positive}) {
		t.Fatalf("条目 1: %+v", got[0])
	}
	if got[1].Aspects[0].Sentiment != contract.Negative {
		t.Fatalf("条目 2: %+v", got[1])
	}
}

// UT-VDR-02: Markdown、链接与标签被剥离。
func TestPlainText(t *testing.T) {
	cases := []struct{ in, want string }{
		{"**bold** text", "bold text"},
		{"see [docs](https://example.com/x) now", "see docs now"},
		{"visit https://example.com today", "visit today"},
		{"", ""},
	}
	for _, tt := range cases {
		if got := PlainText(tt.in); got != tt.want {
			t.Fatalf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// UT-VDR-03: 选项校验。
func TestOptions(t *testing.T) {
	for _, raw := range []string{`{"threshold":2}`, `{"threshold":-0.1}`, `{"x":1}`} {
		if _, err := New(json.RawMessage(raw)); !errors.Is(err, contract.ErrConfiguration) {
			t.Fatalf("%s: 期望 ErrConfiguration, got %v", raw, err)
		}
	}
	cl, err := New(json.RawMessage(`{"term":"product","threshold":0.99}`))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, s := cl.(*Client).Score("good"); s != contract.Neutral {
		t.Fatalf("高阈值下应为 neutral, got %s", s)
	}
}

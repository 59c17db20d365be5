package csv

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"aspectify/pkg/contract"
)

func split(t *testing.T, s *Splitter, in string) []contract.Row {
	t.Helper()
	rows, err := s.Split(context.Background(), "r.csv", strings.NewReader(in))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return rows
}

// UT-CSV-01: 表头嗅探（大小写不敏感、去空白、BOM），只透传已知列。
func TestSplitHeader(t *testing.T) {
	s, _ := New(nil)
	rows := split(t, s, "\ufeff ID ,Comments,Rating,language\n7,great screen,5,en\n,\"slow, really\",1,\n")
	want := []contract.Row{
		{"id": "7", "comments": "great screen", "language": "en"},
		{"id": "", "comments": "slow, really", "language": ""},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("got %#v", rows)
	}
}

// UT-CSV-02: 单列输入，首行仅在为已知列名时被视作表头。
func TestSplitSingleColumn(t *testing.T) {
	s, _ := New(nil)
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"带表头", "comment\nfirst\nsecond\n", []string{"first", "second"}},
		{"无表头", "first\nsecond\n", []string{"first", "second"}},
		{"表头大小写", " Comments \nonly\n", []string{"only"}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rows := split(t, s, tt.in)
			var got []string
			for _, r := range rows {
				got = append(got, r["comment"].(string))
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v", got)
			}
		})
	}
}

// UT-CSV-03: 多列且缺少评论列为 ErrInputInvalid；空输入为空结果。
func TestSplitInvalid(t *testing.T) {
	s, _ := New(nil)
	_, err := s.Split(context.Background(), "r.csv", strings.NewReader("id,text\n1,hello\n"))
	if !errors.Is(err, contract.ErrInputInvalid) || !strings.Contains(err.Error(), "CSV must contain comments data") {
		t.Fatalf("期望 ErrInputInvalid, got %v", err)
	}
	if rows := split(t, s, ""); len(rows) != 0 {
		t.Fatalf("空输入应无行, got %v", rows)
	}
}

// UT-CSV-04: 自定义分隔符与行数上限。
func TestOptions(t *testing.T) {
	s, err := New(&Options{Comma: ";", MaxRows: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rows := split(t, s, "id;comment\n1;a,b\n")
	if len(rows) != 1 || rows[0]["comment"] != "a,b" {
		t.Fatalf("got %v", rows)
	}
	_, err = s.Split(context.Background(), "r.csv", strings.NewReader("id;comment\n1;a\n2;b\n3;c\n"))
	if !errors.Is(err, contract.ErrInputInvalid) {
		t.Fatalf("超出上限应为 ErrInputInvalid, got %v", err)
	}
	for _, o := range []Options{{Comma: ";;"}, {Comma: "\""}, {MaxRows: -1}} {
		o := o
		if _, err := New(&o); !errors.Is(err, contract.ErrConfiguration) {
			t.Fatalf("%+v: 期望 ErrConfiguration, got %v", o, err)
		}
	}
}

// UT-CSV-05: 取消。
func TestSplitCanceled(t *testing.T) {
	s, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Split(ctx, "r.csv", strings.NewReader("comment\nx\n")); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

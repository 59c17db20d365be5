package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"aspectify/pkg/contract"
)

// LimitKey: 限流分组键（client + API key 摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait 阻塞直到额度可用或 ctx 取消；申请非法或永远无法满足时快速失败（ErrConfiguration）。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞尝试；不足时返回 false 且不消耗额度。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个维度为一个 rate.Limiter：速率 = 限额/60s，突发 = 限额（起始满桶）。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.RWMutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex // 保证两维度的预留/撤销成对发生
	lim Limits
	req *rate.Limiter // nil 表示 RPM 维度关闭
	tok *rate.Limiter // nil 表示 TPM 维度关闭
}

func newEntry(lim Limits) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = perMinute(lim.RPM)
	}
	if lim.TPM > 0 {
		e.tok = perMinute(lim.TPM)
	}
	return e
}

func perMinute(n int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.RLock()
	e := g.m[key]
	g.mu.RUnlock()
	if e != nil {
		return e
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e = g.m[key]; e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (g *gate) check(a Ask) (*entry, error) {
	if a.Requests <= 0 || a.Tokens < 0 {
		return nil, fmt.Errorf("%w: rate ask requests=%d tokens=%d", contract.ErrConfiguration, a.Requests, a.Tokens)
	}
	e := g.get(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return nil, fmt.Errorf("%w: request needs %d tokens, max_tokens_per_req=%d", contract.ErrConfiguration, a.Tokens, e.lim.MaxTokensPerReq)
	}
	return e, nil
}

// reservation 为两维度预留的组合。
type reservation struct {
	rs []*rate.Reservation
}

func (r reservation) delay(now time.Time) time.Duration {
	var d time.Duration
	for _, x := range r.rs {
		if v := x.DelayFrom(now); v > d {
			d = v
		}
	}
	return d
}

func (r reservation) cancel(now time.Time) {
	for _, x := range r.rs {
		x.CancelAt(now)
	}
}

// reserve 在 e.mu 保护下同时预留两维度；任一维度的需求超过突发上限时返回 false。
func (e *entry) reserve(now time.Time, a Ask) (reservation, bool) {
	var r reservation
	for _, p := range []struct {
		l *rate.Limiter
		n int
	}{{e.req, a.Requests}, {e.tok, a.Tokens}} {
		if p.l == nil || p.n == 0 {
			continue
		}
		x := p.l.ReserveN(now, p.n)
		if !x.OK() {
			r.cancel(now)
			return reservation{}, false
		}
		r.rs = append(r.rs, x)
	}
	return r, true
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reserve(now, a)
	if !ok {
		return false
	}
	if r.delay(now) > 0 {
		r.cancel(now)
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := g.clk()
	e.mu.Lock()
	r, ok := e.reserve(now, a)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: ask exceeds burst (rpm=%d tpm=%d tokens=%d)", contract.ErrConfiguration, e.lim.RPM, e.lim.TPM, a.Tokens)
	}
	d := r.delay(now)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		e.mu.Lock()
		r.cancel(g.clk())
		e.mu.Unlock()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot 返回当前可用额度（向下取整）；维度关闭时返回 -1。
func (g *gate) Snapshot(key LimitKey) (int, int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	avail := func(l *rate.Limiter) int {
		if l == nil {
			return -1
		}
		return int(l.TokensAt(now))
	}
	return avail(e.req), avail(e.tok)
}

var _ Snapshoter = (*gate)(nil)

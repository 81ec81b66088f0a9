package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

const DefaultBackoffCap = 300 * time.Second

// Governor tracks consecutive delivery failures and decides whether the next
// attempt should be skipped. The backoff window is min(2^n s, cap) measured
// from the last failure, raised to any Retry-After floor the remote gave us.
//
// The counters are atomics; the drain goroutine is the only writer.
type Governor struct {
	now func() time.Time

	failures    atomic.Int64
	lastFailure atomic.Int64 // unix nanos
	floor       atomic.Int64 // nanos, from RateLimited

	capMu sync.RWMutex
	cap   time.Duration
}

type GovernorOption func(*Governor)

// WithClock replaces time.Now; tests use it to step time.
func WithClock(now func() time.Time) GovernorOption {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

func WithBackoffCap(d time.Duration) GovernorOption {
	return func(g *Governor) { g.SetCap(d) }
}

func NewGovernor(opts ...GovernorOption) *Governor {
	g := &Governor{now: time.Now, cap: DefaultBackoffCap}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Governor) SetCap(d time.Duration) {
	if d <= 0 {
		d = DefaultBackoffCap
	}
	g.capMu.Lock()
	g.cap = d
	g.capMu.Unlock()
}

func (g *Governor) backoffCap() time.Duration {
	g.capMu.RLock()
	defer g.capMu.RUnlock()
	return g.cap
}

// Window returns the backoff duration for n consecutive failures, ignoring any floor.
func (g *Governor) Window(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	c := g.backoffCap()
	// 2^30s already exceeds any sane cap.
	if n > 30 {
		return c
	}
	w := time.Duration(int64(1)<<uint(n)) * time.Second
	if w > c {
		return c
	}
	return w
}

// ShouldBackoff reports whether an attempt made now should be skipped.
func (g *Governor) ShouldBackoff() bool {
	return g.Remaining() > 0
}

// Remaining is the time left in the current backoff window, or zero.
func (g *Governor) Remaining() time.Duration {
	n := g.failures.Load()
	if n <= 0 {
		return 0
	}
	window := g.Window(n)
	if f := time.Duration(g.floor.Load()); f > window {
		window = f
	}
	elapsed := g.now().Sub(time.Unix(0, g.lastFailure.Load()))
	if elapsed >= window {
		return 0
	}
	return window - elapsed
}

func (g *Governor) RecordSuccess() {
	g.failures.Store(0)
	g.floor.Store(0)
}

func (g *Governor) RecordFailure() {
	g.lastFailure.Store(g.now().UnixNano())
	g.failures.Add(1)
}

// RecordRateLimited counts as a failure and keeps retryAfter as a floor on the window.
func (g *Governor) RecordRateLimited(retryAfter time.Duration) {
	if retryAfter < 0 {
		retryAfter = 0
	}
	g.floor.Store(int64(retryAfter))
	g.RecordFailure()
}

type GovernorSnapshot struct {
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	RetryAfterFloor     time.Duration `json:"retry_after_floor"`
	Remaining           time.Duration `json:"remaining"`
}

func (g *Governor) Snapshot() GovernorSnapshot {
	s := GovernorSnapshot{
		ConsecutiveFailures: g.failures.Load(),
		RetryAfterFloor:     time.Duration(g.floor.Load()),
		Remaining:           g.Remaining(),
	}
	if ns := g.lastFailure.Load(); ns > 0 {
		s.LastFailure = time.Unix(0, ns)
	}
	return s
}

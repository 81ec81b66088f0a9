package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"daisysrv/internal/eventbus"
	"daisysrv/internal/runtime/lifecycle"
	logx "daisysrv/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultPace           = 100 * time.Millisecond
	DefaultAttemptTimeout = 15 * time.Second
)

type QueueConfig struct {
	// Pace is the minimum gap between two attempts. Zero or negative disables pacing.
	Pace           time.Duration
	AttemptTimeout time.Duration
}

type pending struct {
	id       string
	task     Task
	enqueued time.Time
}

// Queue is a multi-producer FIFO of pending sends with at most one drain
// goroutine. The drainer is started on demand by Enqueue and exits when the
// queue is empty, so an idle Queue owns no goroutines.
type Queue struct {
	name string
	log  logx.Logger
	gov  *Governor
	life *lifecycle.State
	bus  eventbus.Bus

	timeout atomic.Int64

	pmu   sync.Mutex
	pacer *rate.Limiter

	mu    sync.Mutex
	tasks []pending
	idle  chan struct{} // closed while no drainer runs

	draining atomic.Bool

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
	rejected  atomic.Uint64
}

func NewQueue(name string, cfg QueueConfig, gov *Governor, life *lifecycle.State, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gov == nil {
		gov = NewGovernor()
	}
	if life == nil {
		life = lifecycle.New()
	}
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		name: name,
		log:  log,
		gov:  gov,
		life: life,
		bus:  bus,
		idle: idle,
	}
	q.Apply(cfg)
	return q
}

func (q *Queue) Name() string        { return q.name }
func (q *Queue) Governor() *Governor { return q.gov }

// Apply swaps pacing and timeouts. Safe to call while draining.
func (q *Queue) Apply(cfg QueueConfig) {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	q.timeout.Store(int64(cfg.AttemptTimeout))

	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.Pace > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.Pace), 1)
	}
	q.pmu.Lock()
	q.pacer = lim
	q.pmu.Unlock()
}

// Enqueue appends t and starts the drainer if none is running. It never blocks
// on delivery. It returns false once shutdown has begun.
func (q *Queue) Enqueue(t Task) bool {
	if t == nil {
		return false
	}
	if q.life.ShuttingDown() {
		q.rejected.Add(1)
		q.log.Debug("relay send suppressed, shutting down")
		return false
	}
	p := pending{id: uuid.NewString(), task: t, enqueued: time.Now()}

	q.mu.Lock()
	q.tasks = append(q.tasks, p)
	start := q.draining.CompareAndSwap(false, true)
	if start {
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	q.enqueued.Add(1)
	if start {
		go q.drain()
	}
	return true
}

// next pops the head. When it returns ok=false the drainer has been released.
func (q *Queue) next() (p pending, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) > 0 && q.life.ShuttingDown() {
		n := len(q.tasks)
		q.tasks = nil
		q.discard(n)
	}
	if len(q.tasks) == 0 {
		q.tasks = nil
		q.draining.Store(false)
		close(q.idle)
		return pending{}, false
	}
	p = q.tasks[0]
	q.tasks[0] = pending{}
	q.tasks = q.tasks[1:]
	return p, true
}

func (q *Queue) discard(n int) {
	if n <= 0 {
		return
	}
	q.discarded.Add(uint64(n))
	q.log.Warn("relay shutting down, discarding queued sends", logx.Int("count", n))
	q.publish(eventbus.TypeDiscarded, map[string]any{"count": n})
}

func (q *Queue) drain() {
	for {
		p, ok := q.next()
		if !ok {
			return
		}

		if rem := q.gov.Remaining(); rem > 0 {
			q.skipped.Add(1)
			q.log.Debug("relay backoff active, dropping send",
				logx.String("id", p.id), logx.Duration("remaining", rem))
			q.publish(eventbus.TypeSkipped, map[string]any{"id": p.id, "remaining": rem.String()})
			continue
		}

		if err := q.wait(); err != nil {
			// Shutdown interrupted pacing; this send is part of the backlog.
			q.mu.Lock()
			q.discard(1)
			q.mu.Unlock()
			continue
		}

		out := q.attempt(p)
		q.record(p, out)
	}
}

func (q *Queue) wait() error {
	q.pmu.Lock()
	lim := q.pacer
	q.pmu.Unlock()
	return lim.Wait(q.life.Context())
}

func (q *Queue) attempt(p pending) (out Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(q.timeout.Load()))
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("relay task panicked", logx.String("id", p.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = Retryable("panic", fmt.Errorf("panic: %v", r))
		}
	}()
	out = p.task(ctx)
	if out.Kind == Recoverable && out.Err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.Err = ctx.Err()
	}
	return out
}

func (q *Queue) record(p pending, out Outcome) {
	log := q.log.With(logx.String("id", p.id), logx.Duration("queued", time.Since(p.enqueued)))
	switch out.Kind {
	case Delivered:
		q.gov.RecordSuccess()
		q.delivered.Add(1)
		log.Trace("relay delivered")
		q.publish(eventbus.TypeDelivered, map[string]any{"id": p.id})
		return

	case RateLimited:
		q.gov.RecordRateLimited(out.RetryAfter)
		q.failed.Add(1)
		log.Warn("relay rate limited, backing off",
			logx.Duration("retry_after", out.RetryAfter), logx.Duration("backoff", q.gov.Remaining()))

	case Recoverable:
		q.gov.RecordFailure()
		q.failed.Add(1)
		log.Warn("relay delivery failed, backing off",
			logx.String("reason", out.Reason), logx.Err(out.Err), logx.Duration("backoff", q.gov.Remaining()))

	case Permanent:
		q.failed.Add(1)
		if errors.Is(out.Err, ErrSinkDisabled) {
			log.Debug("relay sink disabled, send dropped")
		} else {
			log.Error("relay delivery failed permanently", logx.String("reason", out.Reason), logx.Err(out.Err))
		}
	}
	q.publish(eventbus.TypeFailed, map[string]any{"id": p.id, "outcome": out.String()})
}

func (q *Queue) publish(typ string, data map[string]any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Source: q.name, Data: data})
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) Draining() bool { return q.draining.Load() }

// Wait blocks until the queue is empty and its drainer has exited, or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	ch := q.idle
	q.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type QueueStats struct {
	Name      string           `json:"name"`
	Pending   int              `json:"pending"`
	Draining  bool             `json:"draining"`
	Enqueued  uint64           `json:"enqueued"`
	Delivered uint64           `json:"delivered"`
	Skipped   uint64           `json:"skipped"`
	Failed    uint64           `json:"failed"`
	Discarded uint64           `json:"discarded"`
	Rejected  uint64           `json:"rejected"`
	Governor  GovernorSnapshot `json:"governor"`
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Name:      q.name,
		Pending:   q.Len(),
		Draining:  q.Draining(),
		Enqueued:  q.enqueued.Load(),
		Delivered: q.delivered.Load(),
		Skipped:   q.skipped.Load(),
		Failed:    q.failed.Load(),
		Discarded: q.discarded.Load(),
		Rejected:  q.rejected.Load(),
		Governor:  q.gov.Snapshot(),
	}
}

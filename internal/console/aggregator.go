// Package console batches server console lines into code-block messages for
// the chat console channel.
package console

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"daisysrv/internal/relay"
	"daisysrv/internal/sink/markdown"
	logx "daisysrv/pkg/logx"
)

const (
	DefaultInterval      = 2500 * time.Millisecond
	DefaultCooldown      = time.Second
	DefaultShutdownLines = 10

	fenceOpen  = "```\n"
	fenceClose = "\n```"
	// room kept for "\n+N more"
	markerReserve = len("\n+9999999 more")
	fallbackMax   = 2000
)

type Config struct {
	Interval time.Duration
	// Cooldown is the minimum gap between two flushes.
	Cooldown      time.Duration
	ShutdownLines int
	Filter        FilterConfig
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.ShutdownLines <= 0 {
		c.ShutdownLines = DefaultShutdownLines
	}
	return c
}

// Target is where flushed batches go; *relay.Relay satisfies it.
type Target interface {
	SendMarkdown(author, text string)
	SendNow(ctx context.Context, p relay.Payload) relay.Outcome
	Accepting() bool
	MaxPayload() int
}

// Aggregator is idle while its buffer is empty and accumulating otherwise.
// Append may be called from any goroutine; Run drives the timer.
type Aggregator struct {
	target Target
	log    logx.Logger
	now    func() time.Time

	cfg    atomic.Pointer[Config]
	filter atomic.Pointer[Filter]

	mu        sync.Mutex
	lines     []string
	size      int // runes of buffered lines plus separators
	overflow  int
	lastFlush time.Time
	closed    bool
	outbox    []string

	sending sync.Mutex

	appended  atomic.Uint64
	filtered  atomic.Uint64
	flushes   atomic.Uint64
	overflows atomic.Uint64
	discarded atomic.Uint64
}

func New(target Target, cfg Config, log logx.Logger) (*Aggregator, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Aggregator{target: target, log: log, now: time.Now}
	if err := a.Apply(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Apply swaps the filter and timing. On a bad pattern the previous config stays.
func (a *Aggregator) Apply(cfg Config) error {
	cfg = cfg.normalized()
	f, err := NewFilter(cfg.Filter)
	if err != nil {
		return err
	}
	a.filter.Store(f)
	a.cfg.Store(&cfg)
	return nil
}

func (a *Aggregator) config() Config { return *a.cfg.Load() }

// budget is the rune room for lines inside one flushed payload.
func (a *Aggregator) budget() int {
	max := a.target.MaxPayload()
	if max <= 0 {
		max = fallbackMax
	}
	b := max - len(fenceOpen) - len(fenceClose) - markerReserve
	if b < 1 {
		b = 1
	}
	return b
}

// Forward makes the aggregator a log forwarder.
func (a *Aggregator) Forward(line string) { a.Append(line) }

// HandleLine receives raw server log lines.
func (a *Aggregator) HandleLine(line string) { a.Append(line) }

// Append filters and buffers text, one entry per line. A line that would
// push the buffer past the ceiling flushes the buffer first; inside the
// cooldown it is counted toward the overflow marker instead.
func (a *Aggregator) Append(text string) {
	if !a.target.Accepting() {
		a.discarded.Add(uint64(strings.Count(text, "\n") + 1))
		return
	}
	for _, raw := range strings.Split(text, "\n") {
		a.appendLine(raw)
	}
	a.deliver()
}

func (a *Aggregator) appendLine(raw string) {
	line, ok := a.filter.Load().Apply(raw)
	if !ok {
		a.filtered.Add(1)
		return
	}
	budget := a.budget()
	line = markdown.Truncate(markdown.NeutralizeMentions(markdown.SafeInCodeBlock(line)), budget)
	n := markdown.Len(line)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.discarded.Add(1)
		return
	}
	a.appended.Add(1)
	if len(a.lines) > 0 && a.size+1+n > budget {
		if a.now().Sub(a.lastFlush) < a.config().Cooldown {
			a.overflow++
			a.overflows.Add(1)
			return
		}
		a.outbox = append(a.outbox, a.takeLocked())
	}
	if len(a.lines) > 0 {
		a.size++
	}
	a.lines = append(a.lines, line)
	a.size += n
}

// takeLocked renders and clears the buffer.
func (a *Aggregator) takeLocked() string {
	text := render(a.lines, a.overflow)
	a.lines = nil
	a.size = 0
	a.overflow = 0
	a.lastFlush = a.now()
	a.flushes.Add(1)
	return text
}

func render(lines []string, overflow int) string {
	var b strings.Builder
	b.WriteString(fenceOpen)
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString(fenceClose)
	if overflow > 0 {
		b.WriteString("\n+")
		b.WriteString(strconv.Itoa(overflow))
		b.WriteString(" more")
	}
	return b.String()
}

// deliver hands rendered batches to the target in order. Sending can log,
// and a log line can come back through Forward; the nested call leaves its
// batch in the outbox for the outer loop.
func (a *Aggregator) deliver() {
	for {
		if !a.sending.TryLock() {
			return
		}
		a.mu.Lock()
		out := a.outbox
		a.outbox = nil
		a.mu.Unlock()

		for _, text := range out {
			a.target.SendMarkdown("", text)
		}
		a.sending.Unlock()

		a.mu.Lock()
		more := len(a.outbox) > 0
		a.mu.Unlock()
		if !more {
			return
		}
	}
}

// Flush sends the buffer if the cooldown allows it.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if len(a.lines) == 0 || a.closed || a.now().Sub(a.lastFlush) < a.config().Cooldown {
		a.mu.Unlock()
		return
	}
	a.outbox = append(a.outbox, a.takeLocked())
	a.mu.Unlock()
	a.deliver()
}

// Run flushes on every tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	interval := a.config().Interval
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.Flush()
			if iv := a.config().Interval; iv != interval {
				interval = iv
				t.Reset(iv)
			}
		}
	}
}

// Close stops buffering and makes one synchronous attempt with at most
// ShutdownLines of what is left. The rest is discarded and counted.
func (a *Aggregator) Close(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	lines := a.lines
	overflow := a.overflow
	a.lines, a.size, a.overflow = nil, 0, 0
	a.mu.Unlock()

	keep := len(lines)
	if limit := a.config().ShutdownLines; keep > limit {
		keep = limit
	}
	dropped := len(lines) - keep + overflow
	if dropped > 0 {
		a.discarded.Add(uint64(dropped))
		a.log.Warn("console backlog discarded at shutdown", logx.Int("count", dropped))
	}
	if keep == 0 {
		return
	}

	out := a.target.SendNow(ctx, relay.Payload{Text: render(lines[:keep], dropped), Markdown: true})
	if !out.OK() {
		a.log.Warn("console final flush failed", logx.String("outcome", out.String()), logx.Int("lines", keep))
		return
	}
	a.flushes.Add(1)
	a.log.Debug("console final flush sent", logx.Int("lines", keep))
}

type Stats struct {
	Buffered  int    `json:"buffered"`
	Appended  uint64 `json:"appended"`
	Filtered  uint64 `json:"filtered"`
	Flushes   uint64 `json:"flushes"`
	Overflow  uint64 `json:"overflow"`
	Discarded uint64 `json:"discarded"`
}

func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	n := len(a.lines)
	a.mu.Unlock()
	return Stats{
		Buffered:  n,
		Appended:  a.appended.Load(),
		Filtered:  a.filtered.Load(),
		Flushes:   a.flushes.Load(),
		Overflow:  a.overflows.Load(),
		Discarded: a.discarded.Load(),
	}
}

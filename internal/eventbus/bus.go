package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Relay lifecycle event types.
const (
	TypeDelivered = "relay.delivered"
	TypeSkipped   = "relay.skipped"
	TypeFailed    = "relay.failed"
	TypeDiscarded = "relay.discarded"

	TypeSinkDisabled = "sink.disabled"
	TypeSinkReset    = "sink.reset"
)

// Event is a small in-memory signal. Publish never blocks; slow subscribers drop.
type Event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Source string    `json:"source,omitempty"`
	Data   any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Recent keeps the last N events of a subscription for status pages.
type Recent struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func NewRecent(n int) *Recent {
	if n <= 0 {
		n = 50
	}
	return &Recent{buf: make([]Event, n)}
}

func (r *Recent) Add(e Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// List returns events oldest first.
func (r *Recent) List() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

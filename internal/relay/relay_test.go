package relay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"daisysrv/internal/runtime/lifecycle"
	logx "daisysrv/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logx.Logger { return logx.Nop() }

type fakeSink struct {
	ready atomic.Bool
	max   int

	mu  sync.Mutex
	got []Payload
	out func(p Payload) Outcome
}

func newFakeSink() *fakeSink {
	s := &fakeSink{max: 2000}
	s.ready.Store(true)
	return s
}

func (s *fakeSink) Name() string    { return "fake" }
func (s *fakeSink) Ready() bool     { return s.ready.Load() }
func (s *fakeSink) MaxPayload() int { return s.max }

func (s *fakeSink) Attempt(ctx context.Context, p Payload) Outcome {
	s.mu.Lock()
	s.got = append(s.got, p)
	fn := s.out
	s.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return OK()
}

func (s *fakeSink) payloads() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payload(nil), s.got...)
}

func newTestRelay(t *testing.T, sink *fakeSink, life *lifecycle.State) *Relay {
	t.Helper()
	q := NewQueue("chat", QueueConfig{Pace: -1}, nil, life, testLogger(), nil)
	return New("chat", sink, q, life, testLogger())
}

func TestRelayTwentySendsInOrder(t *testing.T) {
	sink := newFakeSink()
	r := newTestRelay(t, sink, nil)
	r.ApplyFormat(Format{Text: "{message}"})

	for i := 0; i < 20; i++ {
		r.SendText("steve", strings.Repeat("x", i+1))
	}
	waitIdle(t, r.Queue())

	got := sink.payloads()
	require.Len(t, got, 20)
	for i, p := range got {
		assert.Equal(t, strings.Repeat("x", i+1), p.Text)
		assert.Equal(t, "steve", p.Author)
	}
	assert.Zero(t, r.Queue().Len())
	assert.False(t, r.Queue().Draining())
}

func TestRelaySendTextRendersAndEscapes(t *testing.T) {
	sink := newFakeSink()
	r := newTestRelay(t, sink, nil)
	r.ApplyFormat(Format{Text: "**{username}** ({playerCount}/{maxPlayers}): {message}", Avatar: "https://mc-heads.net/avatar/{username}"})
	r.SetGlobals(func() Vars { return Vars{"playerCount": "3", "maxPlayers": "20"} })

	r.SendText("snake_case", "hello *world*")
	waitIdle(t, r.Queue())

	got := sink.payloads()
	require.Len(t, got, 1)
	assert.Equal(t, `**snake\_case** (3/20): hello \*world\*`, got[0].Text)
	assert.Equal(t, "https://mc-heads.net/avatar/snake_case", got[0].AvatarURL)
	assert.True(t, got[0].Markdown)
}

func TestRelayTrailingBackslashCannotOpenTemplate(t *testing.T) {
	sink := newFakeSink()
	r := newTestRelay(t, sink, nil)
	r.ApplyFormat(Format{Text: "**{username}**: {message}"})

	r.SendText(`Steve\`, "hi")
	waitIdle(t, r.Queue())

	got := sink.payloads()
	require.Len(t, got, 1)
	assert.Equal(t, `**Steve\\**: hi`, got[0].Text)
}

func TestRelayNoopWhenNotReady(t *testing.T) {
	sink := newFakeSink()
	sink.ready.Store(false)
	r := newTestRelay(t, sink, nil)

	r.SendText("a", "b")
	r.SendStructured(StructuredMessage{Title: "t"})
	r.SendBatch("a", []string{"x"})
	waitIdle(t, r.Queue())

	assert.Empty(t, sink.payloads())
	assert.Zero(t, r.Queue().Stats().Enqueued)
}

func TestRelayDisableIsPermanent(t *testing.T) {
	sink := newFakeSink()
	r := newTestRelay(t, sink, nil)
	r.Disable("missing token")
	r.Disable("again")

	r.SendText("a", "b")
	waitIdle(t, r.Queue())
	assert.Empty(t, sink.payloads())
	assert.False(t, r.Accepting())
	assert.Equal(t, Permanent, r.SendNow(context.Background(), Payload{Text: "x"}).Kind)
}

func TestRelayNoopAfterShutdown(t *testing.T) {
	life := lifecycle.New()
	sink := newFakeSink()
	r := newTestRelay(t, sink, life)
	life.BeginShutdown(lifecycle.StopSIGINT)

	r.SendText("a", "b")
	assert.Zero(t, r.Queue().Stats().Enqueued)

	// The synchronous path still works for the final flush.
	out := r.SendNow(context.Background(), Payload{Text: "bye", Markdown: true})
	assert.True(t, out.OK())
}

func TestRelayStructuredPassesThrough(t *testing.T) {
	sink := newFakeSink()
	r := newTestRelay(t, sink, nil)
	msg := StructuredMessage{
		Title:     "Alex joined",
		Color:     0x00ff00,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Fields:    []Field{{Name: "Players", Value: "1/20", Inline: true}},
	}
	r.SendStructured(msg)
	waitIdle(t, r.Queue())

	got := sink.payloads()
	require.Len(t, got, 1)
	require.Len(t, got[0].Embeds, 1)
	assert.Equal(t, msg, got[0].Embeds[0])
	assert.Empty(t, got[0].Text)
}

func TestRelaySendBatchChunksByCeiling(t *testing.T) {
	sink := newFakeSink()
	sink.max = 25
	r := newTestRelay(t, sink, nil)

	lines := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", strings.Repeat("z", 40)}
	r.SendBatch("", lines)
	waitIdle(t, r.Queue())

	var joined []string
	for _, p := range sink.payloads() {
		assert.LessOrEqual(t, len([]rune(p.Text)), 25)
		joined = append(joined, strings.Split(p.Text, "\n")...)
	}
	require.Len(t, joined, len(lines))
	assert.Equal(t, lines[:6], joined[:6])
	assert.True(t, strings.HasSuffix(joined[6], "…"))
}

func TestRender(t *testing.T) {
	assert.Equal(t, "Steve joined (1/20) {unknown}",
		Render("{username} joined ({playerCount}/{maxPlayers}) {unknown}",
			Vars{"username": "Steve", "playerCount": "1", "maxPlayers": "20"}))
	assert.Equal(t, "no placeholders", Render("no placeholders", Vars{"a": "b"}))
	assert.Equal(t, "{a}", Render("{a}", nil))
}

package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"daisysrv/internal/relay"
	"daisysrv/internal/transport"
	logx "daisysrv/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	connected atomic.Bool
	calls     atomic.Int32

	mu   sync.Mutex
	err  error
	pan  bool
	sent []relay.Payload
	chID string
}

func (f *fakeSession) Name() string                                                  { return "fake" }
func (f *fakeSession) Start(ctx context.Context, out chan<- transport.Inbound) error { return nil }
func (f *fakeSession) Stop(ctx context.Context) error                                { return nil }
func (f *fakeSession) Connected() bool                                               { return f.connected.Load() }

func (f *fakeSession) Send(ctx context.Context, channelID string, p relay.Payload) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pan {
		panic("sdk bug")
	}
	f.chID = channelID
	f.sent = append(f.sent, p)
	return f.err
}

func (f *fakeSession) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newTestChannel(sess *fakeSession) *ChannelSink {
	sess.connected.Store(true)
	return NewChannel("discord.chat", sess, ChannelConfig{Enabled: true, ChannelID: "123"}, logx.Nop(), nil)
}

func TestChannelDelivers(t *testing.T) {
	sess := &fakeSession{}
	s := newTestChannel(sess)
	require.True(t, s.Ready())

	out := s.Attempt(context.Background(), relay.Payload{Text: "hi @here"})
	require.True(t, out.OK())
	assert.Equal(t, "123", sess.chID)
	assert.NotContains(t, sess.sent[0].Text, "@here")
}

func TestChannelNotReadyWhenDisconnected(t *testing.T) {
	sess := &fakeSession{}
	s := newTestChannel(sess)
	sess.connected.Store(false)

	assert.False(t, s.Ready())
	out := s.Attempt(context.Background(), relay.Payload{Text: "x"})
	assert.Equal(t, relay.Recoverable, out.Kind)
	assert.Zero(t, sess.calls.Load())
}

func TestChannelClassification(t *testing.T) {
	cases := []struct {
		err      error
		kind     relay.Kind
		disables bool
	}{
		{&transport.StatusError{Code: 429, RetryAfter: 2 * time.Second}, relay.RateLimited, false},
		{&transport.StatusError{Code: 401}, relay.Permanent, true},
		{&transport.StatusError{Code: 403}, relay.Permanent, true},
		{&transport.StatusError{Code: 404}, relay.Permanent, true},
		{&transport.StatusError{Code: 400, Body: "bad"}, relay.Recoverable, false},
		{&transport.StatusError{Code: 502}, relay.Recoverable, false},
		{context.DeadlineExceeded, relay.Recoverable, false},
		{errors.New("connection reset"), relay.Recoverable, false},
	}
	for _, tc := range cases {
		sess := &fakeSession{}
		s := newTestChannel(sess)
		sess.setErr(tc.err)

		out := s.Attempt(context.Background(), relay.Payload{Text: "x"})
		assert.Equal(t, tc.kind, out.Kind, "%v", tc.err)
		assert.Equal(t, tc.disables, s.Disabled(), "%v", tc.err)
		if tc.kind == relay.RateLimited {
			assert.Equal(t, 2*time.Second, out.RetryAfter)
		}
	}
}

func TestChannelDisabledSkipsTransportUntilReset(t *testing.T) {
	sess := &fakeSession{}
	s := newTestChannel(sess)
	sess.setErr(&transport.StatusError{Code: 404})
	s.Attempt(context.Background(), relay.Payload{Text: "x"})

	sess.setErr(nil)
	for i := 0; i < 3; i++ {
		out := s.Attempt(context.Background(), relay.Payload{Text: "x"})
		assert.ErrorIs(t, out.Err, relay.ErrSinkDisabled)
	}
	assert.Equal(t, int32(1), sess.calls.Load())

	s.Apply(ChannelConfig{Enabled: true, ChannelID: "123", MaxPayload: 500})
	assert.True(t, s.Disabled(), "same channel stays disabled")

	s.Apply(ChannelConfig{Enabled: true, ChannelID: "456"})
	assert.True(t, s.Attempt(context.Background(), relay.Payload{Text: "x"}).OK())
	assert.Equal(t, "456", sess.chID)
}

func TestChannelRecoversPanic(t *testing.T) {
	sess := &fakeSession{pan: true}
	s := newTestChannel(sess)
	out := s.Attempt(context.Background(), relay.Payload{Text: "x"})
	assert.Equal(t, relay.Recoverable, out.Kind)
	assert.Equal(t, "panic", out.Reason)
}

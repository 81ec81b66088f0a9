package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"daisysrv/internal/eventbus"
	"daisysrv/internal/relay"
	"daisysrv/internal/transport"
	logx "daisysrv/pkg/logx"
)

type ChannelConfig struct {
	Enabled    bool
	ChannelID  string
	MaxPayload int
}

// ChannelSink delivers through an already authenticated transport.Session.
type ChannelSink struct {
	name    string
	session transport.Session
	log     logx.Logger
	bus     eventbus.Bus

	cfg      atomic.Pointer[ChannelConfig]
	disabled atomic.Bool
}

func NewChannel(name string, session transport.Session, cfg ChannelConfig, log logx.Logger, bus eventbus.Bus) *ChannelSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &ChannelSink{name: name, session: session, log: log, bus: bus}
	c := cfg
	s.cfg.Store(&c)
	return s
}

func (s *ChannelSink) Name() string { return s.name }

func (s *ChannelSink) Ready() bool {
	c := s.cfg.Load()
	if !c.Enabled || strings.TrimSpace(c.ChannelID) == "" || s.disabled.Load() || s.session == nil {
		return false
	}
	return s.session.Connected()
}

func (s *ChannelSink) Disabled() bool { return s.disabled.Load() }

func (s *ChannelSink) MaxPayload() int {
	if n := s.cfg.Load().MaxPayload; n > 0 {
		return n
	}
	return DefaultMaxPayload
}

func (s *ChannelSink) ChannelID() string { return s.cfg.Load().ChannelID }

// Apply swaps the config; a changed channel re-enables a disabled sink.
func (s *ChannelSink) Apply(cfg ChannelConfig) {
	c := cfg
	old := s.cfg.Swap(&c)
	if old == nil || old.ChannelID != c.ChannelID {
		s.Reset()
	}
}

func (s *ChannelSink) Reset() {
	if s.disabled.CompareAndSwap(true, false) {
		s.log.Info("channel sink re-enabled", logx.String("sink", s.name))
		s.publish(eventbus.TypeSinkReset, nil)
	}
}

func (s *ChannelSink) disable(reason string) {
	if s.disabled.CompareAndSwap(false, true) {
		s.log.Error("channel sink disabled until reconfigured", logx.String("sink", s.name), logx.String("reason", reason))
		s.publish(eventbus.TypeSinkDisabled, map[string]any{"reason": reason})
	}
}

func (s *ChannelSink) publish(typ string, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Source: s.name, Data: data})
	}
}

func (s *ChannelSink) Attempt(ctx context.Context, p relay.Payload) (out relay.Outcome) {
	if s.disabled.Load() {
		return relay.Fatal("disabled", relay.ErrSinkDisabled)
	}
	if s.session == nil || !s.session.Connected() {
		return relay.Retryable("not connected", nil)
	}
	defer func() {
		if r := recover(); r != nil {
			out = relay.Retryable("panic", fmt.Errorf("panic: %v", r))
		}
	}()

	err := s.session.Send(ctx, s.ChannelID(), Prepare(p, s.MaxPayload()))
	return s.classify(err)
}

func (s *ChannelSink) classify(err error) relay.Outcome {
	if err == nil {
		return relay.OK()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return relay.Retryable("timeout", err)
	}

	var se *transport.StatusError
	if !errors.As(err, &se) {
		return relay.Retryable("transport", err)
	}
	switch se.Code {
	case http.StatusTooManyRequests:
		ra := se.RetryAfter
		if ra <= 0 {
			ra = defaultRetryAfter
		}
		return relay.Limited(ra, "429")
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		reason := strconv.Itoa(se.Code)
		s.disable(reason)
		return relay.Fatal(reason, fmt.Errorf("%w: %w", relay.ErrSinkDisabled, err))
	default:
		if se.Code == http.StatusBadRequest {
			s.log.Warn("channel rejected payload", logx.String("sink", s.name), logx.String("body", se.Body))
		}
		return relay.Retryable(strconv.Itoa(se.Code), err)
	}
}

// Package lifecycle holds the process-wide shutdown state.
//
// One State is created by the app and handed to every component at
// construction. Components check ShuttingDown() before accepting work and
// select on Done() inside blocking waits.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
)

type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopConfigReload StopReason = "config_reload"
)

type State struct {
	shutting atomic.Bool
	reason   atomic.Value // stores StopReason

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func New() *State {
	ctx, cancel := context.WithCancel(context.Background())
	return &State{ctx: ctx, cancel: cancel}
}

// BeginShutdown flips the shutdown flag. Only the first call records a reason.
func (s *State) BeginShutdown(reason StopReason) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if reason == "" {
			reason = StopUnknown
		}
		s.reason.Store(reason)
		s.shutting.Store(true)
		s.cancel()
	})
}

func (s *State) ShuttingDown() bool {
	if s == nil {
		return false
	}
	return s.shutting.Load()
}

// Done is closed once shutdown has begun.
func (s *State) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ctx.Done()
}

// Context is cancelled once shutdown has begun.
func (s *State) Context() context.Context {
	if s == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *State) Reason() StopReason {
	if s == nil {
		return ""
	}
	r, _ := s.reason.Load().(StopReason)
	return r
}

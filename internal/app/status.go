package app

import (
	"context"
	"fmt"
	"time"

	"daisysrv/internal/ops"
	logx "daisysrv/pkg/logx"
)

const recentAudit = 20

// Status implements ops.Source.
func (a *App) Status(ctx context.Context) ops.Status {
	st := ops.Status{
		Time:         time.Now(),
		StartedAt:    a.startedAt,
		ShuttingDown: a.life.ShuttingDown(),
		StopReason:   string(a.life.Reason()),
		Events:       a.recent.List(),

		LogForwardSkipped: a.logs.ForwardSkipped(),
	}
	for _, o := range a.outlets {
		st.Relays = append(st.Relays, ops.RelayStatus{
			Name:      o.relay.Name(),
			Sink:      o.sink.Name(),
			SinkReady: o.sink.Ready(),
			Disabled:  o.relay.Disabled() || o.sink.Disabled(),
			Queue:     o.queue.Stats(),
		})
	}
	if a.agg != nil {
		cs := a.agg.Stats()
		st.Console = &cs
	}
	p := a.roster.Snapshot()
	st.Players = ops.PlayersStatus{Online: p.Online, Max: p.Max, Names: p.Names}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if a.store != nil {
		audit, err := a.store.RecentAudit(ctx, recentAudit)
		if err != nil {
			a.log.Warn("recent audit unavailable", logx.Err(err))
		}
		st.Audit = audit
	}
	return st
}

// ResetSink re-enables a sink disabled by a permanent remote error.
func (a *App) ResetSink(name string) error {
	for _, o := range a.outlets {
		if o.sink.Name() == name {
			o.sink.Reset()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ops.ErrUnknownSink, name)
}

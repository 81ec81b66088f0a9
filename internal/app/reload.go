package app

import (
	"context"
	"slices"
	"strings"

	"daisysrv/internal/config"
	logx "daisysrv/pkg/logx"
)

// restartOnly lists sections whose changes need a process restart.
var restartOnly = []string{"storage", "telegram"}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply fans a committed config out to every live component.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if prev != nil && (prev.Discord.Token != next.Discord.Token || prev.Discord.Webhook.Enabled != next.Discord.Webhook.Enabled) {
		a.log.Warn("discord token or webhook mode changed; restart required for it to take effect")
	}

	a.logs.Apply(mapLogging(next))
	if a.agg != nil && next.Logging.Relay.Enabled {
		a.logs.SetForwarder(a.agg)
	} else {
		a.logs.SetForwarder(nil)
	}

	qc, limit := mapQueue(next), backoffCap(next)
	for _, o := range a.outlets {
		o.queue.Apply(qc)
		o.queue.Governor().SetCap(limit)
		if o.apply != nil {
			o.apply(next)
		}
	}
	a.chat.relay.ApplyFormat(mapChatFormat(next, a.webhook))

	a.rcon.Apply(mapRCON(next))
	a.roster.SetMax(next.Server.MaxPlayers)
	a.notifier.Apply(mapEvents(next))
	a.forwarder.Apply(mapChat(next))
	a.inbound.Apply(mapInbound(next))
	if a.agg != nil {
		if err := a.agg.Apply(mapConsole(next)); err != nil {
			a.log.Warn("console config rejected; keeping previous", logx.Err(err))
		}
	}
	if err := a.status.Apply(mapStatus(next)); err != nil {
		a.log.Warn("status config rejected; keeping previous", logx.Err(err))
	}
	if err := a.ops.Reconfigure(ctx, mapOps(next)); err != nil {
		a.log.Error("ops server reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

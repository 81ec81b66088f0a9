package config

import (
	"reflect"
	"sort"
	"strings"

	logx "daisysrv/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns
// log fields describing them. Secrets are reported only as "*_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	o, n := oldCfg.Discord, newCfg.Discord
	section("discord",
		o.Token != n.Token || o.ChatChannelID != n.ChatChannelID || o.ConsoleChannelID != n.ConsoleChannelID ||
			o.StatusChannelID != n.StatusChannelID || o.Webhook != n.Webhook,
		logx.Bool("discord.token_changed", o.Token != n.Token),
		logx.String("discord.chat_channel_id", n.ChatChannelID),
		logx.String("discord.console_channel_id", n.ConsoleChannelID),
		logx.Bool("discord.webhook.enabled", n.Webhook.Enabled),
		logx.Bool("discord.webhook.url_changed", o.Webhook.URL != n.Webhook.URL),
	)

	ot, nt := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	section("telegram", ot != nt,
		logx.Bool("telegram.enabled", nt.Enabled),
		logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		logx.String("telegram.chat_id", nt.ChatID),
	)

	osrv, ns := oldCfg.Server, newCfg.Server
	section("server", osrv != ns,
		logx.String("server.log_path", ns.LogPath),
		logx.String("server.rcon.address", ns.RCON.Address),
		logx.Bool("server.rcon.password_changed", osrv.RCON.Password != ns.RCON.Password),
	)

	section("chat", oldCfg.Chat != newCfg.Chat,
		logx.Bool("chat.enabled", newCfg.Chat.Enabled),
		logx.Bool("chat.to_game", newCfg.Chat.ToGame),
	)
	section("events", !reflect.DeepEqual(oldCfg.Events, newCfg.Events),
		logx.Bool("events.enabled", newCfg.Events.Enabled),
	)

	oc, nc := oldCfg.Console, newCfg.Console
	section("console", !reflect.DeepEqual(oc, nc),
		logx.Bool("console.enabled", nc.Enabled),
		logx.String("console.interval", strings.TrimSpace(nc.Interval)),
		logx.Int("console.ignore_count", len(nc.Ignore)),
		logx.Int("console.allow_count", len(nc.Allow)),
		logx.Int("console.operator_count", len(nc.Operators)),
	)

	nr := newCfg.Relay
	section("relay", oldCfg.Relay != nr,
		logx.String("relay.pace", nr.Pace),
		logx.String("relay.backoff_cap", nr.BackoffCap),
		logx.String("relay.attempt_timeout", nr.AttemptTimeout),
		logx.Int("relay.max_payload", nr.MaxPayload),
	)

	section("status", oldCfg.Status != newCfg.Status,
		logx.Bool("status.enabled", newCfg.Status.Enabled),
		logx.String("status.schedule", newCfg.Status.Schedule),
	)
	section("commands", oldCfg.Commands != newCfg.Commands,
		logx.String("commands.prefix", newCfg.Commands.Prefix),
		logx.Bool("commands.player_list", newCfg.Commands.PlayerList),
	)

	nl := newCfg.Logging
	section("logging", oldCfg.Logging != nl,
		logx.String("logging.level", nl.Level),
		logx.Bool("logging.debug", nl.Debug),
		logx.Bool("logging.file_enabled", nl.File.Enabled),
		logx.Bool("logging.relay_enabled", nl.Relay.Enabled),
	)

	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	section("storage", ost != nst,
		logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
		logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
	)

	oo, no := oldCfg.Ops, newCfg.Ops
	section("ops", oo != no,
		logx.Bool("ops.enabled", no.Enabled),
		logx.String("ops.addr", strings.TrimSpace(no.Addr)),
		logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
		logx.Bool("ops.pprof", no.Pprof),
	)

	sort.Strings(changed)
	return changed, attrs
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

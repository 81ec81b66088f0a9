package app

import (
	"strings"
	"time"

	"daisysrv/internal/bridge"
	"daisysrv/internal/config"
	"daisysrv/internal/console"
	"daisysrv/internal/gameserver"
	"daisysrv/internal/ops"
	"daisysrv/internal/relay"
	"daisysrv/internal/sink"
	logx "daisysrv/pkg/logx"
)

const (
	defaultBackoffCap    = 300 * time.Second
	defaultShutdownGrace = 5 * time.Second
	defaultRCONTimeout   = 5 * time.Second
	defaultAvatar        = "https://mc-heads.net/avatar/{username}/64"
	telegramMaxPayload   = 4096
)

// echoMarkers keep the console relay's own log lines out of the console
// channel when logging.relay is on.
var echoMarkers = []string{"comp=relay.console", "comp=console"}

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Debug:   l.Debug,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Relay: logx.RelayConfig{
			Enabled:    l.Relay.Enabled,
			MinLevel:   l.Relay.MinLevel,
			RatePerSec: l.Relay.RatePerSec,
		},
	}
}

func mapQueue(cfg *config.Config) relay.QueueConfig {
	return relay.QueueConfig{
		Pace:           config.DurationOr(cfg.Relay.Pace, relay.DefaultPace),
		AttemptTimeout: config.DurationOr(cfg.Relay.AttemptTimeout, relay.DefaultAttemptTimeout),
	}
}

func backoffCap(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Relay.BackoffCap, defaultBackoffCap)
}

func shutdownGrace(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Relay.ShutdownGrace, defaultShutdownGrace)
}

func mapWebhook(cfg *config.Config) sink.WebhookConfig {
	w := cfg.Discord.Webhook
	return sink.WebhookConfig{
		Enabled:    w.Enabled,
		URL:        strings.TrimSpace(w.URL),
		Username:   w.Username,
		AvatarURL:  w.AvatarURL,
		MaxPayload: cfg.Relay.MaxPayload,
	}
}

func mapDiscordChannel(cfg *config.Config, channelID string) sink.ChannelConfig {
	id := strings.TrimSpace(channelID)
	return sink.ChannelConfig{Enabled: id != "", ChannelID: id, MaxPayload: cfg.Relay.MaxPayload}
}

func mapTelegramChannel(cfg *config.Config) sink.ChannelConfig {
	if cfg.Telegram == nil {
		return sink.ChannelConfig{}
	}
	id := strings.TrimSpace(cfg.Telegram.ChatID)
	return sink.ChannelConfig{Enabled: cfg.Telegram.Enabled && id != "", ChannelID: id, MaxPayload: telegramMaxPayload}
}

// mapChatFormat picks the chat line template. A webhook already shows the
// player as the message author, so only the message is rendered.
func mapChatFormat(cfg *config.Config, webhook bool) relay.Format {
	f := relay.Format{Text: cfg.Chat.Format}
	if webhook {
		if f.Text == "" {
			f.Text = "{message}"
		}
		f.Avatar = cfg.Chat.AvatarURL
		if f.Avatar == "" {
			f.Avatar = defaultAvatar
		}
	}
	return f
}

func mapChat(cfg *config.Config) bridge.ChatConfig {
	return bridge.ChatConfig{Enabled: cfg.Chat.Enabled, RequirePrefix: cfg.Chat.RequirePrefix}
}

// mapEvents overlays the configured templates on the defaults. Unset fields
// keep their default.
func mapEvents(cfg *config.Config) bridge.EventsConfig {
	out := bridge.DefaultEventsConfig()
	e := cfg.Events
	out.Enabled = e.Enabled
	if e.UseEmbeds != nil {
		out.UseEmbeds = *e.UseEmbeds
	}
	if strings.TrimSpace(e.AvatarURL) != "" {
		out.AvatarURL = e.AvatarURL
	}
	overlay := func(dst *bridge.EventTemplate, src config.EventConfig) {
		if src.Enabled != nil {
			dst.Enabled = *src.Enabled
		}
		if strings.TrimSpace(src.Text) != "" {
			dst.Text = src.Text
		}
		if c, err := config.ParseColor(src.Color); err == nil && c >= 0 {
			dst.Color = c
		}
	}
	overlay(&out.Join, e.Join)
	overlay(&out.Leave, e.Leave)
	overlay(&out.Advancement, e.Advancement)
	overlay(&out.Goal, e.Goal)
	overlay(&out.Challenge, e.Challenge)
	overlay(&out.Start, e.Start)
	overlay(&out.Stop, e.Stop)
	return out
}

func mapConsole(cfg *config.Config) console.Config {
	c := cfg.Console
	cooldown := console.DefaultCooldown
	if strings.TrimSpace(c.Cooldown) != "" {
		// "0s" is a valid cooldown, so DurationOr's zero-means-default does not apply.
		if d, err := config.ParseDurationField("console.cooldown", c.Cooldown); err == nil {
			cooldown = d
		}
	}
	return console.Config{
		Interval:      config.DurationOr(c.Interval, console.DefaultInterval),
		Cooldown:      cooldown,
		ShutdownLines: c.ShutdownLines,
		Filter: console.FilterConfig{
			Ignore:      c.Ignore,
			Allow:       c.Allow,
			EchoMarkers: echoMarkers,
		},
	}
}

func mapInbound(cfg *config.Config) bridge.InboundConfig {
	var chat []string
	if cfg.Chat.ToGame {
		if id := strings.TrimSpace(cfg.Discord.ChatChannelID); id != "" {
			chat = append(chat, id)
		}
		if cfg.Telegram != nil && cfg.Telegram.Enabled {
			if id := strings.TrimSpace(cfg.Telegram.ChatID); id != "" {
				chat = append(chat, id)
			}
		}
	}
	var consoleChans []string
	if cfg.Console.Enabled {
		if id := strings.TrimSpace(cfg.Discord.ConsoleChannelID); id != "" {
			consoleChans = append(consoleChans, id)
		}
	}
	prefix := cfg.Chat.GamePrefix
	if prefix == "" {
		prefix = "[Discord]"
	}
	cmdPrefix := cfg.Commands.Prefix
	if cmdPrefix == "" {
		cmdPrefix = "!"
	}
	return bridge.InboundConfig{
		ChatChannels:    chat,
		ConsoleChannels: consoleChans,
		GamePrefix:      prefix,
		CommandPrefix:   cmdPrefix,
		PlayerList:      cfg.Commands.PlayerList,
		Operators:       cfg.Console.Operators,
		BlockedCommands: cfg.Console.BlockedCommands,
		CommandTimeout:  config.DurationOr(cfg.Console.CommandTimeout, 10*time.Second),
	}
}

func mapStatus(cfg *config.Config) bridge.StatusConfig {
	s := cfg.Status
	sched := strings.TrimSpace(s.Schedule)
	if sched == "" {
		sched = bridge.DefaultStatusSchedule
	}
	ch := strings.TrimSpace(cfg.Discord.StatusChannelID)
	if ch == "" {
		ch = strings.TrimSpace(cfg.Discord.ChatChannelID)
	}
	return bridge.StatusConfig{
		Enabled:   s.Enabled,
		Schedule:  sched,
		ChannelID: ch,
		Topic:     s.Topic,
		Presence:  s.Presence,
	}
}

func mapRCON(cfg *config.Config) gameserver.RCONConfig {
	r := cfg.Server.RCON
	return gameserver.RCONConfig{
		Address:  strings.TrimSpace(r.Address),
		Password: r.Password,
		Timeout:  config.DurationOr(r.Timeout, defaultRCONTimeout),
	}
}

func mapOps(cfg *config.Config) ops.Config {
	o := cfg.Ops
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   config.DurationOr(o.ReadTimeout, 10*time.Second),
		IdleTimeout:   config.DurationOr(o.IdleTimeout, 60*time.Second),
	}
}

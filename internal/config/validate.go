package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// ErrConfiguration marks missing or placeholder credentials. A relay whose
// credentials fail is disabled at startup and never retried.
var ErrConfiguration = errors.New("configuration error")

// Bounds for relay.max_payload. Discord rejects content over 2000 runes; the
// floor leaves a console batch room for its code fence and overflow marker.
const (
	MinMaxPayload = 64
	MaxMaxPayload = 2000
)

// Validate rejects malformed values. Credentials are checked separately by
// CheckCredentials because a missing token disables one relay, not the bridge.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	duration("server.rcon.timeout", cfg.Server.RCON.Timeout)
	duration("console.interval", cfg.Console.Interval)
	duration("console.cooldown", cfg.Console.Cooldown)
	duration("console.command_timeout", cfg.Console.CommandTimeout)
	duration("relay.pace", cfg.Relay.Pace)
	duration("relay.backoff_cap", cfg.Relay.BackoffCap)
	duration("relay.attempt_timeout", cfg.Relay.AttemptTimeout)
	duration("relay.shutdown_grace", cfg.Relay.ShutdownGrace)
	duration("ops.read_timeout", cfg.Ops.ReadTimeout)
	duration("ops.idle_timeout", cfg.Ops.IdleTimeout)
	if cfg.Telegram != nil {
		duration("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	}
	if cfg.Storage != nil {
		duration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	}

	if mp := cfg.Relay.MaxPayload; mp != 0 && (mp < MinMaxPayload || mp > MaxMaxPayload) {
		add(fmt.Errorf("relay.max_payload: must be 0 (default) or between %d and %d, got %d", MinMaxPayload, MaxMaxPayload, mp))
	}
	if cfg.Console.ShutdownLines < 0 {
		add(fmt.Errorf("console.shutdown_lines: must be >= 0"))
	}
	if cfg.Logging.Relay.RatePerSec < 0 {
		add(fmt.Errorf("logging.relay.rate_per_sec: must be >= 0"))
	}

	for i, p := range cfg.Console.Ignore {
		if _, err := regexp.Compile(p); err != nil {
			add(fmt.Errorf("console.ignore[%d]: %w", i, err))
		}
	}
	for i, p := range cfg.Console.Allow {
		if _, err := regexp.Compile(p); err != nil {
			add(fmt.Errorf("console.allow[%d]: %w", i, err))
		}
	}

	for name, ev := range map[string]EventConfig{
		"join": cfg.Events.Join, "leave": cfg.Events.Leave, "advancement": cfg.Events.Advancement,
		"goal": cfg.Events.Goal, "challenge": cfg.Events.Challenge, "start": cfg.Events.Start, "stop": cfg.Events.Stop,
	} {
		if _, err := ParseColor(ev.Color); err != nil {
			add(fmt.Errorf("events.%s.color: %w", name, err))
		}
	}

	if cfg.Status.Enabled && strings.TrimSpace(cfg.Status.Schedule) != "" {
		if _, err := cron.ParseStandard(cfg.Status.Schedule); err != nil {
			add(fmt.Errorf("status.schedule: %w", err))
		}
	}

	if cfg.Ops.Enabled {
		add(validateOps(cfg.Ops))
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
	}
	return errors.Join(errs...)
}

func validateOps(o OpsConfig) error {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if !IsLoopbackHost(host) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
		return fmt.Errorf("ops.addr: %q is not loopback; set ops.token or ops.allow_insecure", addr)
	}
	return nil
}

// IsLoopbackHost reports whether host only accepts local connections.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ParseColor parses "#RRGGBB" (or "RRGGBB"). Empty returns -1.
func ParseColor(s string) (int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return -1, nil
	}
	if len(s) != 6 {
		return 0, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color %q", s)
	}
	return int(v), nil
}

var placeholderRe = regexp.MustCompile(`(?i)^(your[_ -]|<.*>$|changeme|change[_-]me|xxx+|todo|replace[_-]?me|token[_-]?here|\.\.\.)`)

// IsPlaceholder reports whether v is empty or looks like a template value
// left in a sample config.
func IsPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || placeholderRe.MatchString(v)
}

func credential(path, v string) error {
	if IsPlaceholder(v) {
		return fmt.Errorf("%w: %s is missing or a placeholder", ErrConfiguration, path)
	}
	return nil
}

// CheckDiscord validates the bot session credentials.
func CheckDiscord(cfg *Config) error {
	return errors.Join(
		credential("discord.token", cfg.Discord.Token),
		credential("discord.chat_channel_id", cfg.Discord.ChatChannelID),
	)
}

// CheckWebhook validates the chat webhook url.
func CheckWebhook(cfg *Config) error {
	w := cfg.Discord.Webhook
	if err := credential("discord.webhook.url", w.URL); err != nil {
		return err
	}
	u, err := url.Parse(strings.TrimSpace(w.URL))
	if err != nil || u.Scheme != "https" || u.Host == "" || !strings.Contains(u.Path, "/webhooks/") {
		return fmt.Errorf("%w: discord.webhook.url is not a webhook url", ErrConfiguration)
	}
	return nil
}

// CheckTelegram validates the Telegram bot credentials.
func CheckTelegram(cfg *Config) error {
	if cfg.Telegram == nil {
		return fmt.Errorf("%w: telegram section missing", ErrConfiguration)
	}
	if err := errors.Join(
		credential("telegram.token", cfg.Telegram.Token),
		credential("telegram.chat_id", cfg.Telegram.ChatID),
	); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.ChatID), 10, 64); err != nil {
		return fmt.Errorf("%w: telegram.chat_id must be numeric", ErrConfiguration)
	}
	return nil
}

// CheckCredentials checks every enabled network.
func CheckCredentials(cfg *Config) error {
	errs := []error{CheckDiscord(cfg)}
	if cfg.Discord.Webhook.Enabled {
		errs = append(errs, CheckWebhook(cfg))
	}
	if cfg.Telegram != nil && cfg.Telegram.Enabled {
		errs = append(errs, CheckTelegram(cfg))
	}
	return errors.Join(errs...)
}

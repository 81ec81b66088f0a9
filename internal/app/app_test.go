package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daisysrv/internal/config"
	"daisysrv/internal/console"
	"daisysrv/internal/ops"
	"daisysrv/internal/relay"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daisysrv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const placeholderConfig = `
discord:
  token: YOUR_BOT_TOKEN
  chat_channel_id: "123"
  console_channel_id: "456"
console:
  enabled: true
  cooldown: 0s
logging:
  level: error
storage:
  driver: file
  path: %s
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(placeholderConfig, filepath.Join(dir, "audit")))
	a, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = a.logs.Close()
	})
	return a
}

func TestNewDisablesRelaysOnPlaceholderCredentials(t *testing.T) {
	a := newTestApp(t)
	require.Nil(t, a.discord)
	require.NotNil(t, a.agg)
	require.NotNil(t, a.store)

	names := make([]string, 0, len(a.outlets))
	for _, o := range a.outlets {
		names = append(names, o.relay.Name())
		assert.True(t, o.relay.Disabled(), o.relay.Name())
		assert.False(t, o.relay.Accepting(), o.relay.Name())
	}
	assert.Equal(t, []string{"chat", "events", "console"}, names)

	// Sends to a disabled relay are dropped without reaching the queue.
	a.chat.relay.SendText("Alex", "hello")
	assert.Equal(t, 0, a.chat.queue.Len())
	assert.Equal(t, uint64(0), a.chat.queue.Stats().Enqueued)
}

func TestStatusAndResetSink(t *testing.T) {
	a := newTestApp(t)

	st := a.Status(context.Background())
	require.Len(t, st.Relays, 3)
	assert.Equal(t, "discord.chat", st.Relays[0].Sink)
	assert.True(t, st.Relays[0].Disabled)
	assert.False(t, st.Relays[0].SinkReady)
	require.NotNil(t, st.Console)
	assert.Empty(t, st.Audit)

	require.NoError(t, a.ResetSink("discord.events"))
	err := a.ResetSink("nope")
	assert.ErrorIs(t, err, ops.ErrUnknownSink)
}

func TestApplyReloadedConfig(t *testing.T) {
	a := newTestApp(t)
	prev := a.cfgm.Get()

	next := *prev
	next.Relay.Pace = "1s"
	next.Console.Ignore = []string{"noise"}
	next.Server.MaxPlayers = 42
	a.apply(context.Background(), prev, &next)

	assert.Equal(t, "42", a.roster.Vars()["maxPlayers"])
	assert.Empty(t, a.ops.Addr())

	// A rejected console filter keeps the previous one.
	bad := next
	bad.Console.Ignore = []string{"("}
	a.apply(context.Background(), &next, &bad)
	assert.Equal(t, "42", a.roster.Vars()["maxPlayers"])
}

func TestMapEventsOverlaysDefaults(t *testing.T) {
	off := false
	cfg := &config.Config{}
	cfg.Events.Enabled = true
	cfg.Events.Leave.Enabled = &off
	cfg.Events.Join.Text = "{username} hopped on"
	cfg.Events.Join.Color = "#010203"

	ev := mapEvents(cfg)
	assert.True(t, ev.Enabled)
	assert.True(t, ev.UseEmbeds)
	assert.Equal(t, "{username} hopped on", ev.Join.Text)
	assert.Equal(t, 0x010203, ev.Join.Color)
	assert.False(t, ev.Leave.Enabled)
	assert.Equal(t, 0xF04747, ev.Leave.Color)
	assert.Equal(t, 0x9B59B6, ev.Challenge.Color)
}

func TestMapConsoleCooldown(t *testing.T) {
	cfg := &config.Config{}
	c := mapConsole(cfg)
	assert.Equal(t, console.DefaultCooldown, c.Cooldown)
	assert.Equal(t, console.DefaultInterval, c.Interval)
	assert.Equal(t, echoMarkers, c.Filter.EchoMarkers)

	cfg.Console.Cooldown = "0s"
	cfg.Console.Interval = "5s"
	c = mapConsole(cfg)
	assert.Equal(t, time.Duration(0), c.Cooldown)
	assert.Equal(t, 5*time.Second, c.Interval)
}

func TestMapChatFormat(t *testing.T) {
	cfg := &config.Config{}
	f := mapChatFormat(cfg, true)
	assert.Equal(t, "{message}", f.Text)
	assert.Equal(t, defaultAvatar, f.Avatar)

	f = mapChatFormat(cfg, false)
	assert.Empty(t, f.Text)
	assert.Empty(t, f.Avatar)
}

func TestMapInboundChannels(t *testing.T) {
	cfg := &config.Config{}
	cfg.Discord.ChatChannelID = "1"
	cfg.Discord.ConsoleChannelID = "2"
	cfg.Telegram = &config.TelegramConfig{Enabled: true, ChatID: "-100"}

	in := mapInbound(cfg)
	assert.Empty(t, in.ChatChannels)
	assert.Empty(t, in.ConsoleChannels)
	assert.Equal(t, "!", in.CommandPrefix)

	cfg.Chat.ToGame = true
	cfg.Console.Enabled = true
	in = mapInbound(cfg)
	assert.Equal(t, []string{"1", "-100"}, in.ChatChannels)
	assert.Equal(t, []string{"2"}, in.ConsoleChannels)
}

func TestMapStorage(t *testing.T) {
	_, enabled, err := mapStorage(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	_, _, err = mapStorage(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	assert.ErrorContains(t, err, "storage.path")

	sc, enabled, err := mapStorage(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "a.db"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)
}

func TestStopReasonFor(t *testing.T) {
	assert.Equal(t, StopSIGINT, StopReasonFor(os.Interrupt))
	assert.Equal(t, StopSIGTERM, StopReasonFor(syscall.SIGTERM))
	assert.Equal(t, StopAppStop, StopReasonFor(nil))
}

type recordingOutbound struct {
	texts []string
}

func (r *recordingOutbound) SendText(author, body string)     { r.texts = append(r.texts, author+":"+body) }
func (r *recordingOutbound) SendMarkdown(author, text string) { r.texts = append(r.texts, text) }
func (r *recordingOutbound) Globals() relay.Vars              { return relay.Vars{"maxPlayers": "20"} }

func (r *recordingOutbound) SendBatch(string, []string)                               {}
func (r *recordingOutbound) SendStructuredAs(string, string, relay.StructuredMessage) {}

func TestFanoutSendsToEveryOutbound(t *testing.T) {
	a, b := &recordingOutbound{}, &recordingOutbound{}
	f := fanout{a, b}
	f.SendText("Alex", "hi")
	f.SendMarkdown("", "**x**")
	assert.Equal(t, []string{"Alex:hi", "**x**"}, a.texts)
	assert.Equal(t, a.texts, b.texts)
	assert.Equal(t, "20", f.Globals()["maxPlayers"])
	assert.Empty(t, fanout{}.Globals())
}

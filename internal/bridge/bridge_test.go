package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"daisysrv/internal/gameserver"
	"daisysrv/internal/relay"
	"daisysrv/internal/storage"
	"daisysrv/internal/transport"
	logx "daisysrv/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	kind   string
	author string
	text   string
	avatar string
	msg    relay.StructuredMessage
	lines  []string
}

type fakeOutbound struct {
	mu      sync.Mutex
	sends   []sent
	globals relay.Vars
}

func (f *fakeOutbound) record(s sent) {
	f.mu.Lock()
	f.sends = append(f.sends, s)
	f.mu.Unlock()
}

func (f *fakeOutbound) SendText(author, body string) {
	f.record(sent{kind: "text", author: author, text: body})
}

func (f *fakeOutbound) SendMarkdown(author, text string) {
	f.record(sent{kind: "markdown", author: author, text: text})
}

func (f *fakeOutbound) SendStructuredAs(author, avatarURL string, msg relay.StructuredMessage) {
	f.record(sent{kind: "structured", author: author, avatar: avatarURL, msg: msg})
}

func (f *fakeOutbound) SendBatch(author string, lines []string) {
	f.record(sent{kind: "batch", author: author, lines: lines})
}

func (f *fakeOutbound) Globals() relay.Vars {
	out := relay.Vars{}
	for k, v := range f.globals {
		out[k] = v
	}
	return out
}

func (f *fakeOutbound) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sends...)
}

var at = time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC)

func TestEventNotifierEmbeds(t *testing.T) {
	out := &fakeOutbound{}
	n := NewEventNotifier(out, DefaultEventsConfig(), logx.Nop())

	n.Notify(gameserver.PlayerJoined{Meta: gameserver.Meta{Time: at}, Name: "Steve"})
	n.Notify(gameserver.AdvancementEarned{
		Meta:   gameserver.Meta{Time: at},
		Player: "Alex",
		Advancement: gameserver.Advancement{
			Frame:   gameserver.FrameChallenge,
			Display: gameserver.StaticDisplay{Title: "Monsters Hunted", Description: "Kill one of every hostile monster"},
		},
	})
	n.Notify(gameserver.ServerStarted{Meta: gameserver.Meta{Time: at}, StartupTime: "3.2s"})

	sends := out.all()
	require.Len(t, sends, 3)

	join := sends[0].msg
	require.NotNil(t, join.Author)
	assert.Equal(t, "Steve joined the game", join.Author.Name)
	assert.Equal(t, "https://mc-heads.net/avatar/Steve/64", join.Author.IconURL)
	assert.Equal(t, 0x43B581, join.Color)
	assert.Equal(t, at, join.Timestamp)

	adv := sends[1].msg
	assert.Equal(t, "Alex has completed the challenge Monsters Hunted", adv.Author.Name)
	assert.Equal(t, "Kill one of every hostile monster", adv.Description)
	assert.Equal(t, 0x9B59B6, adv.Color)

	start := sends[2].msg
	assert.Nil(t, start.Author)
	assert.Equal(t, "Server started", start.Title)
	assert.Equal(t, "3.2s", start.Description)
}

func TestEventNotifierTextEscapesAndUsesGlobals(t *testing.T) {
	out := &fakeOutbound{globals: relay.Vars{"playerCount": "3", "maxPlayers": "20"}}
	cfg := DefaultEventsConfig()
	cfg.UseEmbeds = false
	cfg.Join.Text = "**{username}** joined ({playerCount}/{maxPlayers})"
	n := NewEventNotifier(out, cfg, logx.Nop())

	n.Notify(gameserver.PlayerJoined{Name: "cool_guy_"})
	n.Notify(gameserver.AdvancementEarned{Player: "Steve", Advancement: gameserver.Advancement{
		Display: gameserver.StaticDisplay{Title: "Stone Age", Description: "Mine *Stone*"},
	}})

	sends := out.all()
	require.Len(t, sends, 2)
	assert.Equal(t, "markdown", sends[0].kind)
	assert.Equal(t, `**cool\_guy\_** joined (3/20)`, sends[0].text)
	assert.Equal(t, "Steve has made the advancement Stone Age\n> Mine \\*Stone\\*", sends[1].text)
}

func TestEventNotifierDisabled(t *testing.T) {
	out := &fakeOutbound{}
	cfg := DefaultEventsConfig()
	cfg.Leave.Enabled = false
	n := NewEventNotifier(out, cfg, logx.Nop())

	n.Notify(gameserver.PlayerLeft{Name: "Steve"})
	n.Notify(gameserver.ChatMessage{Player: "Steve", Text: "hi"})
	assert.Empty(t, out.all())

	cfg.Enabled = false
	cfg.Leave.Enabled = true
	n.Apply(cfg)
	n.Notify(gameserver.PlayerLeft{Name: "Steve"})
	assert.Empty(t, out.all())
}

func TestChatForwarderPrefix(t *testing.T) {
	out := &fakeOutbound{}
	c := NewChatForwarder(out, ChatConfig{Enabled: true, RequirePrefix: "!d"})

	c.Forward(gameserver.ChatMessage{Player: "Steve", Text: "not relayed"})
	c.Forward(gameserver.ChatMessage{Player: "Steve", Text: "!d hello discord"})
	c.Forward(gameserver.ChatMessage{Player: "Steve", Text: "!d   "})

	sends := out.all()
	require.Len(t, sends, 1)
	assert.Equal(t, sent{kind: "text", author: "Steve", text: "hello discord"}, sends[0])
}

type lineRecorder struct{ lines []string }

func (l *lineRecorder) HandleLine(line string) { l.lines = append(l.lines, line) }

func TestGameRoutesEvents(t *testing.T) {
	chatOut, eventsOut := &fakeOutbound{}, &fakeOutbound{}
	roster := gameserver.NewRoster(nil, 20)
	console := &lineRecorder{}
	g := &Game{
		Roster:  roster,
		Events:  NewEventNotifier(eventsOut, DefaultEventsConfig(), logx.Nop()),
		Chat:    NewChatForwarder(chatOut, ChatConfig{Enabled: true}),
		Console: console,
	}

	g.HandleLine("[12:00:00 INFO]: Steve joined the game")
	g.HandleEvent(gameserver.PlayerJoined{Name: "Steve"})
	g.HandleEvent(gameserver.ChatMessage{Player: "Steve", Text: "hi"})

	assert.Equal(t, []string{"[12:00:00 INFO]: Steve joined the game"}, console.lines)
	assert.Len(t, eventsOut.all(), 1)
	assert.Len(t, chatOut.all(), 1)
	assert.Equal(t, []string{"Steve"}, roster.Snapshot().Names)

	var empty Game
	empty.HandleEvent(gameserver.PlayerLeft{Name: "Steve"})
	empty.HandleLine("ignored")
}

type fakeGame struct {
	mu         sync.Mutex
	broadcasts []string
	commands   []string
	output     string
	err        error
}

func (g *fakeGame) Execute(ctx context.Context, command string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commands = append(g.commands, command)
	return g.output, g.err
}

func (g *fakeGame) Broadcast(ctx context.Context, prefix, author, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcasts = append(g.broadcasts, prefix+"|"+author+"|"+text)
	return g.err
}

type fakePlayers struct {
	players gameserver.Players
	err     error
}

func (p *fakePlayers) Refresh(ctx context.Context) (gameserver.Players, error) {
	if p.err != nil {
		return gameserver.Players{}, p.err
	}
	return p.players, nil
}

func (p *fakePlayers) Snapshot() gameserver.Players { return gameserver.Players{Online: 1, Max: 20, Names: []string{"Tracked"}} }

type fakeAudit struct{ entries []storage.AuditEntry }

func (a *fakeAudit) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

func newTestInbound(game *fakeGame, players *fakePlayers) (*Inbound, *fakeOutbound, *fakeOutbound, *fakeAudit) {
	chat, console, audit := &fakeOutbound{}, &fakeOutbound{}, &fakeAudit{}
	in := NewInbound(InboundDeps{Game: game, Players: players, Chat: chat, Console: console, Audit: audit}, InboundConfig{
		ChatChannels:    []string{"chat"},
		ConsoleChannels: []string{"console"},
		GamePrefix:      "[Discord]",
		CommandPrefix:   "!",
		PlayerList:      true,
		Operators:       []string{"op1"},
		BlockedCommands: []string{"stop", "/op"},
	}, logx.Nop())
	return in, chat, console, audit
}

func TestInboundChatToGame(t *testing.T) {
	game := &fakeGame{}
	in, chat, _, _ := newTestInbound(game, &fakePlayers{})
	ctx := context.Background()

	in.Handle(ctx, transport.Inbound{Network: "discord", ChannelID: "chat", AuthorName: "alex", Text: "hello"})
	in.Handle(ctx, transport.Inbound{Network: "discord", ChannelID: "chat", AuthorName: "bot", Text: "echo", IsBot: true})
	in.Handle(ctx, transport.Inbound{Network: "discord", ChannelID: "elsewhere", AuthorName: "alex", Text: "hi"})
	in.Handle(ctx, transport.Inbound{Network: "discord", ChannelID: "chat", AuthorName: "alex", Text: "!unknown thing"})

	assert.Equal(t, []string{"[Discord]|alex|hello", "[Discord]|alex|!unknown thing"}, game.broadcasts)
	assert.Empty(t, chat.all())
}

func TestInboundPlayerListCommand(t *testing.T) {
	players := &fakePlayers{players: gameserver.Players{Online: 2, Max: 20, Names: []string{"Alex", "Steve"}}}
	game := &fakeGame{}
	in, chat, _, _ := newTestInbound(game, players)

	in.Handle(context.Background(), transport.Inbound{ChannelID: "chat", Text: "!PlayerList"})
	players.err = errors.New("rcon down")
	in.Handle(context.Background(), transport.Inbound{ChannelID: "chat", Text: "!list"})

	sends := chat.all()
	require.Len(t, sends, 2)
	assert.Equal(t, []string{"Online players (2/20):", "Alex", "Steve"}, sends[0].lines)
	assert.Equal(t, []string{"Online players (1/20):", "Tracked"}, sends[1].lines)
	assert.Empty(t, game.broadcasts)
}

func TestPlayerListLinesEmpty(t *testing.T) {
	assert.Equal(t, []string{"No players online (0/?)"}, PlayerListLines(gameserver.Players{}))
}

func TestInboundConsoleCommands(t *testing.T) {
	game := &fakeGame{output: "§aThere are 0 of a max of 20 players online:\n"}
	in, _, console, audit := newTestInbound(game, &fakePlayers{})
	ctx := context.Background()

	in.Handle(ctx, transport.Inbound{Network: "discord", ChannelID: "console", AuthorID: "stranger", Text: "op stranger"})
	assert.Empty(t, game.commands)
	assert.Empty(t, audit.entries)

	in.Handle(ctx, transport.Inbound{Network: "discord", ChannelID: "console", AuthorID: "op1", AuthorName: "Op", Text: "/list"})
	in.Handle(ctx, transport.Inbound{Network: "discord", ChannelID: "console", AuthorID: "op1", Text: "minecraft:stop"})
	in.Handle(ctx, transport.Inbound{Network: "discord", ChannelID: "console", AuthorID: "op1", Text: "OP Alex"})

	assert.Equal(t, []string{"list"}, game.commands)

	replies := console.all()
	require.Len(t, replies, 3)
	assert.Equal(t, []string{"There are 0 of a max of 20 players online:"}, replies[0].lines)
	assert.Equal(t, []string{"Command blocked: stop"}, replies[1].lines)
	assert.Equal(t, []string{"Command blocked: op"}, replies[2].lines)

	require.Len(t, audit.entries, 3)
	assert.True(t, audit.entries[0].Allowed)
	assert.Equal(t, "list", audit.entries[0].Command)
	assert.Equal(t, "Op", audit.entries[0].ActorName)
	assert.Equal(t, "There are 0 of a max of 20 players online:", audit.entries[0].Output)
	assert.False(t, audit.entries[1].Allowed)
	assert.Equal(t, "blocked", audit.entries[1].Error)
}

func TestInboundConsoleCommandError(t *testing.T) {
	game := &fakeGame{err: gameserver.ErrNotConnected}
	in, _, console, audit := newTestInbound(game, &fakePlayers{})

	in.Handle(context.Background(), transport.Inbound{ChannelID: "console", AuthorID: "op1", Text: "say hi"})
	require.Len(t, console.all(), 1)
	assert.Equal(t, []string{"Command failed: rcon not configured"}, console.all()[0].lines)
	require.Len(t, audit.entries, 1)
	assert.True(t, audit.entries[0].Allowed)
	assert.Equal(t, "rcon not configured", audit.entries[0].Error)
}

func TestInboundRunStopsOnClose(t *testing.T) {
	game := &fakeGame{}
	in, _, _, _ := newTestInbound(game, &fakePlayers{})
	ch := make(chan transport.Inbound, 1)
	ch <- transport.Inbound{ChannelID: "chat", AuthorName: "a", Text: "b"}
	close(ch)
	require.NoError(t, in.Run(context.Background(), ch))
	assert.Len(t, game.broadcasts, 1)
}

type fakeSetter struct {
	mu        sync.Mutex
	topics    []string
	presences []string
	err       error
}

func (s *fakeSetter) SetTopic(ctx context.Context, channelID, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, channelID+":"+topic)
	return s.err
}

func (s *fakeSetter) SetPresence(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presences = append(s.presences, text)
	return s.err
}

func TestStatusUpdaterSkipsUnchanged(t *testing.T) {
	players := &fakePlayers{players: gameserver.Players{Online: 2, Max: 20}}
	setter := &fakeSetter{}
	u := NewStatusUpdater(players, setter, setter, logx.Nop())
	require.NoError(t, u.Apply(StatusConfig{
		Enabled:   true,
		ChannelID: "chat",
		Topic:     "{playerCount}/{maxPlayers} online",
		Presence:  "with {playerCount} players",
	}))

	ctx := context.Background()
	u.Update(ctx)
	u.Update(ctx)
	players.players.Online = 3
	u.Update(ctx)

	assert.Equal(t, []string{"chat:2/20 online", "chat:3/20 online"}, setter.topics)
	assert.Equal(t, []string{"with 2 players", "with 3 players"}, setter.presences)
}

func TestStatusUpdaterRetriesAfterError(t *testing.T) {
	players := &fakePlayers{players: gameserver.Players{Online: 1, Max: 5}}
	setter := &fakeSetter{err: errors.New("429")}
	u := NewStatusUpdater(players, setter, nil, logx.Nop())
	require.NoError(t, u.Apply(StatusConfig{Enabled: true, ChannelID: "c", Topic: "{playerCount}"}))

	u.Update(context.Background())
	setter.err = nil
	u.Update(context.Background())
	assert.Equal(t, []string{"c:1", "c:1"}, setter.topics)
}

func TestStatusUpdaterSchedule(t *testing.T) {
	u := NewStatusUpdater(&fakePlayers{}, nil, nil, logx.Nop())
	assert.Error(t, u.Apply(StatusConfig{Schedule: "every so often"}))

	require.NoError(t, u.Apply(StatusConfig{Enabled: true, Schedule: "*/5 * * * *"}))
	u.Start()
	require.NoError(t, u.Apply(StatusConfig{Enabled: true, Schedule: "@every 1h"}))
	u.Stop()
	u.Stop()
}

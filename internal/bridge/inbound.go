package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"daisysrv/internal/gameserver"
	"daisysrv/internal/storage"
	"daisysrv/internal/transport"
	logx "daisysrv/pkg/logx"
)

// Commander is the game console; *gameserver.RCON implements it.
type Commander interface {
	Execute(ctx context.Context, command string) (string, error)
	Broadcast(ctx context.Context, prefix, author, text string) error
}

// PlayerSource answers "who is online"; *gameserver.Roster implements it.
type PlayerSource interface {
	Refresh(ctx context.Context) (gameserver.Players, error)
	Snapshot() gameserver.Players
}

type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type InboundConfig struct {
	// ChatChannels relay into the game as chat.
	ChatChannels []string
	// ConsoleChannels run operator messages as console commands.
	ConsoleChannels []string
	// GamePrefix is shown in front of relayed chat, e.g. "[Discord]".
	GamePrefix string
	// CommandPrefix starts bot commands in chat channels, e.g. "!".
	CommandPrefix   string
	PlayerList      bool
	Operators       []string
	BlockedCommands []string
	CommandTimeout  time.Duration
}

const maxAuditOutput = 1000

// Inbound handles messages read from chat-network sessions.
type Inbound struct {
	log     logx.Logger
	game    Commander
	players PlayerSource
	chat    Outbound
	console Outbound
	audit   AuditSink

	cfg atomic.Pointer[InboundConfig]
}

type InboundDeps struct {
	Game    Commander
	Players PlayerSource
	// Chat receives command replies in chat channels.
	Chat Outbound
	// Console receives console command output.
	Console Outbound
	Audit   AuditSink
}

func NewInbound(deps InboundDeps, cfg InboundConfig, log logx.Logger) *Inbound {
	if log.IsZero() {
		log = logx.Nop()
	}
	in := &Inbound{
		log:     log,
		game:    deps.Game,
		players: deps.Players,
		chat:    deps.Chat,
		console: deps.Console,
		audit:   deps.Audit,
	}
	in.Apply(cfg)
	return in
}

func (in *Inbound) Apply(cfg InboundConfig) {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	in.cfg.Store(&cfg)
}

// Run handles messages until ctx is done or ch is closed.
func (in *Inbound) Run(ctx context.Context, ch <-chan transport.Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			in.Handle(ctx, m)
		}
	}
}

func (in *Inbound) Handle(ctx context.Context, m transport.Inbound) {
	if m.IsBot || strings.TrimSpace(m.Text) == "" {
		return
	}
	cfg := in.cfg.Load()
	switch {
	case slices.Contains(cfg.ConsoleChannels, m.ChannelID):
		in.runConsole(ctx, cfg, m)
	case slices.Contains(cfg.ChatChannels, m.ChannelID):
		if in.runChatCommand(ctx, cfg, m) {
			return
		}
		in.toGame(ctx, cfg, m)
	}
}

func (in *Inbound) toGame(ctx context.Context, cfg *InboundConfig, m transport.Inbound) {
	if in.game == nil {
		return
	}
	err := in.game.Broadcast(ctx, cfg.GamePrefix, m.AuthorName, m.Text)
	switch {
	case err == nil:
	case errors.Is(err, gameserver.ErrNotConnected):
		in.log.Debug("chat not relayed to game, rcon not configured")
	default:
		in.log.Warn("chat relay to game failed", logx.String("network", m.Network), logx.Err(err))
	}
}

var chatCommands = map[string]func(*Inbound, context.Context) []string{
	"list":       (*Inbound).playerList,
	"playerlist": (*Inbound).playerList,
	"online":     (*Inbound).playerList,
}

// runChatCommand reports whether m was a bot command.
func (in *Inbound) runChatCommand(ctx context.Context, cfg *InboundConfig, m transport.Inbound) bool {
	prefix := cfg.CommandPrefix
	text := strings.TrimSpace(m.Text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(fields[0])
	run, ok := chatCommands[name]
	if !ok || !cfg.PlayerList || in.chat == nil {
		return false
	}
	if lines := run(in, ctx); len(lines) > 0 {
		in.chat.SendBatch("", lines)
	}
	return true
}

func (in *Inbound) playerList(ctx context.Context) []string {
	if in.players == nil {
		return nil
	}
	p, err := in.players.Refresh(ctx)
	if err != nil {
		if !errors.Is(err, gameserver.ErrNotConnected) {
			in.log.Debug("player list refresh failed, using tracked roster", logx.Err(err))
		}
		p = in.players.Snapshot()
	}
	return PlayerListLines(p)
}

// PlayerListLines renders the reply to a player list command.
func PlayerListLines(p gameserver.Players) []string {
	max := "?"
	if p.Max > 0 {
		max = fmt.Sprint(p.Max)
	}
	if len(p.Names) == 0 {
		return []string{fmt.Sprintf("No players online (0/%s)", max)}
	}
	lines := []string{fmt.Sprintf("Online players (%d/%s):", len(p.Names), max)}
	return append(lines, p.Names...)
}

func (in *Inbound) runConsole(ctx context.Context, cfg *InboundConfig, m transport.Inbound) {
	if !slices.Contains(cfg.Operators, m.AuthorID) {
		in.log.Warn("console command from non-operator ignored",
			logx.String("network", m.Network), logx.String("author_id", m.AuthorID))
		return
	}
	cmd := strings.TrimPrefix(strings.TrimSpace(m.Text), "/")
	entry := storage.AuditEntry{
		At:        time.Now(),
		Network:   m.Network,
		ChannelID: m.ChannelID,
		ActorID:   m.AuthorID,
		ActorName: m.AuthorName,
		Command:   cmd,
	}

	var reply []string
	start := time.Now()
	if name, blocked := isBlocked(cfg.BlockedCommands, cmd); blocked {
		entry.Error = "blocked"
		reply = []string{"Command blocked: " + name}
		in.log.Warn("blocked console command", logx.String("author_id", m.AuthorID), logx.String("command", name))
	} else if in.game == nil {
		entry.Error = gameserver.ErrNotConnected.Error()
		reply = []string{"Console unavailable: " + entry.Error}
	} else {
		entry.Allowed = true
		cctx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
		out, err := in.game.Execute(cctx, cmd)
		cancel()
		if err != nil {
			entry.Error = err.Error()
			reply = []string{"Command failed: " + err.Error()}
		} else {
			out = strings.TrimSpace(gameserver.StripColors(out))
			entry.Output = truncateOutput(out)
			reply = outputLines(out)
		}
		in.log.Info("console command relayed", logx.String("author_id", m.AuthorID),
			logx.String("command", cmd), logx.Bool("ok", err == nil))
	}
	entry.TookMS = time.Since(start).Milliseconds()

	if in.console != nil {
		in.console.SendBatch("", reply)
	}
	if in.audit != nil {
		if err := in.audit.AppendAudit(ctx, entry); err != nil {
			in.log.Warn("audit append failed", logx.Err(err))
		}
	}
}

// isBlocked matches the command name case-insensitively, ignoring a
// "minecraft:" style namespace.
func isBlocked(blocked []string, cmd string) (string, bool) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", false
	}
	name := strings.ToLower(fields[0])
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	for _, b := range blocked {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(b, "/")), name) {
			return name, true
		}
	}
	return name, false
}

func outputLines(out string) []string {
	if out == "" {
		return []string{"(no output)"}
	}
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimRight(l, "\r "); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func truncateOutput(s string) string {
	if r := []rune(s); len(r) > maxAuditOutput {
		return string(r[:maxAuditOutput]) + "…"
	}
	return s
}

package bridge

import (
	"strings"
	"sync/atomic"

	"daisysrv/internal/gameserver"
)

type ChatConfig struct {
	Enabled bool
	// RequirePrefix, when set, relays only messages starting with it. The
	// prefix is removed before relaying.
	RequirePrefix string
}

// ChatForwarder relays in-game chat to the chat relay.
type ChatForwarder struct {
	out Outbound
	cfg atomic.Pointer[ChatConfig]
}

func NewChatForwarder(out Outbound, cfg ChatConfig) *ChatForwarder {
	c := &ChatForwarder{out: out}
	c.Apply(cfg)
	return c
}

func (c *ChatForwarder) Apply(cfg ChatConfig) { c.cfg.Store(&cfg) }

func (c *ChatForwarder) Forward(m gameserver.ChatMessage) {
	cfg := c.cfg.Load()
	if !cfg.Enabled {
		return
	}
	text := m.Text
	if p := cfg.RequirePrefix; p != "" {
		if !strings.HasPrefix(text, p) {
			return
		}
		text = strings.TrimSpace(strings.TrimPrefix(text, p))
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	c.out.SendText(m.Player, text)
}

// LineSink receives raw console lines.
type LineSink interface {
	HandleLine(line string)
}

// Game routes what the server log source reads. It implements
// gameserver.Handler.
type Game struct {
	Roster  *gameserver.Roster
	Events  *EventNotifier
	Chat    *ChatForwarder
	Console LineSink
}

func (g *Game) HandleEvent(e gameserver.Event) {
	if g.Roster != nil {
		g.Roster.Observe(e)
	}
	if m, ok := e.(gameserver.ChatMessage); ok {
		if g.Chat != nil {
			g.Chat.Forward(m)
		}
		return
	}
	if g.Events != nil {
		g.Events.Notify(e)
	}
}

func (g *Game) HandleLine(line string) {
	if g.Console != nil {
		g.Console.HandleLine(line)
	}
}

// Package bridge turns game events into relay sends and chat-network
// messages into game commands.
package bridge

import (
	"strings"
	"sync/atomic"

	"daisysrv/internal/gameserver"
	"daisysrv/internal/relay"
	"daisysrv/internal/sink/markdown"
	logx "daisysrv/pkg/logx"
)

// Outbound is the relay API producers use; *relay.Relay implements it.
type Outbound interface {
	SendText(author, body string)
	SendMarkdown(author, text string)
	SendStructuredAs(author, avatarURL string, msg relay.StructuredMessage)
	SendBatch(author string, lines []string)
	Globals() relay.Vars
}

// EventTemplate renders one event kind.
type EventTemplate struct {
	Enabled bool
	Text    string
	Color   int
}

type EventsConfig struct {
	Enabled   bool
	UseEmbeds bool
	// AvatarURL is the embed icon template; placeholder {username}.
	AvatarURL string

	Join        EventTemplate
	Leave       EventTemplate
	Advancement EventTemplate
	Goal        EventTemplate
	Challenge   EventTemplate
	Start       EventTemplate
	Stop        EventTemplate
}

func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		Enabled:     true,
		UseEmbeds:   true,
		AvatarURL:   "https://mc-heads.net/avatar/{username}/64",
		Join:        EventTemplate{Enabled: true, Text: "{username} joined the game", Color: 0x43B581},
		Leave:       EventTemplate{Enabled: true, Text: "{username} left the game", Color: 0xF04747},
		Advancement: EventTemplate{Enabled: true, Text: "{username} has made the advancement {title}", Color: 0xFAA61A},
		Goal:        EventTemplate{Enabled: true, Text: "{username} has reached the goal {title}", Color: 0x3498DB},
		Challenge:   EventTemplate{Enabled: true, Text: "{username} has completed the challenge {title}", Color: 0x9B59B6},
		Start:       EventTemplate{Enabled: true, Text: "Server started", Color: 0x43B581},
		Stop:        EventTemplate{Enabled: true, Text: "Server stopping", Color: 0xF04747},
	}
}

// EventNotifier posts join, leave, advancement and lifecycle events.
type EventNotifier struct {
	out Outbound
	log logx.Logger
	cfg atomic.Pointer[EventsConfig]
}

func NewEventNotifier(out Outbound, cfg EventsConfig, log logx.Logger) *EventNotifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &EventNotifier{out: out, log: log}
	n.Apply(cfg)
	return n
}

func (n *EventNotifier) Apply(cfg EventsConfig) { n.cfg.Store(&cfg) }

func (n *EventNotifier) Notify(e gameserver.Event) {
	cfg := n.cfg.Load()
	if !cfg.Enabled || e == nil {
		return
	}

	var (
		tpl    EventTemplate
		player string
		title  string
		desc   string
	)
	switch ev := e.(type) {
	case gameserver.PlayerJoined:
		tpl, player = cfg.Join, ev.Name
	case gameserver.PlayerLeft:
		tpl, player = cfg.Leave, ev.Name
	case gameserver.AdvancementEarned:
		player, title, desc = ev.Player, ev.Advancement.Title(), ev.Advancement.Description()
		switch ev.Advancement.Frame {
		case gameserver.FrameGoal:
			tpl = cfg.Goal
		case gameserver.FrameChallenge:
			tpl = cfg.Challenge
		default:
			tpl = cfg.Advancement
		}
	case gameserver.ServerStarted:
		tpl, desc = cfg.Start, ev.StartupTime
	case gameserver.ServerStopping:
		tpl = cfg.Stop
	default:
		return
	}
	if !tpl.Enabled || strings.TrimSpace(tpl.Text) == "" {
		return
	}

	vars := n.out.Globals()
	vars["username"] = player
	vars["title"] = title
	vars["description"] = desc

	if cfg.UseEmbeds {
		line := relay.Render(tpl.Text, vars)
		msg := relay.StructuredMessage{Color: tpl.Color, Timestamp: e.At(), Description: desc}
		if player != "" {
			msg.Author = &relay.EmbedAuthor{
				Name:    line,
				IconURL: relay.Render(cfg.AvatarURL, relay.Vars{"username": player}),
			}
		} else {
			msg.Title = line
		}
		n.out.SendStructuredAs("", "", msg)
		return
	}

	for _, k := range []string{"username", "title", "description"} {
		vars[k] = markdown.Escape(vars[k])
	}
	text := relay.Render(tpl.Text, vars)
	if desc != "" && !strings.Contains(tpl.Text, "{description}") {
		text += "\n> " + vars["description"]
	}
	n.out.SendMarkdown("", text)
	n.log.Trace("event relayed", logx.String("kind", e.Kind()))
}

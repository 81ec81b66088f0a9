// Package discord is the transport.Session over a discordgo gateway connection.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"daisysrv/internal/relay"
	rtsup "daisysrv/internal/runtime/supervisor"
	kit "daisysrv/internal/transport"
	logx "daisysrv/pkg/logx"

	"github.com/bwmarrin/discordgo"
)

type Config struct {
	Token string
}

type Session struct {
	log logx.Logger
	dg  *discordgo.Session

	connected atomic.Bool
	selfID    atomic.Value // string
	out       atomic.Value // chan<- kit.Inbound
	dropped   atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	token = strings.TrimPrefix(token, "Bot ")
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	// 429s surface as errors so the relay governor sees them.
	dg.ShouldRetryOnRateLimit = false
	dg.ShouldReconnectOnError = true

	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{log: log, dg: dg}
	var nilOut chan<- kit.Inbound
	s.out.Store(nilOut)
	s.selfID.Store("")
	s.registerHandlers()
	return s, nil
}

func (s *Session) Name() string    { return "discord" }
func (s *Session) Connected() bool { return s.connected.Load() }

func (s *Session) registerHandlers() {
	s.dg.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			s.selfID.Store(r.User.ID)
			s.log.Info("discord connected", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
		}
		s.connected.Store(true)
	})
	s.dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		s.connected.Store(true)
		s.log.Info("discord session resumed")
	})
	s.dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		if s.connected.Swap(false) {
			s.log.Warn("discord gateway disconnected")
		}
	})
	s.dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if in, ok := s.toInbound(m); ok {
			s.deliver(in)
		}
	})
}

func (s *Session) toInbound(m *discordgo.MessageCreate) (kit.Inbound, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return kit.Inbound{}, false
	}
	if self, _ := s.selfID.Load().(string); self != "" && m.Author.ID == self {
		return kit.Inbound{}, false
	}
	name := m.Author.Username
	if m.Author.GlobalName != "" {
		name = m.Author.GlobalName
	}
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return kit.Inbound{
		Network:    "discord",
		ChannelID:  m.ChannelID,
		MessageID:  m.ID,
		AuthorID:   m.Author.ID,
		AuthorName: name,
		Text:       m.Content,
		IsBot:      m.Author.Bot || m.WebhookID != "",
		Received:   ts,
	}, true
}

func (s *Session) deliver(in kit.Inbound) {
	out, _ := s.out.Load().(chan<- kit.Inbound)
	if out == nil {
		return
	}
	select {
	case out <- in:
	default:
		s.dropped.Add(1)
	}
}

func (s *Session) Start(ctx context.Context, out chan<- kit.Inbound) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	s.out.Store(out)
	if err := s.dg.Open(); err != nil {
		var nilOut chan<- kit.Inbound
		s.out.Store(nilOut)
		return fmt.Errorf("discord open: %w", err)
	}
	s.running = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "discord.session"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go0("inbound.drop_report", func(c context.Context) {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := s.dropped.Swap(0); n > 0 {
					s.log.Warn("inbound discord messages dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})
	return nil
}

func (s *Session) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	was := s.running
	s.running = false
	var nilOut chan<- kit.Inbound
	s.out.Store(nilOut)
	s.runMu.Unlock()

	if !was {
		return nil
	}
	s.connected.Store(false)
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	return s.dg.Close()
}

// Send posts p to channelID. Rate limits and REST failures come back as *kit.StatusError.
func (s *Session) Send(ctx context.Context, channelID string, p relay.Payload) error {
	ms := &discordgo.MessageSend{
		Content:         p.Text,
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	for _, e := range p.Embeds {
		ms.Embeds = append(ms.Embeds, toEmbed(e))
	}
	if ms.Content == "" && len(ms.Embeds) == 0 {
		return nil
	}
	_, err := s.dg.ChannelMessageSendComplex(channelID, ms, discordgo.WithContext(ctx))
	return mapError(err)
}

func (s *Session) SetTopic(ctx context.Context, channelID, topic string) error {
	_, err := s.dg.ChannelEdit(channelID, &discordgo.ChannelEdit{Topic: topic}, discordgo.WithContext(ctx))
	return mapError(err)
}

func (s *Session) SetPresence(ctx context.Context, text string) error {
	if !s.Connected() {
		return errors.New("discord not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.dg.UpdateGameStatus(0, text)
}

func toEmbed(e relay.StructuredMessage) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Color:       e.Color,
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	if e.Author != nil {
		out.Author = &discordgo.MessageEmbedAuthor{Name: e.Author.Name, URL: e.Author.URL, IconURL: e.Author.IconURL}
	}
	if e.Footer != nil {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer.Text, IconURL: e.Footer.IconURL}
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		se := &kit.StatusError{Code: 429, Err: err}
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			se.RetryAfter = rl.RetryAfter
		}
		return se
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		return &kit.StatusError{Code: re.Response.StatusCode, Body: strings.TrimSpace(string(re.ResponseBody)), Err: err}
	}
	return err
}

// Package telegram is the transport.Session over the Telegram Bot API
// (telebot long polling). Discord-flavoured payloads are rendered as HTML.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"daisysrv/internal/relay"
	rtsup "daisysrv/internal/runtime/supervisor"
	kit "daisysrv/internal/transport"
	logx "daisysrv/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Session struct {
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- kit.Inbound
	dropped atomic.Uint64
	live    atomic.Bool

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{log: log, bot: b}
	var nilOut chan<- kit.Inbound
	s.out.Store(nilOut)

	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.Sender == nil {
			return nil
		}
		s.deliver(kit.Inbound{
			Network:    "telegram",
			ChannelID:  strconv.FormatInt(m.Chat.ID, 10),
			MessageID:  strconv.Itoa(m.ID),
			AuthorID:   strconv.FormatInt(m.Sender.ID, 10),
			AuthorName: displayName(m.Sender),
			Text:       m.Text,
			IsBot:      m.Sender.IsBot,
			Received:   m.Time(),
		})
		return nil
	})
	return s, nil
}

func displayName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (s *Session) Name() string { return "telegram" }

// Connected reports whether polling is running. Telegram has no persistent
// connection, so a running poller is the closest signal.
func (s *Session) Connected() bool { return s.live.Load() }

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
	if s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = true
	s.out.Store(out)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "telegram.session"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.runMu.Unlock()

	sup.Go0("inbound.drop_report", func(c context.Context) {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := s.dropped.Swap(0); n > 0 {
					s.log.Warn("inbound telegram messages dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.live.Store(false)
		s.bot.Stop()
	})
	// bot.Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.live.Store(true)
		s.log.Info("telegram polling started")
		s.bot.Start()
		s.live.Store(false)
		s.log.Info("telegram polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
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

	if !was || sup == nil {
		return nil
	}
	sup.Cancel()
	go s.bot.Stop()

	// Keep shutdown snappy even if a long poll is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (s *Session) Send(ctx context.Context, channelID string, p relay.Payload) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(channelID), 10, 64)
	if err != nil {
		return &kit.StatusError{Code: 404, Body: "invalid chat id " + channelID, Err: err}
	}
	text := RenderHTML(p)
	if text == "" {
		return nil
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, chunk, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}); err != nil {
			return mapError(err)
		}
	}
	return nil
}

var trailingCode = regexp.MustCompile(`\((\d{3})\)$`)

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.StatusError{Code: 429, RetryAfter: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code > 0 {
		return &kit.StatusError{Code: te.Code, Body: te.Description, Err: err}
	}
	// Unknown API errors arrive as "telegram: <description> (<code>)".
	if m := trailingCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return &kit.StatusError{Code: code, Body: err.Error(), Err: err}
	}
	return fmt.Errorf("telegram send: %w", err)
}

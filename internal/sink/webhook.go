package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"daisysrv/internal/eventbus"
	"daisysrv/internal/relay"
	logx "daisysrv/pkg/logx"
)

// ErrWebhookGone means the remote answered 404 for the webhook url.
var ErrWebhookGone = errors.New("webhook not found")

const defaultRetryAfter = 5 * time.Second

type WebhookConfig struct {
	Enabled    bool
	URL        string
	Username   string
	AvatarURL  string
	MaxPayload int
}

// WebhookSink posts each payload as an independent Discord webhook request
// with its own display name and avatar.
type WebhookSink struct {
	name   string
	log    logx.Logger
	bus    eventbus.Bus
	client *http.Client

	cfg      atomic.Pointer[WebhookConfig]
	disabled atomic.Bool
}

type WebhookOption func(*WebhookSink)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		if c != nil {
			s.client = c
		}
	}
}

func WithBus(b eventbus.Bus) WebhookOption {
	return func(s *WebhookSink) { s.bus = b }
}

// NewHTTPClient returns a client with 10s connect, TLS and response header
// timeouts and a 30s overall cap.
func NewHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second
	tr.MaxIdleConnsPerHost = 2
	return &http.Client{Transport: tr, Timeout: 30 * time.Second}
}

func NewWebhook(name string, cfg WebhookConfig, log logx.Logger, opts ...WebhookOption) *WebhookSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &WebhookSink{name: name, log: log}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		s.client = NewHTTPClient()
	}
	c := cfg
	s.cfg.Store(&c)
	return s
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Ready() bool {
	c := s.cfg.Load()
	return c.Enabled && strings.TrimSpace(c.URL) != "" && !s.disabled.Load()
}

func (s *WebhookSink) Disabled() bool { return s.disabled.Load() }

func (s *WebhookSink) MaxPayload() int {
	if n := s.cfg.Load().MaxPayload; n > 0 {
		return n
	}
	return DefaultMaxPayload
}

// Apply swaps the config. A changed url counts as reconfiguration and
// re-enables a sink that disabled itself.
func (s *WebhookSink) Apply(cfg WebhookConfig) {
	c := cfg
	old := s.cfg.Swap(&c)
	if old == nil || old.URL != c.URL {
		s.Reset()
	}
}

// Reset re-enables a disabled sink.
func (s *WebhookSink) Reset() {
	if s.disabled.CompareAndSwap(true, false) {
		s.log.Info("webhook sink re-enabled", logx.String("sink", s.name))
		s.publish(eventbus.TypeSinkReset, nil)
	}
}

func (s *WebhookSink) disable(reason string) {
	if s.disabled.CompareAndSwap(false, true) {
		s.log.Error("webhook sink disabled until reconfigured", logx.String("sink", s.name), logx.String("reason", reason))
		s.publish(eventbus.TypeSinkDisabled, map[string]any{"reason": reason})
	}
}

func (s *WebhookSink) publish(typ string, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Source: s.name, Data: data})
	}
}

func (s *WebhookSink) Attempt(ctx context.Context, p relay.Payload) (out relay.Outcome) {
	if s.disabled.Load() {
		return relay.Fatal("disabled", relay.ErrSinkDisabled)
	}
	defer func() {
		if r := recover(); r != nil {
			out = relay.Retryable("panic", fmt.Errorf("panic: %v", r))
		}
	}()

	cfg := s.cfg.Load()
	body, err := json.Marshal(buildWebhookMessage(cfg, Prepare(p, s.MaxPayload())))
	if err != nil {
		return relay.Fatal("encode", err)
	}

	endpoint, err := withWait(cfg.URL)
	if err != nil {
		s.disable("invalid url")
		return relay.Fatal("invalid url", fmt.Errorf("%w: %v", relay.ErrSinkDisabled, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return relay.Retryable("request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "daisysrv (https://github.com/daisysrv/daisysrv, 1)")

	resp, err := s.client.Do(req)
	if err != nil {
		return relay.Retryable("transport", err)
	}
	defer resp.Body.Close()
	return s.classify(resp)
}

func (s *WebhookSink) classify(resp *http.Response) relay.Outcome {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return relay.OK()

	case code == http.StatusTooManyRequests:
		return relay.Limited(retryAfter(resp), "429")

	case code == http.StatusNotFound:
		s.disable("404")
		return relay.Fatal("404", fmt.Errorf("%w: %w", relay.ErrSinkDisabled, ErrWebhookGone))

	case code == http.StatusBadRequest:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		s.log.Warn("webhook rejected payload", logx.String("sink", s.name), logx.String("body", strings.TrimSpace(string(b))))
		return relay.Retryable("400", fmt.Errorf("bad request: %s", strings.TrimSpace(string(b))))

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return relay.Retryable(strconv.Itoa(code), fmt.Errorf("http status %d", code))
	}
}

// retryAfter reads the Retry-After header (seconds), falling back to the JSON
// retry_after field Discord puts in 429 bodies.
func retryAfter(resp *http.Response) time.Duration {
	if d, ok := parseSeconds(resp.Header.Get("Retry-After")); ok {
		return d
	}
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<10)).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	return defaultRetryAfter
}

func parseSeconds(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func withWait(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Wire format.

type webhookMessage struct {
	Content         string          `json:"content,omitempty"`
	Username        string          `json:"username,omitempty"`
	AvatarURL       string          `json:"avatar_url,omitempty"`
	Embeds          []webhookEmbed  `json:"embeds,omitempty"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

type webhookEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Author      *embedAuthor `json:"author,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
}

type embedAuthor struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type embedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func buildWebhookMessage(cfg *WebhookConfig, p relay.Payload) webhookMessage {
	m := webhookMessage{
		Content:         p.Text,
		Username:        firstNonEmpty(p.Author, cfg.Username),
		AvatarURL:       firstNonEmpty(p.AvatarURL, cfg.AvatarURL),
		AllowedMentions: allowedMentions{Parse: []string{}},
	}
	for _, e := range p.Embeds {
		m.Embeds = append(m.Embeds, toWebhookEmbed(e))
	}
	return m
}

func toWebhookEmbed(e relay.StructuredMessage) webhookEmbed {
	w := webhookEmbed{
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Color:       e.Color,
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	if e.Author != nil {
		w.Author = &embedAuthor{Name: e.Author.Name, URL: e.Author.URL, IconURL: e.Author.IconURL}
	}
	if e.Footer != nil {
		w.Footer = &embedFooter{Text: e.Footer.Text, IconURL: e.Footer.IconURL}
	}
	for _, f := range e.Fields {
		w.Fields = append(w.Fields, embedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return w
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

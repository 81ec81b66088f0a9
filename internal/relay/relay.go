package relay

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"daisysrv/internal/runtime/lifecycle"
	"daisysrv/internal/sink/markdown"
	logx "daisysrv/pkg/logx"
)

// Format is the per-relay text rendering config. It is swapped wholesale on reload.
type Format struct {
	// Text renders SendText; placeholders {username} and {message}.
	Text string
	// Avatar renders the per-message avatar url; placeholder {username}.
	Avatar string
}

func DefaultFormat() Format {
	return Format{Text: "**{username}**: {message}"}
}

// Vars is a placeholder table for Render. Keys are bare names, without braces.
type Vars map[string]string

// Render substitutes {key} placeholders. Unknown placeholders are left as-is.
func Render(template string, vars Vars) string {
	if template == "" || len(vars) == 0 || !strings.Contains(template, "{") {
		return template
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Relay is the producer-facing API. Every Send* call returns immediately;
// producers never observe delivery errors.
type Relay struct {
	name  string
	sink  Sink
	queue *Queue
	life  *lifecycle.State
	log   logx.Logger

	format  atomic.Pointer[Format]
	globals atomic.Pointer[func() Vars]

	disabled atomic.Pointer[string]
}

func New(name string, sink Sink, queue *Queue, life *lifecycle.State, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Relay{name: name, sink: sink, queue: queue, life: life, log: log}
	f := DefaultFormat()
	r.format.Store(&f)
	return r
}

func (r *Relay) Name() string  { return r.name }
func (r *Relay) Sink() Sink    { return r.sink }
func (r *Relay) Queue() *Queue { return r.queue }

// MaxPayload is the sink's payload ceiling in runes.
func (r *Relay) MaxPayload() int { return r.sink.MaxPayload() }

func (r *Relay) ApplyFormat(f Format) {
	if strings.TrimSpace(f.Text) == "" {
		f.Text = DefaultFormat().Text
	}
	r.format.Store(&f)
}

// SetGlobals installs a provider of placeholders available to every template,
// e.g. {playerCount} and {maxPlayers}.
func (r *Relay) SetGlobals(fn func() Vars) {
	if fn == nil {
		r.globals.Store(nil)
		return
	}
	r.globals.Store(&fn)
}

// Globals returns the current global placeholders, or an empty table.
func (r *Relay) Globals() Vars {
	out := Vars{}
	if p := r.globals.Load(); p != nil {
		for k, v := range (*p)() {
			out[k] = v
		}
	}
	return out
}

// Disable turns the relay into a permanent no-op. Used for configuration
// errors found at startup; it is logged once.
func (r *Relay) Disable(reason string) {
	if r.disabled.CompareAndSwap(nil, &reason) {
		r.log.Error("relay disabled", logx.String("relay", r.name), logx.String("reason", reason))
	}
}

func (r *Relay) Disabled() bool { return r.disabled.Load() != nil }

// Accepting reports whether sends would currently be enqueued.
func (r *Relay) Accepting() bool {
	switch {
	case r == nil || r.sink == nil || r.queue == nil:
		return false
	case r.Disabled():
		return false
	case r.life.ShuttingDown():
		return false
	default:
		return r.sink.Ready()
	}
}

func (r *Relay) accept(what string) bool {
	if r.Accepting() {
		return true
	}
	if r != nil {
		r.log.Debug("relay not accepting, send dropped", logx.String("relay", r.name), logx.String("kind", what))
	}
	return false
}

// SendText renders body through the text template and enqueues it. Author and
// body are untrusted; they are escaped before substitution.
func (r *Relay) SendText(author, body string) {
	if !r.accept("text") {
		return
	}
	f := *r.format.Load()
	vars := r.Globals()
	vars["username"] = markdown.Escape(author)
	vars["message"] = markdown.Escape(body)
	r.enqueue(Payload{
		Author:    author,
		AvatarURL: Render(f.Avatar, Vars{"username": author}),
		Text:      Render(f.Text, vars),
		Markdown:  true,
	})
}

// SendMarkdown enqueues trusted, already formatted text as-is.
func (r *Relay) SendMarkdown(author, text string) {
	if !r.accept("markdown") {
		return
	}
	f := *r.format.Load()
	r.enqueue(Payload{
		Author:    author,
		AvatarURL: Render(f.Avatar, Vars{"username": author}),
		Text:      text,
		Markdown:  true,
	})
}

// SendStructured enqueues a prebuilt embed unmodified.
func (r *Relay) SendStructured(msg StructuredMessage) {
	r.SendStructuredAs("", "", msg)
}

// SendStructuredAs is SendStructured with a webhook identity override.
func (r *Relay) SendStructuredAs(author, avatarURL string, msg StructuredMessage) {
	if !r.accept("structured") {
		return
	}
	r.enqueue(Payload{Author: author, AvatarURL: avatarURL, Embeds: []StructuredMessage{msg}})
}

// SendBatch sends lines as few messages as the sink's payload ceiling allows,
// splitting only between lines. Each line is escaped.
func (r *Relay) SendBatch(author string, lines []string) {
	if len(lines) == 0 || !r.accept("batch") {
		return
	}
	for _, chunk := range Chunk(lines, r.sink.MaxPayload()) {
		r.enqueue(Payload{Author: author, Text: chunk, Markdown: true})
	}
}

// SendNow performs one synchronous attempt outside the queue. Only the
// shutdown flush uses it, after the queue has stopped accepting work.
func (r *Relay) SendNow(ctx context.Context, p Payload) Outcome {
	if r == nil || r.sink == nil || r.Disabled() || !r.sink.Ready() {
		return Fatal("not ready", ErrSinkDisabled)
	}
	return r.sink.Attempt(ctx, p)
}

func (r *Relay) enqueue(p Payload) {
	if p.Empty() {
		return
	}
	sink := r.sink
	r.queue.Enqueue(func(ctx context.Context) Outcome {
		return sink.Attempt(ctx, p)
	})
}

// Chunk joins escaped lines with newlines into pieces no longer than max runes.
func Chunk(lines []string, max int) []string {
	var out []string
	var b strings.Builder
	size := 0
	for _, l := range lines {
		l = markdown.Escape(l)
		if max > 0 {
			l = markdown.Truncate(l, max)
		}
		n := markdown.Len(l)
		if size > 0 && max > 0 && size+1+n > max {
			out = append(out, b.String())
			b.Reset()
			size = 0
		}
		if size > 0 {
			b.WriteByte('\n')
			size++
		}
		b.WriteString(l)
		size += n
	}
	if size > 0 {
		out = append(out, b.String())
	}
	return out
}

// Package sink implements relay.Sink for Discord webhooks and for direct
// channel delivery over a transport.Session.
package sink

import (
	"daisysrv/internal/relay"
	"daisysrv/internal/sink/markdown"
)

const (
	DefaultMaxPayload = 2000

	maxUsername    = 80
	maxEmbeds      = 10
	maxFields      = 25
	maxTitle       = 256
	maxDescription = 4096
	maxFieldName   = 256
	maxFieldValue  = 1024
	maxFooter      = 2048
)

// Sanitize applies the payload text rules for untrusted text.
func Sanitize(s string, max int) string { return markdown.Sanitize(s, max) }

// Prepare returns a copy of p that is safe to post: mentions neutralized
// everywhere, plain text escaped, every string capped to its remote limit.
func Prepare(p relay.Payload, max int) relay.Payload {
	if max <= 0 {
		max = DefaultMaxPayload
	}
	out := p
	text := markdown.NeutralizeMentions(p.Text)
	if !p.Markdown {
		text = markdown.Escape(text)
	}
	out.Text = markdown.Truncate(text, max)
	out.Author = markdown.Truncate(markdown.NeutralizeMentions(p.Author), maxUsername)

	if len(p.Embeds) > 0 {
		n := len(p.Embeds)
		if n > maxEmbeds {
			n = maxEmbeds
		}
		out.Embeds = make([]relay.StructuredMessage, 0, n)
		for _, e := range p.Embeds[:n] {
			out.Embeds = append(out.Embeds, prepareEmbed(e))
		}
	}
	return out
}

func clean(s string, max int) string {
	return markdown.Truncate(markdown.NeutralizeMentions(s), max)
}

func prepareEmbed(e relay.StructuredMessage) relay.StructuredMessage {
	e.Title = clean(e.Title, maxTitle)
	e.Description = clean(e.Description, maxDescription)
	if e.Author != nil {
		a := *e.Author
		a.Name = clean(a.Name, maxTitle)
		e.Author = &a
	}
	if e.Footer != nil {
		f := *e.Footer
		f.Text = clean(f.Text, maxFooter)
		e.Footer = &f
	}
	if len(e.Fields) > 0 {
		n := len(e.Fields)
		if n > maxFields {
			n = maxFields
		}
		fields := make([]relay.Field, 0, n)
		for _, f := range e.Fields[:n] {
			fields = append(fields, relay.Field{
				Name:   clean(f.Name, maxFieldName),
				Value:  clean(f.Value, maxFieldValue),
				Inline: f.Inline,
			})
		}
		e.Fields = fields
	}
	return e
}

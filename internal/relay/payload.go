package relay

import (
	"context"
	"strings"
	"time"
)

// Payload is a fully formatted message ready for a Sink.
type Payload struct {
	Author    string
	AvatarURL string
	Text      string
	Embeds    []StructuredMessage
	// Markdown marks Text as intentionally formatted with untrusted parts
	// already escaped. Sinks still neutralize mentions and cap length.
	Markdown bool
}

func (p Payload) Empty() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.Embeds) == 0
}

// StructuredMessage is a rich card (a Discord embed).
type StructuredMessage struct {
	Title       string
	Description string
	URL         string
	Color       int
	Timestamp   time.Time
	Author      *EmbedAuthor
	Footer      *EmbedFooter
	Fields      []Field
}

type EmbedAuthor struct {
	Name    string
	URL     string
	IconURL string
}

type EmbedFooter struct {
	Text    string
	IconURL string
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Sink delivers one payload to the remote network.
//
// Attempt must not panic across its boundary and must honour ctx.
// Ready reports whether the sink is enabled and its connection is up.
type Sink interface {
	Name() string
	Ready() bool
	Attempt(ctx context.Context, p Payload) Outcome
	MaxPayload() int
}

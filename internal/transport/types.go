package transport

import (
	"context"
	"fmt"
	"time"

	"daisysrv/internal/relay"
)

// Inbound is one message received from a chat network channel.
type Inbound struct {
	Network    string // "discord", "telegram"
	ChannelID  string
	MessageID  string
	AuthorID   string
	AuthorName string
	Text       string
	IsBot      bool
	Received   time.Time
}

// Session is a long-lived authenticated connection to a chat network.
type Session interface {
	Name() string
	Start(ctx context.Context, out chan<- Inbound) error
	Stop(ctx context.Context) error
	Connected() bool
	Send(ctx context.Context, channelID string, p relay.Payload) error
}

// TopicSetter is implemented by sessions that can edit a channel topic.
type TopicSetter interface {
	SetTopic(ctx context.Context, channelID, topic string) error
}

// PresenceSetter is implemented by sessions that show a bot status line.
type PresenceSetter interface {
	SetPresence(ctx context.Context, text string) error
}

// StatusError is a remote API rejection with its HTTP-like status code.
// Sessions translate SDK errors into it so sinks can classify uniformly.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote status %d: %s", e.Code, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("remote status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("remote status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

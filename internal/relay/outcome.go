package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSinkDisabled is the Permanent outcome error of a sink that disabled itself
// after the remote endpoint was found invalid.
var ErrSinkDisabled = errors.New("sink disabled")

type Kind uint8

const (
	Delivered Kind = iota
	RateLimited
	Recoverable
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case RateLimited:
		return "rate_limited"
	case Recoverable:
		return "recoverable"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind       Kind
	RetryAfter time.Duration // RateLimited only
	Reason     string
	Err        error
}

func OK() Outcome { return Outcome{Kind: Delivered} }

func Limited(retryAfter time.Duration, reason string) Outcome {
	return Outcome{Kind: RateLimited, RetryAfter: retryAfter, Reason: reason}
}

func Retryable(reason string, err error) Outcome {
	return Outcome{Kind: Recoverable, Reason: reason, Err: err}
}

func Fatal(reason string, err error) Outcome {
	return Outcome{Kind: Permanent, Reason: reason, Err: err}
}

func (o Outcome) OK() bool { return o.Kind == Delivered }

func (o Outcome) String() string {
	s := o.Kind.String()
	if o.Kind == RateLimited && o.RetryAfter > 0 {
		s += " retry_after=" + o.RetryAfter.String()
	}
	if o.Reason != "" {
		s += ": " + o.Reason
	}
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}

// Task is one pending send. It performs a single attempt and reports its outcome.
type Task func(ctx context.Context) Outcome

package ops

import (
	"context"
	"errors"
	"time"

	"daisysrv/internal/console"
	"daisysrv/internal/eventbus"
	"daisysrv/internal/relay"
	"daisysrv/internal/runtime/supervisor"
	"daisysrv/internal/storage"
)

// ErrUnknownSink is returned by Source.ResetSink for a name no relay uses.
var ErrUnknownSink = errors.New("unknown sink")

// Source is the running bridge as seen by the ops server.
type Source interface {
	Status(ctx context.Context) Status
	ResetSink(name string) error
}

// Status is a point-in-time view of the bridge. It contains data only so the
// handlers can encode it without holding any component lock.
type Status struct {
	Time         time.Time `json:"time"`
	StartedAt    time.Time `json:"started_at"`
	ShuttingDown bool      `json:"shutting_down"`
	StopReason   string    `json:"stop_reason,omitempty"`

	// LogForwardSkipped counts log lines not relayed to the console channel
	// because another line was being forwarded.
	LogForwardSkipped uint64 `json:"log_forward_skipped"`

	Relays     []RelayStatus        `json:"relays"`
	Console    *console.Stats       `json:"console,omitempty"`
	Players    PlayersStatus        `json:"players"`
	Supervisor supervisor.Snapshot  `json:"supervisor"`
	Events     []eventbus.Event     `json:"recent_events"`
	Audit      []storage.AuditEntry `json:"recent_audit,omitempty"`
}

type RelayStatus struct {
	Name      string           `json:"name"`
	Sink      string           `json:"sink"`
	SinkReady bool             `json:"sink_ready"`
	Disabled  bool             `json:"disabled"`
	Queue     relay.QueueStats `json:"queue"`
}

type PlayersStatus struct {
	Online int      `json:"online"`
	Max    int      `json:"max"`
	Names  []string `json:"names,omitempty"`
}

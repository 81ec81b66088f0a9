package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file (build tag sqlite)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one operator command relayed from a chat channel to the
// game server console.
type AuditEntry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Network   string    `json:"network"`
	ChannelID string    `json:"channel_id"`
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name,omitempty"`
	Command   string    `json:"command"`
	Allowed   bool      `json:"allowed"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

package gameserver

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Roster tracks who is online. Join/leave events keep it current between
// RCON refreshes; RCON is the source of truth when reachable.
type Roster struct {
	rcon *RCON

	mu        sync.RWMutex
	names     map[string]struct{}
	max       int
	refreshed time.Time
}

func NewRoster(r *RCON, max int) *Roster {
	return &Roster{rcon: r, names: map[string]struct{}{}, max: max}
}

// Observe updates the roster from a game event.
func (r *Roster) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev := e.(type) {
	case PlayerJoined:
		r.names[ev.Name] = struct{}{}
	case PlayerLeft:
		delete(r.names, ev.Name)
	case ServerStarted, ServerStopping:
		r.names = map[string]struct{}{}
	}
}

// Refresh replaces the roster with the RCON "list" answer.
func (r *Roster) Refresh(ctx context.Context) (Players, error) {
	if r.rcon == nil || !r.rcon.Configured() {
		return r.Snapshot(), ErrNotConnected
	}
	p, err := r.rcon.OnlinePlayers(ctx)
	if err != nil {
		return r.Snapshot(), err
	}
	r.mu.Lock()
	r.names = make(map[string]struct{}, len(p.Names))
	for _, n := range p.Names {
		r.names[n] = struct{}{}
	}
	if p.Max > 0 {
		r.max = p.Max
	}
	r.refreshed = time.Now()
	r.mu.Unlock()
	return p, nil
}

// SetMax sets the configured capacity. A later RCON refresh overrides it.
func (r *Roster) SetMax(max int) {
	if max <= 0 {
		return
	}
	r.mu.Lock()
	r.max = max
	r.mu.Unlock()
}

// Snapshot is the synchronous "who is online and what is the capacity" query.
func (r *Roster) Snapshot() Players {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.names))
	for n := range r.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return Players{Online: len(names), Max: r.max, Names: names}
}

// Vars exposes {playerCount} and {maxPlayers} for message templates.
func (r *Roster) Vars() map[string]string {
	p := r.Snapshot()
	max := "?"
	if p.Max > 0 {
		max = strconv.Itoa(p.Max)
	}
	return map[string]string{
		"playerCount": strconv.Itoa(p.Online),
		"maxPlayers":  max,
	}
}

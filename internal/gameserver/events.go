// Package gameserver reads what a Minecraft-style server is doing and talks
// back to it.
//
// Events come from following the server log; queries and commands go over
// RCON. Nothing here touches the network of the chat side.
package gameserver

import "time"

// Event is one of the typed notifications below.
type Event interface {
	Kind() string
	At() time.Time
}

// Meta carries what every event has.
type Meta struct{ Time time.Time }

func (m Meta) At() time.Time { return m.Time }

type PlayerJoined struct {
	Meta
	Name string
}

type PlayerLeft struct {
	Meta
	Name string
}

type AdvancementEarned struct {
	Meta
	Player      string
	Advancement Advancement
}

type ServerStarted struct {
	Meta
	StartupTime string // as printed, e.g. "4.512s"
}

type ServerStopping struct{ Meta }

type ChatMessage struct {
	Meta
	Player string
	Text   string
}

const (
	KindJoin        = "join"
	KindLeave       = "leave"
	KindAdvancement = "advancement"
	KindStart       = "start"
	KindStop        = "stop"
	KindChat        = "chat"
)

func (PlayerJoined) Kind() string      { return KindJoin }
func (PlayerLeft) Kind() string        { return KindLeave }
func (AdvancementEarned) Kind() string { return KindAdvancement }
func (ServerStarted) Kind() string     { return KindStart }
func (ServerStopping) Kind() string    { return KindStop }
func (ChatMessage) Kind() string       { return KindChat }

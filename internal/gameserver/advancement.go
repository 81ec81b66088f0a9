package gameserver

import (
	"strings"
	"unicode"
)

// AdvancementDisplay is what the server can tell us about an advancement.
// Implementations may return empty strings for parts they do not know.
type AdvancementDisplay interface {
	DisplayTitle() string
	DisplayDescription() string
}

// Frame is the advancement style as the server announces it.
type Frame string

const (
	FrameTask      Frame = "task"
	FrameGoal      Frame = "goal"
	FrameChallenge Frame = "challenge"
)

// StaticDisplay is an AdvancementDisplay with fixed strings.
type StaticDisplay struct {
	Title       string
	Description string
}

func (d StaticDisplay) DisplayTitle() string       { return d.Title }
func (d StaticDisplay) DisplayDescription() string { return d.Description }

type Advancement struct {
	// Key is the namespaced id, e.g. "minecraft:story/mine_stone". May be empty
	// when the advancement was only seen by its title.
	Key     string
	Frame   Frame
	Display AdvancementDisplay // nil when the server exposed nothing
}

// Title prefers the server-provided title and falls back to a label derived
// from the key.
func (a Advancement) Title() string {
	if a.Display != nil {
		if t := strings.TrimSpace(a.Display.DisplayTitle()); t != "" {
			return t
		}
	}
	if l := LabelFromKey(a.Key); l != "" {
		return l
	}
	return "Advancement"
}

func (a Advancement) Description() string {
	if a.Display == nil {
		return ""
	}
	return strings.TrimSpace(a.Display.DisplayDescription())
}

// LabelFromKey turns "minecraft:story/mine_stone" into "Mine Stone".
func LabelFromKey(key string) string {
	key = strings.TrimSpace(key)
	if i := strings.LastIndexAny(key, ":/"); i >= 0 {
		key = key[i+1:]
	}
	words := strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '-' || r == '.' })
	for i, w := range words {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	return strings.Join(words, " ")
}

// Verb is how the log line phrased the frame.
func (f Frame) Verb() string {
	switch f {
	case FrameChallenge:
		return "completed the challenge"
	case FrameGoal:
		return "reached the goal"
	default:
		return "made the advancement"
	}
}

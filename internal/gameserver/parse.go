package gameserver

import (
	"regexp"
	"strings"
	"time"
)

var (
	// [12:34:56] [Server thread/INFO]: message
	vanillaPrefix = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2})\] \[([^\]]+)/(INFO|WARN|ERROR|DEBUG)\]: ?(.*)$`)
	// [12:34:56 INFO]: message
	paperPrefix = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2}) (INFO|WARN|ERROR|DEBUG)\]: ?(.*)$`)

	joinRe        = regexp.MustCompile(`^(\.?[A-Za-z0-9_]{1,16}) joined the game$`)
	leaveRe       = regexp.MustCompile(`^(\.?[A-Za-z0-9_]{1,16}) left the game$`)
	chatRe        = regexp.MustCompile(`^(?:\[Not Secure\] )?<(\.?[A-Za-z0-9_]{1,16})> (.*)$`)
	advancementRe = regexp.MustCompile(`^(\.?[A-Za-z0-9_]{1,16}) has (made the advancement|completed the challenge|reached the goal) \[(.+)\]$`)
	doneRe        = regexp.MustCompile(`^Done \(([\d.,]+s)\)! For help, type "help"`)
)

// LogLine is a server log line split into its parts.
type LogLine struct {
	Clock   string // hh:mm:ss as printed
	Thread  string // empty for the Paper format
	Level   string
	Message string
}

// StripLogPrefix splits a vanilla or Paper formatted line. ok is false for
// lines in neither format (stack traces, plugin banners).
func StripLogPrefix(line string) (LogLine, bool) {
	line = strings.TrimRight(line, "\r\n")
	if m := vanillaPrefix.FindStringSubmatch(line); m != nil {
		return LogLine{Clock: m[1], Thread: m[2], Level: m[3], Message: m[4]}, true
	}
	if m := paperPrefix.FindStringSubmatch(line); m != nil {
		return LogLine{Clock: m[1], Level: m[2], Message: m[3]}, true
	}
	return LogLine{}, false
}

// ParseLine recognizes the events a bridge relays. now stamps the event.
func ParseLine(line string, now time.Time) (Event, bool) {
	ll, ok := StripLogPrefix(line)
	if !ok || ll.Level != "INFO" {
		return nil, false
	}
	msg := strings.TrimSpace(ll.Message)
	meta := Meta{Time: now}

	if m := chatRe.FindStringSubmatch(msg); m != nil {
		return ChatMessage{Meta: meta, Player: m[1], Text: m[2]}, true
	}
	if m := joinRe.FindStringSubmatch(msg); m != nil {
		return PlayerJoined{Meta: meta, Name: m[1]}, true
	}
	if m := leaveRe.FindStringSubmatch(msg); m != nil {
		return PlayerLeft{Meta: meta, Name: m[1]}, true
	}
	if m := advancementRe.FindStringSubmatch(msg); m != nil {
		frame := FrameTask
		switch m[2] {
		case FrameChallenge.Verb():
			frame = FrameChallenge
		case FrameGoal.Verb():
			frame = FrameGoal
		}
		return AdvancementEarned{
			Meta:        meta,
			Player:      m[1],
			Advancement: Advancement{Frame: frame, Display: lookupDisplay(m[3])},
		}, true
	}
	if m := doneRe.FindStringSubmatch(msg); m != nil {
		return ServerStarted{Meta: meta, StartupTime: m[1]}, true
	}
	if msg == "Stopping server" || msg == "Stopping the server" {
		return ServerStopping{Meta: meta}, true
	}
	return nil, false
}

// Descriptions for common vanilla advancements. The log only carries titles.
var vanillaDescriptions = map[string]string{
	"Stone Age":              "Mine Stone with your new Pickaxe",
	"Getting an Upgrade":     "Construct a better Pickaxe",
	"Acquire Hardware":       "Smelt an Iron Ingot",
	"Diamonds!":              "Acquire diamonds",
	"We Need to Go Deeper":   "Build, light and enter a Nether Portal",
	"The End?":               "Enter the End Portal",
	"Free the End":           "Good luck",
	"Monster Hunter":         "Kill any hostile monster",
	"Sweet Dreams":           "Sleep in a Bed to change your respawn point",
	"Hot Stuff":              "Fill a Bucket with lava",
	"Isn't It Iron Pick":     "Upgrade your Pickaxe",
	"Suit Up":                "Protect yourself with a piece of iron armor",
	"Enchanter":              "Enchant an item at an Enchanting Table",
	"A Seedy Place":          "Plant a seed and watch it grow",
	"Cover Me with Diamonds": "Diamond armor saves lives",
}

func lookupDisplay(title string) AdvancementDisplay {
	return StaticDisplay{Title: title, Description: vanillaDescriptions[title]}
}

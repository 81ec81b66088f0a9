package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "daisysrv/pkg/logx"

	"github.com/gorcon/rcon"
)

var ErrNotConnected = errors.New("rcon not configured")

type RCONConfig struct {
	Address  string
	Password string
	Timeout  time.Duration
}

// conn is the part of *rcon.Conn we use.
type conn interface {
	Execute(command string) (string, error)
	Close() error
}

type dialFunc func(addr, password string, timeout time.Duration) (conn, error)

func dialRCON(addr, password string, timeout time.Duration) (conn, error) {
	c, err := rcon.Dial(addr, password, rcon.SetDialTimeout(timeout), rcon.SetDeadline(timeout))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RCON is a lazily dialed, self-reconnecting RCON client. Calls are serialized.
type RCON struct {
	log  logx.Logger
	dial dialFunc

	mu   sync.Mutex
	cfg  RCONConfig
	conn conn
}

func NewRCON(cfg RCONConfig, log logx.Logger) *RCON {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RCON{cfg: normalizeRCON(cfg), log: log, dial: dialRCON}
}

func normalizeRCON(cfg RCONConfig) RCONConfig {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return cfg
}

func (r *RCON) Configured() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Address != ""
}

// Apply swaps address and credentials; the next call redials.
func (r *RCON) Apply(cfg RCONConfig) {
	cfg = normalizeRCON(cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg == r.cfg {
		return
	}
	r.cfg = cfg
	r.closeLocked()
}

func (r *RCON) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *RCON) closeLocked() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// Execute runs one console command. A broken connection is redialed once.
func (r *RCON) Execute(ctx context.Context, command string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.Address == "" {
		return "", ErrNotConnected
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if r.conn == nil {
			c, err := r.dial(r.cfg.Address, r.cfg.Password, r.cfg.Timeout)
			if err != nil {
				return "", fmt.Errorf("rcon dial %s: %w", r.cfg.Address, err)
			}
			r.conn = c
		}
		out, err := r.conn.Execute(command)
		if err == nil {
			return out, nil
		}
		lastErr = err
		r.log.Debug("rcon command failed, reconnecting", logx.Err(err))
		_ = r.closeLocked()
	}
	return "", fmt.Errorf("rcon execute: %w", lastErr)
}

// Players is the answer to the "list" command.
type Players struct {
	Online int
	Max    int
	Names  []string
}

func (r *RCON) OnlinePlayers(ctx context.Context) (Players, error) {
	out, err := r.Execute(ctx, "list")
	if err != nil {
		return Players{}, err
	}
	return ParseList(out)
}

var (
	colorCode = regexp.MustCompile(`§[0-9a-fk-or]`)
	// vanilla: There are 2 of a max of 20 players online: Steve, Alex
	listVanilla = regexp.MustCompile(`There are (\d+) of a max(?: of)? (\d+) players online:?\s*(.*)`)
	// paper/essentials: There are 2 out of maximum 20 players online.
	listPaper = regexp.MustCompile(`There are (\d+) out of maximum (\d+) players online\.?`)
)

// StripColors removes legacy "§x" formatting codes.
func StripColors(s string) string { return colorCode.ReplaceAllString(s, "") }

// ParseList parses vanilla and Paper "list" output.
func ParseList(out string) (Players, error) {
	out = StripColors(out)
	if m := listVanilla.FindStringSubmatch(out); m != nil {
		p := Players{Online: atoi(m[1]), Max: atoi(m[2])}
		p.Names = splitNames(strings.SplitN(m[3], "\n", 2)[0])
		return p, nil
	}
	if m := listPaper.FindStringSubmatch(out); m != nil {
		p := Players{Online: atoi(m[1]), Max: atoi(m[2])}
		rest := out[strings.Index(out, m[0])+len(m[0]):]
		for _, line := range strings.Split(rest, "\n") {
			// "default: Steve, Alex" group lines
			if i := strings.Index(line, ":"); i >= 0 {
				line = line[i+1:]
			}
			p.Names = append(p.Names, splitNames(line)...)
		}
		sort.Strings(p.Names)
		return p, nil
	}
	return Players{}, fmt.Errorf("unrecognized list output: %q", strings.TrimSpace(out))
}

func splitNames(s string) []string {
	var names []string
	for _, n := range strings.Split(s, ",") {
		n = strings.TrimSpace(n)
		// Essentials marks AFK/hidden players like "[AFK]Steve".
		if i := strings.LastIndex(n, "]"); i >= 0 {
			n = n[i+1:]
		}
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Broadcast shows a chat-network message to every player via tellraw.
func (r *RCON) Broadcast(ctx context.Context, prefix, author, text string) error {
	cmd, err := TellrawCommand(prefix, author, text)
	if err != nil {
		return err
	}
	_, err = r.Execute(ctx, cmd)
	return err
}

type textComponent struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
	Bold  bool   `json:"bold,omitempty"`
}

// TellrawCommand builds `tellraw @a [...]`. Newlines become spaces so one
// message stays one chat line.
func TellrawCommand(prefix, author, text string) (string, error) {
	flat := strings.Join(strings.Fields(text), " ")
	if flat == "" {
		return "", errors.New("empty message")
	}
	if n := []rune(flat); len(n) > 256 {
		flat = string(n[:255]) + "…"
	}
	parts := []any{""}
	if prefix != "" {
		parts = append(parts, textComponent{Text: prefix + " ", Color: "blue", Bold: true})
	}
	if author != "" {
		parts = append(parts, textComponent{Text: "<" + author + "> ", Color: "white"})
	}
	parts = append(parts, textComponent{Text: flat})
	b, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return "tellraw @a " + string(b), nil
}

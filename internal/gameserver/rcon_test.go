package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	logx "daisysrv/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	commands []string
	replies  map[string]string
	failOnce bool
	closed   bool
}

func (c *fakeConn) Execute(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOnce {
		c.failOnce = false
		return "", errors.New("broken pipe")
	}
	c.commands = append(c.commands, cmd)
	return c.replies[cmd], nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func newTestRCON(conns ...*fakeConn) (*RCON, *int) {
	r := NewRCON(RCONConfig{Address: "127.0.0.1:25575", Password: "pw"}, logx.Nop())
	dials := 0
	r.dial = func(addr, password string, timeout time.Duration) (conn, error) {
		if dials >= len(conns) {
			return nil, errors.New("connection refused")
		}
		c := conns[dials]
		dials++
		return c, nil
	}
	return r, &dials
}

func TestRCONLazyDialAndReuse(t *testing.T) {
	c := &fakeConn{replies: map[string]string{"list": "There are 0 of a max of 20 players online: "}}
	r, dials := newTestRCON(c)
	assert.Zero(t, *dials)

	_, err := r.Execute(context.Background(), "list")
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), "list")
	require.NoError(t, err)
	assert.Equal(t, 1, *dials)
}

func TestRCONReconnectsOnce(t *testing.T) {
	broken := &fakeConn{failOnce: true}
	fresh := &fakeConn{replies: map[string]string{"time query daytime": "The time is 1000"}}
	r, dials := newTestRCON(broken, fresh)

	out, err := r.Execute(context.Background(), "time query daytime")
	require.NoError(t, err)
	assert.Equal(t, "The time is 1000", out)
	assert.Equal(t, 2, *dials)
	assert.True(t, broken.closed)
}

func TestRCONNotConfigured(t *testing.T) {
	r := NewRCON(RCONConfig{}, logx.Nop())
	_, err := r.Execute(context.Background(), "list")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, r.Configured())
}

func TestRCONDialFailure(t *testing.T) {
	r, _ := newTestRCON()
	_, err := r.Execute(context.Background(), "list")
	assert.ErrorContains(t, err, "connection refused")
}

func TestParseList(t *testing.T) {
	p, err := ParseList("There are 2 of a max of 20 players online: Steve, Alex")
	require.NoError(t, err)
	assert.Equal(t, Players{Online: 2, Max: 20, Names: []string{"Steve", "Alex"}}, p)

	p, err = ParseList("There are 0 of a max 10 players online:")
	require.NoError(t, err)
	assert.Equal(t, 10, p.Max)
	assert.Empty(t, p.Names)

	p, err = ParseList("§6There are §c2§6 out of maximum §c50§6 players online.\n§6admins§r: [AFK]Notch\n§6default§r: Steve")
	require.NoError(t, err)
	assert.Equal(t, Players{Online: 2, Max: 50, Names: []string{"Notch", "Steve"}}, p)

	_, err = ParseList("Unknown command")
	assert.Error(t, err)
}

func TestTellrawCommand(t *testing.T) {
	cmd, err := TellrawCommand("[Discord]", "alex", "hello\nworld \"quoted\"")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(cmd, "tellraw @a "))

	var parts []any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(cmd, "tellraw @a ")), &parts))
	require.Len(t, parts, 4)
	assert.Equal(t, "", parts[0])
	assert.Equal(t, "[Discord] ", parts[1].(map[string]any)["text"])
	assert.Equal(t, "<alex> ", parts[2].(map[string]any)["text"])
	assert.Equal(t, `hello world "quoted"`, parts[3].(map[string]any)["text"])

	_, err = TellrawCommand("", "a", "  \n ")
	assert.Error(t, err)
}

func TestRosterTracksEventsAndRefresh(t *testing.T) {
	c := &fakeConn{replies: map[string]string{"list": "There are 1 of a max of 30 players online: Herobrine"}}
	r, _ := newTestRCON(c)
	roster := NewRoster(r, 20)

	roster.Observe(PlayerJoined{Name: "Steve"})
	roster.Observe(PlayerJoined{Name: "Alex"})
	roster.Observe(PlayerLeft{Name: "Steve"})
	assert.Equal(t, Players{Online: 1, Max: 20, Names: []string{"Alex"}}, roster.Snapshot())
	assert.Equal(t, map[string]string{"playerCount": "1", "maxPlayers": "20"}, roster.Vars())

	_, err := roster.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Herobrine"}, roster.Snapshot().Names)
	assert.Equal(t, "30", roster.Vars()["maxPlayers"])

	roster.Observe(ServerStopping{})
	assert.Zero(t, roster.Snapshot().Online)
}

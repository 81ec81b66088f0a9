package gameserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "daisysrv/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	lines  chan string
	events chan Event
}

func (h *recordingHandler) HandleEvent(e Event)    { h.events <- e }
func (h *recordingHandler) HandleLine(line string) { h.lines <- line }

func TestLogSourceDispatchesLinesAndEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	content := "[10:00:00] [Server thread/INFO]: Starting minecraft server version 1.20.4\r\n" +
		"[10:00:05] [Server thread/INFO]: Steve joined the game\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	h := &recordingHandler{lines: make(chan string, 16), events: make(chan Event, 16)}
	src := NewLogSource(SourceConfig{Path: path, Poll: true, FromStart: true}, h, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	for _, want := range []string{
		"[10:00:00] [Server thread/INFO]: Starting minecraft server version 1.20.4",
		"[10:00:05] [Server thread/INFO]: Steve joined the game",
	} {
		select {
		case got := <-h.lines:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	select {
	case e := <-h.events:
		assert.Equal(t, KindJoin, e.Kind())
		assert.Equal(t, "Steve", e.(PlayerJoined).Name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for join event")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLogSourceRequiresPath(t *testing.T) {
	err := NewLogSource(SourceConfig{}, nil, logx.Nop()).Run(context.Background())
	assert.Error(t, err)
}

package storage

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

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestFileStoreAuditRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "data", "daisysrv.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, cmd := range []string{"list", "whitelist add Steve", "op Alex"} {
		require.NoError(t, st.AppendAudit(ctx, AuditEntry{
			At:        base.Add(time.Duration(i) * time.Second),
			Network:   "discord",
			ChannelID: "42",
			ActorID:   "1001",
			Command:   cmd,
			Allowed:   cmd != "op Alex",
		}))
	}

	_, err = os.Stat(filepath.Join(dir, "data", "daisysrv.audit.jsonl"))
	require.NoError(t, err)

	got, err := st.RecentAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "op Alex", got[0].Command)
	assert.False(t, got[0].Allowed)
	assert.Equal(t, "whitelist add Steve", got[1].Command)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)

	all, err := st.RecentAudit(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileStoreClosed(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.Error(t, st.AppendAudit(context.Background(), AuditEntry{Command: "list"}))
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "a.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{Command: "list"}))

	f, err := os.OpenFile(filepath.Join(dir, "a.audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := st.RecentAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "list", got[0].Command)
}

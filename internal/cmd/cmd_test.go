package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rudransh-shrivastava/tincan/internal/db"
	"github.com/rudransh-shrivastava/tincan/internal/protocol"
	"github.com/rudransh-shrivastava/tincan/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Contains(t, out, "tincan dev")
	assert.Contains(t, out, "control protocol 5")
	assert.Equal(t, 5, protocol.ProtocolVersion)
}

func TestEventsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	gdb, err := db.Open(path)
	require.NoError(t, err)
	events := store.NewEventStore(gdb)
	ctx := context.Background()
	require.NoError(t, events.Record(ctx, db.LinkEvent{TunnelID: "tnl", LinkID: "link-1", PeerID: "peer", Kind: db.EventCreated}))
	require.NoError(t, events.Record(ctx, db.LinkEvent{TunnelID: "tnl", LinkID: "link-1", PeerID: "peer", Kind: db.EventUp}))
	require.NoError(t, events.Record(ctx, db.LinkEvent{TunnelID: "tnl", LinkID: "link-2", PeerID: "other", Kind: db.EventCreated}))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	out := execute(t, "events", path, "link-1")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "\tlink-1\tpeer\tcreated\t")
	assert.True(t, strings.HasSuffix(lines[1], "\tup"))

	out = execute(t, "events", path, "--limit", "10")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)
}

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pilot/internal/config"
	"pilot/internal/events"
)

func TestOpenMigratesAndWiresBroker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pilot.yml"), []byte("auth:\n  enforce_ownership: true\n"), 0o644))

	ws, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer ws.Close()
	require.True(t, ws.Config.Auth.EnforceOwnership)

	sub := ws.Broker.Subscribe("")
	u, created, err := ws.Engine.EnsureUser(context.Background(), "ext-1", "")
	require.NoError(t, err)
	require.True(t, created)
	change := <-sub.C()
	require.Equal(t, events.EntityUser, change.Entity)
	require.Equal(t, u.ID, change.UserID)

	// Reopening the same workspace keeps data and skips applied migrations.
	require.NoError(t, ws.Close())
	again, err := Open(Options{Dir: dir, Config: config.Default()})
	require.NoError(t, err)
	defer again.Close()
	require.False(t, again.Config.Auth.EnforceOwnership)
	got, err := again.Engine.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, u.Token, got.Token)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pilot.yml"), []byte("presence:\n  online_window: never\n"), 0o644))
	_, err := Open(Options{Dir: dir})
	require.Error(t, err)
}

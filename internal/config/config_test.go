package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.False(t, cfg.Auth.EnforceOwnership)
	require.Equal(t, 10*time.Minute, cfg.OnlineWindow())
	require.Equal(t, 24*time.Hour, cfg.SessionTTL())
	require.Equal(t, 4, cfg.FeedLimit())
	require.Empty(t, cfg.Webhooks)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
auth:
  enforce_ownership: true
presence:
  online_window: 90s
webhooks:
  - url: https://hooks.example.com/pilot
    events: [task.*]
    secret: s3cret
`))
	require.NoError(t, err)
	require.True(t, cfg.Auth.EnforceOwnership)
	require.Equal(t, 90*time.Second, cfg.OnlineWindow())
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.Len(t, cfg.Webhooks, 1)
	hook := cfg.Webhooks[0]
	require.True(t, hook.IsEnabled())
	require.Equal(t, 10*time.Second, hook.Timeout())
	require.True(t, hook.Matches("task.updated"))
	require.False(t, hook.Matches("agent.created"))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad window":   "presence:\n  online_window: soon\n",
		"negative ttl": "auth:\n  session_ttl: -1h\n",
		"hook no url":  "webhooks:\n  - events: [task.created]\n",
		"hook scheme":  "webhooks:\n  - url: ftp://example.com\n",
		"empty filter": "webhooks:\n  - url: http://example.com\n    events: ['']\n",
		"feed limit":   "activity:\n  feed_limit: -2\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestWebhookMatches(t *testing.T) {
	off := false
	hook := Webhook{URL: "http://x", Events: []string{"agent.deleted", "scheduled_job.*"}, Enabled: &off}
	require.False(t, hook.IsEnabled())
	require.True(t, hook.Matches("agent.deleted"))
	require.True(t, hook.Matches("scheduled_job.created"))
	require.False(t, hook.Matches("scheduled_jobx.created"))
	require.True(t, Webhook{}.Matches("anything.at.all"))
	require.True(t, Webhook{Events: []string{"*"}}.Matches("task.created"))
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pilot.yml"), []byte("server:\n  addr: :9999\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Server.Addr)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pilot.yml"), []byte("presence: [\n"), 0o644))
	_, err = LoadOptional(dir)
	require.Error(t, err)
}

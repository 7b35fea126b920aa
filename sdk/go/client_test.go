package pilotsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"pilot/internal/app"
	"pilot/internal/config"
	"pilot/internal/server"
)

func newServer(t *testing.T) (*httptest.Server, *app.Workspace) {
	t.Helper()
	ws, err := app.Open(app.Options{Dir: t.TempDir(), Config: config.Default()})
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: ws.Engine, Broker: ws.Broker})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ws.Close()
	})
	return srv, ws
}

func TestClientRoundTrip(t *testing.T) {
	srv, ws := newServer(t)
	ctx := context.Background()
	c := New(srv.URL, "")

	user, err := c.CreateUser(ctx, "agent-host-1", String("Ada"))
	require.NoError(t, err)
	require.Equal(t, user.Token, c.Token)

	agentID, err := c.CreateAgent(ctx, AgentFields{Name: String("Scout"), Role: String("Research")})
	require.NoError(t, err)
	require.NoError(t, c.UpdateAgent(ctx, agentID, AgentFields{Status: String("active")}))

	taskID, err := c.CreateTask(ctx, TaskFields{
		AgentID:     &agentID,
		Title:       String("Crawl"),
		Description: String("index docs"),
		Tags:        []Tag{{Label: "docs", Variant: "blue"}},
	})
	require.NoError(t, err)
	require.NoError(t, c.UpdateTask(ctx, taskID, TaskFields{Status: String("active"), Live: Bool(true)}))

	_, err = c.LogActivity(ctx, Activity{AgentID: &agentID, TaskID: &taskID, Action: "started", Description: "crawl started"})
	require.NoError(t, err)

	jobID, err := c.CreateScheduledJob(ctx, JobFields{Name: String("digest"), Description: String("daily"), Cron: String("0 9 * * *")})
	require.NoError(t, err)
	require.NoError(t, c.UpdateScheduledJob(ctx, jobID, JobFields{Status: String("paused")}))

	require.NoError(t, c.Heartbeat(ctx))
	status, err := c.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", status)

	tasks, err := ws.Engine.ListTasks(ctx, user.UserID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "active", tasks[0].Status)
	require.True(t, tasks[0].Live)
	require.Equal(t, "Crawl", tasks[0].Title)
	require.Len(t, tasks[0].Tags, 1)

	require.NoError(t, c.DeleteAgent(ctx, agentID))
	require.NoError(t, c.DeleteTask(ctx, taskID))
	require.NoError(t, c.DeleteScheduledJob(ctx, jobID))
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()

	_, err := New(srv.URL, "").CreateAgent(ctx, AgentFields{Name: String("x"), Role: String("y")})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, "Missing or invalid Authorization header", apiErr.Body)

	_, err = New(srv.URL, "not-a-token").Health(ctx)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "Invalid token", apiErr.Body)

	c := New(srv.URL, "")
	_, err = c.CreateUser(ctx, "host", nil)
	require.NoError(t, err)
	err = c.UpdateTask(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", TaskFields{Status: String("done")})
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

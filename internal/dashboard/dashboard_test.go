package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pilot/internal/domain"
)

var now = time.Date(2024, time.January, 1, 10, 7, 0, 0, time.UTC)

func ptr(s string) *string { return &s }

type fakeSource struct {
	agents   []domain.Agent
	tasks    []domain.Task
	jobs     []domain.ScheduledJob
	activity []domain.Activity
	limit    int
	err      error
}

func (f *fakeSource) ListAgents(context.Context, string) ([]domain.Agent, error) { return f.agents, f.err }
func (f *fakeSource) ListTasks(context.Context, string) ([]domain.Task, error)   { return f.tasks, nil }
func (f *fakeSource) ListScheduledJobs(context.Context, string) ([]domain.ScheduledJob, error) {
	return f.jobs, nil
}
func (f *fakeSource) RecentActivity(_ context.Context, _ string, limit int) ([]domain.Activity, error) {
	f.limit = limit
	return f.activity, nil
}

func TestBoardAgentNames(t *testing.T) {
	agents := []domain.Agent{{ID: "a1", Name: "Scout"}}
	tasks := []domain.Task{
		{ID: "t1", Status: domain.TaskInbox, AgentID: ptr("a1")},
		{ID: "t2", Status: domain.TaskInbox},
		{ID: "t3", Status: domain.TaskDone, AgentID: ptr("gone")},
		{ID: "t4", Status: domain.TaskInbox, AgentID: ptr("")},
	}
	board := Board(agents, tasks)
	require.Len(t, board, 3)
	require.Equal(t, []string{"Inbox", "Active", "Done"}, []string{board[0].Title, board[1].Title, board[2].Title})
	require.Equal(t, 3, board[0].Count)
	require.Equal(t, 0, board[1].Count)
	require.NotNil(t, board[1].Tasks)
	require.Equal(t, "Scout", board[0].Tasks[0].AgentName)
	require.Equal(t, Unassigned, board[0].Tasks[1].AgentName)
	require.Equal(t, Unassigned, board[0].Tasks[2].AgentName)
	require.Equal(t, Unknown, board[2].Tasks[0].AgentName)
	require.NotNil(t, board[0].Tasks[1].Tags)
}

func TestTeamLive(t *testing.T) {
	agents := []domain.Agent{{ID: "a1"}, {ID: "a2"}}
	tasks := []domain.Task{
		{AgentID: ptr("a1"), Live: false},
		{AgentID: ptr("a2"), Live: true},
		{Live: true},
	}
	team := Team(agents, tasks)
	require.False(t, team[0].Live)
	require.True(t, team[1].Live)
}

func TestJobs(t *testing.T) {
	agents := []domain.Agent{{ID: "a1", Name: "Scout"}}
	jobs := []domain.ScheduledJob{
		{ID: "j1", Cron: "*/15 * * * *", Status: domain.JobActive, AgentID: ptr("a1")},
		{ID: "j2", Cron: "*/15 * * * *", Status: domain.JobPaused},
		{ID: "j3", Cron: "0 9 * * MON", Status: domain.JobActive, AgentID: ptr("gone")},
	}
	rows := Jobs(agents, jobs, now)
	require.Equal(t, "in 8m", rows[0].NextRun)
	require.Equal(t, "Scout", rows[0].AgentName)
	require.Equal(t, Paused, rows[1].NextRun)
	require.Equal(t, InvalidSchedule, rows[2].NextRun)
	require.Empty(t, rows[2].AgentName)
}

func TestTimeAgo(t *testing.T) {
	ms := now.UnixMilli()
	require.Equal(t, "0s ago", TimeAgo(ms+5000, now))
	require.Equal(t, "59s ago", TimeAgo(ms-59_999, now))
	require.Equal(t, "1m ago", TimeAgo(ms-60_000, now))
	require.Equal(t, "59m ago", TimeAgo(ms-3_599_000, now))
	require.Equal(t, "1h ago", TimeAgo(ms-3_600_000, now))
	require.Equal(t, "2d ago", TimeAgo(ms-49*3_600_000, now))
}

func TestForAgent(t *testing.T) {
	agents := []domain.Agent{{ID: "a1", Name: "Scout"}, {ID: "a2", Name: "Other"}}
	tasks := []domain.Task{
		{ID: "t1", Status: domain.TaskActive, AgentID: ptr("a1"), Live: true},
		{ID: "t2", Status: domain.TaskActive, AgentID: ptr("a2")},
		{ID: "t3", Status: domain.TaskDone, AgentID: ptr("a1")},
	}
	page := ForAgent(agents[0], agents, tasks)
	require.True(t, page.Agent.Live)
	require.Equal(t, 1, page.Board[1].Count)
	require.Equal(t, "t1", page.Board[1].Tasks[0].ID)
	require.Equal(t, 1, page.Board[2].Count)
}

func TestBuild(t *testing.T) {
	src := &fakeSource{
		agents:   []domain.Agent{{ID: "a1", Name: "Scout"}},
		tasks:    []domain.Task{{ID: "t1", Status: domain.TaskInbox, AgentID: ptr("a1"), Live: true}},
		jobs:     []domain.ScheduledJob{{ID: "j1", Cron: "* * * * *", Status: domain.JobActive}},
		activity: []domain.Activity{{ID: "e1", Action: "deployed", AgentID: ptr("a1"), CreatedAt: now.Add(-90 * time.Second).UnixMilli()}},
	}
	d, err := Build(context.Background(), src, "u1", 4, now)
	require.NoError(t, err)
	require.Equal(t, 4, src.limit)
	require.True(t, d.Team[0].Live)
	require.Equal(t, "in 1m", d.Jobs[0].NextRun)
	require.Equal(t, "1m ago", d.Activity[0].TimeAgo)
	require.Equal(t, "Scout", d.Activity[0].AgentName)

	src.err = errors.New("boom")
	_, err = Build(context.Background(), src, "u1", 4, now)
	require.Error(t, err)
}

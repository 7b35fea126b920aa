// Package dashboard assembles the operator's panels from the stored records:
// the team, the task board, scheduled jobs and the recent activity feed.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"pilot/internal/domain"
	"pilot/internal/nextrun"
)

// Agent display names on cards.
const (
	Unassigned = "Unassigned"
	Unknown    = "Unknown"
)

// Display strings for scheduled jobs that do not show a countdown.
const (
	Paused          = "Paused"
	InvalidSchedule = "invalid schedule"
)

// Source is the read side the panels are built from.
type Source interface {
	ListAgents(ctx context.Context, userID string) ([]domain.Agent, error)
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	ListScheduledJobs(ctx context.Context, userID string) ([]domain.ScheduledJob, error)
	RecentActivity(ctx context.Context, userID string, limit int) ([]domain.Activity, error)
}

type TeamMember struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Status string `json:"status"`
	Live   bool   `json:"live"`
}

type TaskCard struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      string       `json:"status"`
	Tags        []domain.Tag `json:"tags"`
	Live        bool         `json:"live"`
	AgentID     *string      `json:"agentId,omitempty"`
	AgentName   string       `json:"agentName"`
	CreatedAt   int64        `json:"createdAt"`
}

type Column struct {
	Status string     `json:"status"`
	Title  string     `json:"title"`
	Count  int        `json:"count"`
	Tasks  []TaskCard `json:"tasks"`
}

type JobRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Cron        string `json:"cron"`
	Status      string `json:"status"`
	// AgentName is empty when the job has no agent or the agent is gone.
	AgentName string `json:"agentName,omitempty"`
	NextRun   string `json:"nextRun"`
	LastRunAt *int64 `json:"lastRunAt,omitempty"`
}

type FeedItem struct {
	ID          string `json:"id"`
	Action      string `json:"action"`
	Description string `json:"description"`
	AgentName   string `json:"agentName,omitempty"`
	TimeAgo     string `json:"timeAgo"`
	CreatedAt   int64  `json:"createdAt"`
}

type Dashboard struct {
	Team     []TeamMember `json:"team"`
	Board    []Column     `json:"board"`
	Jobs     []JobRow     `json:"jobs"`
	Activity []FeedItem   `json:"activity"`
}

// AgentPage is one agent with its tasks laid out like the board.
type AgentPage struct {
	Agent TeamMember `json:"agent"`
	Board []Column   `json:"board"`
}

// Build loads every panel for userID.
func Build(ctx context.Context, src Source, userID string, feedLimit int, now time.Time) (Dashboard, error) {
	agents, err := src.ListAgents(ctx, userID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list agents: %w", err)
	}
	tasks, err := src.ListTasks(ctx, userID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list tasks: %w", err)
	}
	jobs, err := src.ListScheduledJobs(ctx, userID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list scheduled jobs: %w", err)
	}
	activity, err := src.RecentActivity(ctx, userID, feedLimit)
	if err != nil {
		return Dashboard{}, fmt.Errorf("recent activity: %w", err)
	}
	return Dashboard{
		Team:     Team(agents, tasks),
		Board:    Board(agents, tasks),
		Jobs:     Jobs(agents, jobs, now),
		Activity: Feed(agents, activity, now),
	}, nil
}

// Team marks an agent live when any of its tasks is live.
func Team(agents []domain.Agent, tasks []domain.Task) []TeamMember {
	live := map[string]bool{}
	for _, t := range tasks {
		if t.Live && t.AgentID != nil {
			live[*t.AgentID] = true
		}
	}
	out := make([]TeamMember, 0, len(agents))
	for _, a := range agents {
		out = append(out, member(a, live[a.ID]))
	}
	return out
}

func member(a domain.Agent, live bool) TeamMember {
	return TeamMember{ID: a.ID, Name: a.Name, Role: a.Role, Status: a.Status, Live: live}
}

// Board groups tasks into the Inbox, Active and Done columns, keeping the
// order they were listed in.
func Board(agents []domain.Agent, tasks []domain.Task) []Column {
	names := AgentNames(agents)
	cols := []Column{
		{Status: domain.TaskInbox, Title: "Inbox", Tasks: []TaskCard{}},
		{Status: domain.TaskActive, Title: "Active", Tasks: []TaskCard{}},
		{Status: domain.TaskDone, Title: "Done", Tasks: []TaskCard{}},
	}
	for _, t := range tasks {
		for i := range cols {
			if cols[i].Status == t.Status {
				cols[i].Tasks = append(cols[i].Tasks, card(t, names))
				cols[i].Count++
				break
			}
		}
	}
	return cols
}

func card(t domain.Task, names map[string]string) TaskCard {
	tags := t.Tags
	if tags == nil {
		tags = []domain.Tag{}
	}
	return TaskCard{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Tags:        tags,
		Live:        t.Live,
		AgentID:     t.AgentID,
		AgentName:   CardAgentName(names, t.AgentID),
		CreatedAt:   t.CreatedAt,
	}
}

// CardAgentName is the label a task card shows for its agent.
func CardAgentName(names map[string]string, agentID *string) string {
	if agentID == nil || *agentID == "" {
		return Unassigned
	}
	if name, ok := names[*agentID]; ok {
		return name
	}
	return Unknown
}

// ForAgent builds the agent page from the user's full task list.
func ForAgent(agent domain.Agent, agents []domain.Agent, tasks []domain.Task) AgentPage {
	var mine []domain.Task
	live := false
	for _, t := range tasks {
		if t.AgentID != nil && *t.AgentID == agent.ID {
			mine = append(mine, t)
			live = live || t.Live
		}
	}
	return AgentPage{Agent: member(agent, live), Board: Board(agents, mine)}
}

// Jobs renders the scheduled jobs panel.
func Jobs(agents []domain.Agent, jobs []domain.ScheduledJob, now time.Time) []JobRow {
	names := AgentNames(agents)
	out := make([]JobRow, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Job(names, j, now))
	}
	return out
}

func Job(names map[string]string, j domain.ScheduledJob, now time.Time) JobRow {
	row := JobRow{
		ID:          j.ID,
		Name:        j.Name,
		Description: j.Description,
		Cron:        j.Cron,
		Status:      j.Status,
		NextRun:     NextRun(j, now),
		LastRunAt:   j.LastRunAt,
	}
	if j.AgentID != nil {
		row.AgentName = names[*j.AgentID]
	}
	return row
}

// NextRun is the countdown shown for a job: "Paused" for paused jobs and
// "invalid schedule" when the estimator cannot read the expression.
func NextRun(j domain.ScheduledJob, now time.Time) string {
	if j.Status != domain.JobActive {
		return Paused
	}
	s, err := nextrun.In(j.Cron, now)
	if err != nil {
		return InvalidSchedule
	}
	return s
}

// Feed renders activity entries with their age.
func Feed(agents []domain.Agent, activity []domain.Activity, now time.Time) []FeedItem {
	names := AgentNames(agents)
	out := make([]FeedItem, 0, len(activity))
	for _, a := range activity {
		item := FeedItem{
			ID:          a.ID,
			Action:      a.Action,
			Description: a.Description,
			TimeAgo:     TimeAgo(a.CreatedAt, now),
			CreatedAt:   a.CreatedAt,
		}
		if a.AgentID != nil {
			item.AgentName = names[*a.AgentID]
		}
		out = append(out, item)
	}
	return out
}

// TimeAgo renders the age of an epoch-millisecond timestamp as "Ns ago",
// "Nm ago", "Nh ago" or "Nd ago". Future timestamps read as "0s ago".
func TimeAgo(createdAt int64, now time.Time) string {
	secs := (now.UnixMilli() - createdAt) / 1000
	if secs < 0 {
		secs = 0
	}
	if secs < 60 {
		return fmt.Sprintf("%ds ago", secs)
	}
	mins := secs / 60
	if mins < 60 {
		return fmt.Sprintf("%dm ago", mins)
	}
	hours := mins / 60
	if hours < 24 {
		return fmt.Sprintf("%dh ago", hours)
	}
	return fmt.Sprintf("%dd ago", hours/24)
}

// AgentNames indexes agent names by id.
func AgentNames(agents []domain.Agent) map[string]string {
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		names[a.ID] = a.Name
	}
	return names
}

package engine

import (
	"context"

	"pilot/internal/domain"
	"pilot/internal/events"
)

// --- agents ---

type AgentInput struct {
	Name   string
	Role   string
	Status string // defaults to idle
}

func (e Engine) CreateAgent(ctx context.Context, userID string, in AgentInput) (domain.Agent, error) {
	if in.Status == "" {
		in.Status = domain.AgentIdle
	}
	if err := checkEnum("status", in.Status, domain.AgentActive, domain.AgentIdle, domain.AgentOffline); err != nil {
		return domain.Agent{}, err
	}
	a := domain.Agent{
		ID:        e.newID(),
		UserID:    userID,
		Name:      in.Name,
		Role:      in.Role,
		Status:    in.Status,
		CreatedAt: e.nowMillis(),
	}
	if err := e.Repo.InsertAgent(ctx, a); err != nil {
		return domain.Agent{}, err
	}
	e.publish(events.Created, events.EntityAgent, a.ID, userID)
	return a, nil
}

func (e Engine) UpdateAgent(ctx context.Context, userID, agentID string, p domain.AgentPatch) error {
	if err := checkID("agentId", agentID); err != nil {
		return err
	}
	if p.Status != nil {
		if err := checkEnum("status", *p.Status, domain.AgentActive, domain.AgentIdle, domain.AgentOffline); err != nil {
			return err
		}
	}
	owner, err := e.authorize(ctx, "agents", agentID, userID)
	if err != nil {
		return err
	}
	if err := e.Repo.UpdateAgent(ctx, agentID, p); err != nil {
		return err
	}
	e.publish(events.Updated, events.EntityAgent, agentID, owner)
	return nil
}

// DeleteAgent removes the agent and nothing else. Tasks and jobs that
// referenced it keep the dangling id.
func (e Engine) DeleteAgent(ctx context.Context, userID, agentID string) error {
	if err := checkID("agentId", agentID); err != nil {
		return err
	}
	owner, found, err := e.authorizeDelete(ctx, "agents", agentID, userID)
	if err != nil || !found {
		return err
	}
	if err := e.Repo.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	e.publish(events.Deleted, events.EntityAgent, agentID, owner)
	return nil
}

func (e Engine) ListAgents(ctx context.Context, userID string) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, userID)
}

func (e Engine) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	if err := checkID("agentId", agentID); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, agentID)
}

// --- tasks ---

type TaskInput struct {
	AgentID     *string
	Title       string
	Description string
	Status      string // defaults to inbox
	Tags        []domain.Tag
	Live        bool
}

func (e Engine) CreateTask(ctx context.Context, userID string, in TaskInput) (domain.Task, error) {
	if in.Status == "" {
		in.Status = domain.TaskInbox
	}
	if err := checkEnum("status", in.Status, domain.TaskInbox, domain.TaskActive, domain.TaskDone); err != nil {
		return domain.Task{}, err
	}
	if err := checkOptionalID("agentId", in.AgentID); err != nil {
		return domain.Task{}, err
	}
	if in.Tags == nil {
		in.Tags = []domain.Tag{}
	}
	t := domain.Task{
		ID:          e.newID(),
		UserID:      userID,
		AgentID:     nonEmpty(in.AgentID),
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Tags:        in.Tags,
		Live:        in.Live,
		CreatedAt:   e.nowMillis(),
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	e.publish(events.Created, events.EntityTask, t.ID, userID)
	return t, nil
}

// UpdateTask applies a partial patch. Supplied tags replace the stored list.
func (e Engine) UpdateTask(ctx context.Context, userID, taskID string, p domain.TaskPatch) error {
	if err := checkID("taskId", taskID); err != nil {
		return err
	}
	if p.Status != nil {
		if err := checkEnum("status", *p.Status, domain.TaskInbox, domain.TaskActive, domain.TaskDone); err != nil {
			return err
		}
	}
	if err := checkOptionalID("agentId", p.AgentID); err != nil {
		return err
	}
	owner, err := e.authorize(ctx, "tasks", taskID, userID)
	if err != nil {
		return err
	}
	if err := e.Repo.UpdateTask(ctx, taskID, p); err != nil {
		return err
	}
	e.publish(events.Updated, events.EntityTask, taskID, owner)
	return nil
}

func (e Engine) DeleteTask(ctx context.Context, userID, taskID string) error {
	if err := checkID("taskId", taskID); err != nil {
		return err
	}
	owner, found, err := e.authorizeDelete(ctx, "tasks", taskID, userID)
	if err != nil || !found {
		return err
	}
	if err := e.Repo.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	e.publish(events.Deleted, events.EntityTask, taskID, owner)
	return nil
}

func (e Engine) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, userID)
}

func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	if err := checkID("taskId", taskID); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// --- activity ---

type ActivityInput struct {
	AgentID     *string
	TaskID      *string
	Action      string
	Description string
}

// CreateActivity appends to the user's activity log.
func (e Engine) CreateActivity(ctx context.Context, userID string, in ActivityInput) (domain.Activity, error) {
	if err := checkOptionalID("agentId", in.AgentID); err != nil {
		return domain.Activity{}, err
	}
	if err := checkOptionalID("taskId", in.TaskID); err != nil {
		return domain.Activity{}, err
	}
	a := domain.Activity{
		ID:          e.newID(),
		UserID:      userID,
		AgentID:     nonEmpty(in.AgentID),
		TaskID:      nonEmpty(in.TaskID),
		Action:      in.Action,
		Description: in.Description,
		CreatedAt:   e.nowMillis(),
	}
	if err := e.Repo.InsertActivity(ctx, a); err != nil {
		return domain.Activity{}, err
	}
	e.publish(events.Created, events.EntityActivity, a.ID, userID)
	return a, nil
}

// DefaultActivityLimit is how many entries RecentActivity returns when the
// caller does not say.
const DefaultActivityLimit = 4

func (e Engine) RecentActivity(ctx context.Context, userID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	return e.Repo.RecentActivity(ctx, userID, limit)
}

func (e Engine) GetActivity(ctx context.Context, activityID string) (domain.Activity, error) {
	if err := checkID("activityId", activityID); err != nil {
		return domain.Activity{}, err
	}
	return e.Repo.GetActivity(ctx, activityID)
}

// --- scheduled jobs ---

type ScheduledJobInput struct {
	AgentID     *string
	Name        string
	Description string
	Cron        string
	Status      string // defaults to active
}

func (e Engine) CreateScheduledJob(ctx context.Context, userID string, in ScheduledJobInput) (domain.ScheduledJob, error) {
	if in.Status == "" {
		in.Status = domain.JobActive
	}
	if err := checkEnum("status", in.Status, domain.JobActive, domain.JobPaused); err != nil {
		return domain.ScheduledJob{}, err
	}
	if err := checkCron(in.Cron); err != nil {
		return domain.ScheduledJob{}, err
	}
	if err := checkOptionalID("agentId", in.AgentID); err != nil {
		return domain.ScheduledJob{}, err
	}
	j := domain.ScheduledJob{
		ID:          e.newID(),
		UserID:      userID,
		AgentID:     nonEmpty(in.AgentID),
		Name:        in.Name,
		Description: in.Description,
		Cron:        in.Cron,
		Status:      in.Status,
		CreatedAt:   e.nowMillis(),
	}
	if err := e.Repo.InsertScheduledJob(ctx, j); err != nil {
		return domain.ScheduledJob{}, err
	}
	e.publish(events.Created, events.EntityScheduledJob, j.ID, userID)
	return j, nil
}

// UpdateScheduledJob applies a partial patch. Agents report lastRunAt and
// nextRunAt themselves; pilot never runs jobs.
func (e Engine) UpdateScheduledJob(ctx context.Context, userID, jobID string, p domain.ScheduledJobPatch) error {
	if err := checkID("jobId", jobID); err != nil {
		return err
	}
	if p.Status != nil {
		if err := checkEnum("status", *p.Status, domain.JobActive, domain.JobPaused); err != nil {
			return err
		}
	}
	if p.Cron != nil {
		if err := checkCron(*p.Cron); err != nil {
			return err
		}
	}
	if err := checkOptionalID("agentId", p.AgentID); err != nil {
		return err
	}
	owner, err := e.authorize(ctx, "scheduled_jobs", jobID, userID)
	if err != nil {
		return err
	}
	if err := e.Repo.UpdateScheduledJob(ctx, jobID, p); err != nil {
		return err
	}
	e.publish(events.Updated, events.EntityScheduledJob, jobID, owner)
	return nil
}

func (e Engine) DeleteScheduledJob(ctx context.Context, userID, jobID string) error {
	if err := checkID("jobId", jobID); err != nil {
		return err
	}
	owner, found, err := e.authorizeDelete(ctx, "scheduled_jobs", jobID, userID)
	if err != nil || !found {
		return err
	}
	if err := e.Repo.DeleteScheduledJob(ctx, jobID); err != nil {
		return err
	}
	e.publish(events.Deleted, events.EntityScheduledJob, jobID, owner)
	return nil
}

func (e Engine) ListScheduledJobs(ctx context.Context, userID string) ([]domain.ScheduledJob, error) {
	return e.Repo.ListScheduledJobs(ctx, userID)
}

func (e Engine) GetScheduledJob(ctx context.Context, jobID string) (domain.ScheduledJob, error) {
	if err := checkID("jobId", jobID); err != nil {
		return domain.ScheduledJob{}, err
	}
	return e.Repo.GetScheduledJob(ctx, jobID)
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

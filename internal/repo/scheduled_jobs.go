package repo

import (
	"context"
	"database/sql"

	"pilot/internal/domain"
)

const jobColumns = `id, user_id, agent_id, name, description, cron, status, last_run_at, next_run_at, created_at`

func scanScheduledJob(row scanner) (domain.ScheduledJob, error) {
	var j domain.ScheduledJob
	var agentID sql.NullString
	var lastRun, nextRun sql.NullInt64
	err := row.Scan(&j.ID, &j.UserID, &agentID, &j.Name, &j.Description, &j.Cron, &j.Status, &lastRun, &nextRun, &j.CreatedAt)
	if isNoRows(err) {
		return domain.ScheduledJob{}, ErrNotFound
	}
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	j.AgentID = stringPtr(agentID)
	j.LastRunAt = int64Ptr(lastRun)
	j.NextRunAt = int64Ptr(nextRun)
	return j, nil
}

func (r Repo) InsertScheduledJob(ctx context.Context, j domain.ScheduledJob) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scheduled_jobs(id, user_id, agent_id, name, description, cron, status, last_run_at, next_run_at, created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.UserID, nullableStringPtr(j.AgentID), j.Name, j.Description, j.Cron, j.Status, nullableInt64Ptr(j.LastRunAt), nullableInt64Ptr(j.NextRunAt), j.CreatedAt)
	return err
}

func (r Repo) GetScheduledJob(ctx context.Context, id string) (domain.ScheduledJob, error) {
	return scanScheduledJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id=?`, id))
}

// ListScheduledJobs returns a user's jobs in creation order.
func (r Repo) ListScheduledJobs(ctx context.Context, userID string) ([]domain.ScheduledJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE user_id=? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ScheduledJob{}
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// UpdateScheduledJob writes the supplied fields. Run times are only ever set
// here; nothing in pilot advances them on its own.
func (r Repo) UpdateScheduledJob(ctx context.Context, id string, p domain.ScheduledJobPatch) error {
	var set setList
	if p.AgentID != nil {
		set.add("agent_id", nullableStringPtr(p.AgentID))
	}
	if p.Name != nil {
		set.add("name", *p.Name)
	}
	if p.Description != nil {
		set.add("description", *p.Description)
	}
	if p.Cron != nil {
		set.add("cron", *p.Cron)
	}
	if p.Status != nil {
		set.add("status", *p.Status)
	}
	if p.LastRunAt != nil {
		set.add("last_run_at", *p.LastRunAt)
	}
	if p.NextRunAt != nil {
		set.add("next_run_at", *p.NextRunAt)
	}
	return r.patch(ctx, "scheduled_jobs", id, set)
}

func (r Repo) DeleteScheduledJob(ctx context.Context, id string) error {
	return r.remove(ctx, "scheduled_jobs", id)
}

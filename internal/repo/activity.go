package repo

import (
	"context"
	"database/sql"

	"pilot/internal/domain"
)

const activityColumns = `id, user_id, agent_id, task_id, action, description, created_at`

func scanActivity(row scanner) (domain.Activity, error) {
	var a domain.Activity
	var agentID, taskID sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &agentID, &taskID, &a.Action, &a.Description, &a.CreatedAt)
	if isNoRows(err) {
		return domain.Activity{}, ErrNotFound
	}
	if err != nil {
		return domain.Activity{}, err
	}
	a.AgentID = stringPtr(agentID)
	a.TaskID = stringPtr(taskID)
	return a, nil
}

// InsertActivity appends to the log. Activity is never updated or deleted.
func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO activity(id, user_id, agent_id, task_id, action, description, created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.UserID, nullableStringPtr(a.AgentID), nullableStringPtr(a.TaskID), a.Action, a.Description, a.CreatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	return scanActivity(r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activity WHERE id=?`, id))
}

// RecentActivity returns up to limit entries, newest first.
func (r Repo) RecentActivity(ctx context.Context, userID string, limit int) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityColumns+` FROM activity WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Activity{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

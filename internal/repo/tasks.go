package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pilot/internal/domain"
)

const taskColumns = `id, user_id, agent_id, title, description, status, tags_json, live, created_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var agentID sql.NullString
	var tagsJSON string
	var live int
	err := row.Scan(&t.ID, &t.UserID, &agentID, &t.Title, &t.Description, &t.Status, &tagsJSON, &live, &t.CreatedAt)
	if isNoRows(err) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	t.AgentID = stringPtr(agentID)
	t.Live = live != 0
	if t.Tags, err = decodeTags(tagsJSON); err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return t, nil
}

func encodeTags(tags []domain.Tag) (string, error) {
	if tags == nil {
		tags = []domain.Tag{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(raw string) ([]domain.Tag, error) {
	tags := []domain.Tag{}
	if raw == "" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return tags, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(id, user_id, agent_id, title, description, status, tags_json, live, created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, nullableStringPtr(t.AgentID), t.Title, t.Description, t.Status, tags, boolInt(t.Live), t.CreatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListTasks returns a user's tasks in creation order.
func (r Repo) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id=? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTask writes the supplied fields. Tags replace the stored list wholesale.
func (r Repo) UpdateTask(ctx context.Context, id string, p domain.TaskPatch) error {
	var set setList
	if p.AgentID != nil {
		set.add("agent_id", nullableStringPtr(p.AgentID))
	}
	if p.Title != nil {
		set.add("title", *p.Title)
	}
	if p.Description != nil {
		set.add("description", *p.Description)
	}
	if p.Status != nil {
		set.add("status", *p.Status)
	}
	if p.Tags != nil {
		tags, err := encodeTags(p.Tags)
		if err != nil {
			return err
		}
		set.add("tags_json", tags)
	}
	if p.Live != nil {
		set.add("live", boolInt(*p.Live))
	}
	return r.patch(ctx, "tasks", id, set)
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	return r.remove(ctx, "tasks", id)
}

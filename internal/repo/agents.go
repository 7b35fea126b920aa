package repo

import (
	"context"

	"pilot/internal/domain"
)

const agentColumns = `id, user_id, name, role, status, created_at`

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Role, &a.Status, &a.CreatedAt)
	if isNoRows(err) {
		return domain.Agent{}, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id, user_id, name, role, status, created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.UserID, a.Name, a.Role, a.Status, a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

// ListAgents returns a user's agents in creation order.
func (r Repo) ListAgents(ctx context.Context, userID string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE user_id=? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAgent(ctx context.Context, id string, p domain.AgentPatch) error {
	var set setList
	if p.Name != nil {
		set.add("name", *p.Name)
	}
	if p.Role != nil {
		set.add("role", *p.Role)
	}
	if p.Status != nil {
		set.add("status", *p.Status)
	}
	return r.patch(ctx, "agents", id, set)
}

// DeleteAgent removes the agent only; tasks, activity and jobs that point at
// it keep their (now dangling) agent id.
func (r Repo) DeleteAgent(ctx context.Context, id string) error {
	return r.remove(ctx, "agents", id)
}

package repo

import (
	"context"
	"database/sql"
	"errors"

	"pilot/internal/domain"
)

const userColumns = `id, external_id, token, COALESCE(name,''), onboarding_complete, health_check_at, last_heartbeat_at, created_at`

func scanUser(row scanner) (domain.User, error) {
	var u domain.User
	var onboarded int
	var healthAt, heartbeatAt sql.NullInt64
	err := row.Scan(&u.ID, &u.ExternalID, &u.Token, &u.Name, &onboarded, &healthAt, &heartbeatAt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.OnboardingComplete = onboarded != 0
	u.HealthCheckAt = int64Ptr(healthAt)
	u.LastHeartbeatAt = int64Ptr(heartbeatAt)
	return u, nil
}

// InsertUser stores a new user. A duplicate token or external id yields ErrConflict.
func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	if u.ID == "" || u.ExternalID == "" || u.Token == "" {
		return errors.New("id, external id and token required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id, external_id, token, name, onboarding_complete, health_check_at, last_heartbeat_at, created_at) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.ExternalID, u.Token, nullable(u.Name), boolInt(u.OnboardingComplete), nullableInt64Ptr(u.HealthCheckAt), nullableInt64Ptr(u.LastHeartbeatAt), u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

// GetUserByToken resolves a bearer token to its user.
func (r Repo) GetUserByToken(ctx context.Context, token string) (domain.User, error) {
	if token == "" {
		return domain.User{}, ErrNotFound
	}
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE token=?`, token))
}

// GetUserByExternalID resolves an identity provider subject to its user.
func (r Repo) GetUserByExternalID(ctx context.Context, externalID string) (domain.User, error) {
	if externalID == "" {
		return domain.User{}, ErrNotFound
	}
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id=?`, externalID))
}

func (r Repo) UpdateUser(ctx context.Context, id string, p domain.UserPatch) error {
	var set setList
	if p.Name != nil {
		set.add("name", nullable(*p.Name))
	}
	if p.OnboardingComplete != nil {
		set.add("onboarding_complete", boolInt(*p.OnboardingComplete))
	}
	if p.HealthCheckAt != nil {
		set.add("health_check_at", *p.HealthCheckAt)
	}
	if p.LastHeartbeatAt != nil {
		set.add("last_heartbeat_at", *p.LastHeartbeatAt)
	}
	return r.patch(ctx, "users", id, set)
}

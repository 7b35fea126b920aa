package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a unique constraint violation (token or external id).
	ErrConflict = errors.New("conflict")
)

type scanner interface {
	Scan(dest ...any) error
}

// setList accumulates the columns of a partial update. Only fields that were
// supplied are added, so absent fields keep their stored values.
type setList struct {
	fields []string
	args   []any
}

func (s *setList) add(column string, value any) {
	s.fields = append(s.fields, column+"=?")
	s.args = append(s.args, value)
}

func (s *setList) empty() bool { return len(s.fields) == 0 }

func (r Repo) patch(ctx context.Context, table, id string, set setList) error {
	if set.empty() {
		return r.exists(ctx, table, id)
	}
	args := append(set.args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id=?`, table, strings.Join(set.fields, ",")), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) exists(ctx context.Context, table, id string) error {
	var one int
	err := r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id=?`, table), id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// remove deletes a row if present. Deleting a missing row is not an error.
func (r Repo) remove(ctx context.Context, table, id string) error {
	if _, err := r.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table), id); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

// Owner returns the owning user id of a row in one of the user-scoped tables.
func (r Repo) Owner(ctx context.Context, table, id string) (string, error) {
	switch table {
	case "agents", "tasks", "activity", "scheduled_jobs":
	default:
		return "", fmt.Errorf("table %s has no owner", table)
	}
	var userID string
	err := r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT user_id FROM %s WHERE id=?`, table), id).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return userID, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

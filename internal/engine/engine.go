package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"pilot/internal/config"
	"pilot/internal/domain"
	"pilot/internal/engine/auth"
	"pilot/internal/events"
	"pilot/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Publisher
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, pub events.Publisher) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: pub,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CurrentTime is the engine clock, for callers that render relative times.
func (e Engine) CurrentTime() time.Time {
	return e.now()
}

func (e Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

// newID returns a ULID stamped with the engine clock, so ids sort with createdAt.
func (e Engine) newID() string {
	return ulid.MustNew(ulid.Timestamp(e.now()), ulid.DefaultEntropy()).String()
}

func (e Engine) publish(kind, entity, id, userID string) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(events.Change{Kind: kind, Entity: entity, ID: id, UserID: userID, At: e.nowMillis()})
}

// ValidationError reports caller input the engine refuses to store.
type ValidationError struct {
	Field   string
	Message string
}

func (v ValidationError) Error() string {
	if v.Field == "" {
		return "invalid input: " + v.Message
	}
	return fmt.Sprintf("invalid %s: %s", v.Field, v.Message)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func checkID(field, id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return invalid(field, "%q is not a valid id", id)
	}
	return nil
}

func checkOptionalID(field string, id *string) error {
	if id == nil || *id == "" {
		return nil
	}
	return checkID(field, *id)
}

func checkEnum(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return invalid(field, "%q must be one of %s", value, strings.Join(allowed, ", "))
}

// checkCron only counts fields; whether the estimator understands the
// expression is decided at display time.
func checkCron(expr string) error {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return invalid("cron", "%q must have 5 fields, got %d", expr, len(parts))
	}
	return nil
}

// errNotOwner hides records of other users when ownership is enforced.
var errNotOwner = fmt.Errorf("%w: owned by another user", repo.ErrNotFound)

// authorize returns the owner of a user-scoped record. Ownership is only
// checked when auth.enforce_ownership is set; otherwise any authenticated
// caller may patch or delete by id.
func (e Engine) authorize(ctx context.Context, table, id, callerID string) (string, error) {
	owner, err := e.Repo.Owner(ctx, table, id)
	if err != nil {
		return "", err
	}
	if e.Config != nil && e.Config.Auth.EnforceOwnership && owner != callerID {
		return "", errNotOwner
	}
	return owner, nil
}

// authorizeDelete is authorize for deletes, where a missing record is not an error.
func (e Engine) authorizeDelete(ctx context.Context, table, id, callerID string) (owner string, found bool, err error) {
	owner, err = e.authorize(ctx, table, id, callerID)
	switch {
	case errors.Is(err, errNotOwner):
		return "", false, err
	case errors.Is(err, repo.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return owner, true, nil
}

// --- users ---

// CreateUser stores a new user. A duplicate external id or token yields
// repo.ErrConflict; use EnsureUser for idempotent onboarding.
func (e Engine) CreateUser(ctx context.Context, externalID, token, name string) (domain.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.User{}, invalid("externalId", "required")
	}
	if token == "" {
		token = uuid.NewString()
	}
	u := domain.User{
		ID:         e.newID(),
		ExternalID: externalID,
		Token:      token,
		Name:       name,
		CreatedAt:  e.nowMillis(),
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	e.publish(events.Created, events.EntityUser, u.ID, u.ID)
	return u, nil
}

// EnsureUser returns the user for externalID, creating it on first sight.
// Repeated calls return the same id and token.
func (e Engine) EnsureUser(ctx context.Context, externalID, name string) (domain.User, bool, error) {
	u, err := e.Repo.GetUserByExternalID(ctx, strings.TrimSpace(externalID))
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, false, err
	}
	u, err = e.CreateUser(ctx, externalID, "", name)
	if errors.Is(err, repo.ErrConflict) {
		// Lost a race with a concurrent onboarding of the same identity.
		u, err = e.Repo.GetUserByExternalID(ctx, strings.TrimSpace(externalID))
		return u, false, err
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}

func (e Engine) UpdateUser(ctx context.Context, userID string, name *string) error {
	if err := e.Repo.UpdateUser(ctx, userID, domain.UserPatch{Name: name}); err != nil {
		return err
	}
	e.publish(events.Updated, events.EntityUser, userID, userID)
	return nil
}

// CompleteOnboarding ensures the signed-in operator has a user record and a
// first agent, and hands back the bearer token their agents should use.
func (e Engine) CompleteOnboarding(ctx context.Context, id auth.Identity, name, agentName string) (string, error) {
	if strings.TrimSpace(id.Subject) == "" {
		return "", auth.ErrAuthenticationMissing
	}
	if strings.TrimSpace(agentName) == "" {
		return "", invalid("agentName", "required")
	}
	u, _, err := e.EnsureUser(ctx, id.Subject, name)
	if err != nil {
		return "", err
	}
	if name != "" && name != u.Name {
		if err := e.UpdateUser(ctx, u.ID, &name); err != nil {
			return "", err
		}
	}
	agents, err := e.Repo.ListAgents(ctx, u.ID)
	if err != nil {
		return "", err
	}
	if len(agents) == 0 {
		if _, err := e.CreateAgent(ctx, u.ID, AgentInput{Name: agentName, Role: "Lead", Status: domain.AgentIdle}); err != nil {
			return "", err
		}
	}
	return u.Token, nil
}

// RecordHeartbeat marks the user's agents as alive.
func (e Engine) RecordHeartbeat(ctx context.Context, userID string) error {
	now := e.nowMillis()
	if err := e.Repo.UpdateUser(ctx, userID, domain.UserPatch{LastHeartbeatAt: &now}); err != nil {
		return err
	}
	e.publish(events.Updated, events.EntityUser, userID, userID)
	return nil
}

// RecordHealthCheck stamps the health check and completes onboarding: the
// first successful call proves an agent is wired up.
func (e Engine) RecordHealthCheck(ctx context.Context, userID string) error {
	now := e.nowMillis()
	done := true
	if err := e.Repo.UpdateUser(ctx, userID, domain.UserPatch{HealthCheckAt: &now, OnboardingComplete: &done}); err != nil {
		return err
	}
	e.publish(events.Updated, events.EntityUser, userID, userID)
	return nil
}

// CurrentUser resolves a session subject. A missing subject or an identity
// that never onboarded is "no user", not an error.
func (e Engine) CurrentUser(ctx context.Context, subject string) (*domain.User, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, nil
	}
	u, err := e.Repo.GetUserByExternalID(ctx, subject)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (e Engine) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return e.Repo.GetUser(ctx, userID)
}

// Online reports whether the user's agents sent a heartbeat within the
// configured presence window.
func (e Engine) Online(u domain.User) bool {
	if u.LastHeartbeatAt == nil {
		return false
	}
	window := config.Default().OnlineWindow()
	if e.Config != nil {
		window = e.Config.OnlineWindow()
	}
	return e.nowMillis()-*u.LastHeartbeatAt <= window.Milliseconds()
}

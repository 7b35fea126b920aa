package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"pilot/internal/dashboard"
	"pilot/internal/domain"
	"pilot/internal/engine"
	"pilot/internal/engine/auth"
	"pilot/internal/events"
	"pilot/internal/repo"
)

var uiErrors = []int{
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

// sessionUser resolves the signed-in operator to a stored user. An identity
// that has not onboarded yet has no data to read.
func sessionUser(ctx context.Context, e engine.Engine) (domain.User, error) {
	id, authErr := requireIdentity(ctx)
	if authErr != nil {
		return domain.User{}, authErr
	}
	u, err := e.CurrentUser(ctx, id.Subject)
	if err != nil {
		return domain.User{}, handleError(err)
	}
	if u == nil {
		return domain.User{}, newAPIError(http.StatusNotFound, "not_onboarded", "complete onboarding first", nil)
	}
	return *u, nil
}

// lookupError maps point-lookup failures to 404. Malformed ids and records
// owned by someone else look the same as missing ones.
func lookupError(err error) huma.StatusError {
	var ve engine.ValidationError
	if errors.As(err, &ve) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	return handleError(err)
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Description: "user is null when signed out or not yet onboarded.",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		out := &struct {
			Body MeResponse `json:"body"`
		}{}
		id, ok := identityFromContext(ctx)
		if !ok {
			return out, nil
		}
		u, err := e.CurrentUser(ctx, id.Subject)
		if err != nil {
			return nil, handleError(err)
		}
		if u != nil {
			out.Body.User = &UserView{User: *u, Token: u.Token, Online: e.Online(*u)}
		}
		return out, nil
	})
}

func registerOnboarding(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-onboarding",
		Method:      http.MethodPost,
		Path:        "/onboarding",
		Summary:     "Complete onboarding",
		Description: "Creates the user and a first agent on first call and returns the agent token. Repeat calls return the same token.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body OnboardingRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		id, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := strings.TrimSpace(input.Body.Name)
		if name == "" {
			name = id.Name
		}
		token, err := e.CompleteOnboarding(ctx, id, name, strings.TrimSpace(input.Body.AgentName))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
	})
}

func registerUIReads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Errors:      uiErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := e.ListAgents(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Agent page",
		Description: "The agent with its tasks laid out as a board.",
		Errors:      uiErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body dashboard.AgentPage `json:"body"`
	}, error) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			return nil, err
		}
		agent, err := e.GetAgent(ctx, input.ID)
		if err != nil {
			return nil, lookupError(err)
		}
		if agent.UserID != u.ID {
			return nil, lookupError(repo.ErrNotFound)
		}
		agents, err := e.ListAgents(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.ListTasks(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dashboard.AgentPage `json:"body"`
		}{Body: dashboard.ForAgent(agent, agents, tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      uiErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := e.ListTasks(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      uiErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body dashboard.TaskCard `json:"body"`
	}, error) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			return nil, err
		}
		task, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, lookupError(err)
		}
		if task.UserID != u.ID {
			return nil, lookupError(repo.ErrNotFound)
		}
		agents, err := e.ListAgents(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		board := dashboard.Board(agents, []domain.Task{task})
		var card dashboard.TaskCard
		for _, col := range board {
			if len(col.Tasks) > 0 {
				card = col.Tasks[0]
			}
		}
		return &struct {
			Body dashboard.TaskCard `json:"body"`
		}{Body: card}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Recent activity",
		Description: "Newest first.",
		Errors:      uiErrors,
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"100" doc:"Defaults to the configured feed size"`
	}) (*struct {
		Body []domain.Activity `json:"body"`
	}, error) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			return nil, err
		}
		limit := input.Limit
		if limit == 0 && e.Config != nil {
			limit = e.Config.FeedLimit()
		}
		items, err := e.RecentActivity(ctx, u.ID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Activity `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/activity/{id}",
		Summary:     "Get activity entry",
		Errors:      uiErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body dashboard.FeedItem `json:"body"`
	}, error) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			return nil, err
		}
		a, err := e.GetActivity(ctx, input.ID)
		if err != nil {
			return nil, lookupError(err)
		}
		if a.UserID != u.ID {
			return nil, lookupError(repo.ErrNotFound)
		}
		agents, err := e.ListAgents(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dashboard.FeedItem `json:"body"`
		}{Body: dashboard.Feed(agents, []domain.Activity{a}, e.CurrentTime())[0]}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scheduled-jobs",
		Method:      http.MethodGet,
		Path:        "/scheduled-jobs",
		Summary:     "List scheduled jobs",
		Errors:      uiErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ScheduledJob `json:"body"`
	}, error) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := e.ListScheduledJobs(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ScheduledJob `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scheduled-job",
		Method:      http.MethodGet,
		Path:        "/scheduled-jobs/{id}",
		Summary:     "Get scheduled job",
		Description: "Includes the estimated next run.",
		Errors:      uiErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body dashboard.JobRow `json:"body"`
	}, error) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			return nil, err
		}
		job, err := e.GetScheduledJob(ctx, input.ID)
		if err != nil {
			return nil, lookupError(err)
		}
		if job.UserID != u.ID {
			return nil, lookupError(repo.ErrNotFound)
		}
		agents, err := e.ListAgents(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dashboard.JobRow `json:"body"`
		}{Body: dashboard.Job(dashboard.AgentNames(agents), job, e.CurrentTime())}, nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Dashboard panels",
		Description: "Team, task board, scheduled jobs and activity feed in one call.",
		Errors:      uiErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body dashboard.Dashboard `json:"body"`
	}, error) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			return nil, err
		}
		limit := engine.DefaultActivityLimit
		if e.Config != nil {
			limit = e.Config.FeedLimit()
		}
		d, err := dashboard.Build(ctx, e, u.ID, limit, e.CurrentTime())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dashboard.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}

// ResyncMessage tells a stream client it missed changes and should refetch.
type ResyncMessage struct {
	Reason string `json:"reason"`
}

type PingMessage struct {
	At int64 `json:"at"`
}

const streamKeepAlive = 25 * time.Second

func registerStream(api huma.API, e engine.Engine, broker *events.Broker) {
	sse.Register(api, huma.Operation{
		OperationID: "stream",
		Method:      http.MethodGet,
		Path:        "/stream",
		Summary:     "Change stream",
		Description: "Server-sent events for every write to the signed-in user's records. A resync event means changes were dropped.",
	}, map[string]any{
		"change": events.Change{},
		"resync": ResyncMessage{},
		"ping":   PingMessage{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		u, err := sessionUser(ctx, e)
		if err != nil {
			// newStreamGate already answered.
			return
		}
		sub := broker.Subscribe(u.ID)
		defer sub.Close()
		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := send.Data(PingMessage{At: e.CurrentTime().UnixMilli()}); err != nil {
					return
				}
			case change, ok := <-sub.C():
				if !ok {
					return
				}
				if sub.NeedsResync() {
					if err := send.Data(ResyncMessage{Reason: "overflow"}); err != nil {
						return
					}
				}
				if err := send.Data(change); err != nil {
					return
				}
			}
		}
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a session for any subject",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		ttl := 24 * time.Hour
		if e.Config != nil {
			ttl = e.Config.SessionTTL()
		}
		token, err := auth.MintIdentity(auth.Identity{Subject: subject, Name: strPtrValue(input.Body.Name)}, authCfg.JWTSecret, ttl, e.CurrentTime())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
	})
}

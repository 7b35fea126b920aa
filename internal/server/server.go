package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pilot/internal/domain"
	"pilot/internal/engine"
	"pilot/internal/engine/auth"
	"pilot/internal/events"
	"pilot/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Broker feeds /ui/stream. Streaming is disabled when nil.
	Broker  *events.Broker
	Auth    AuthConfig
	Version string
}

const (
	apiPrefix = "/api"
	uiPrefix  = "/ui"
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"status\"}"`
}

// apiError is the JSON error envelope: {"error": {"code", "message", "details"}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the agent API and the dashboard API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.DB == nil {
		return nil, errors.New("engine not configured")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are bad requests here.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(cfg.Auth.logger()))
	router.Use(middleware.Recoverer)
	router.Use(newTokenMiddleware(apiPrefix, cfg.Auth, cfg.Engine.Repo))
	router.Use(newSessionMiddleware(uiPrefix, cfg.Auth))
	router.Use(streamDeadline(uiPrefix + "/stream"))
	router.Use(newStreamGate(uiPrefix+"/stream", cfg.Engine))

	hcfg := huma.DefaultConfig("Pilot API", cfg.Version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	// Bodies are exactly the documented envelopes, without a $schema link.
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)

	agentAPI := huma.NewGroup(api, apiPrefix)
	registerUsers(agentAPI, cfg.Engine)
	registerAgents(agentAPI, cfg.Engine)
	registerTasks(agentAPI, cfg.Engine)
	registerActivity(agentAPI, cfg.Engine)
	registerScheduledJobs(agentAPI, cfg.Engine)
	registerPresence(agentAPI, cfg.Engine)

	uiAPI := huma.NewGroup(api, uiPrefix)
	registerMe(uiAPI, cfg.Engine)
	registerOnboarding(uiAPI, cfg.Engine)
	registerUIReads(uiAPI, cfg.Engine)
	registerDashboard(uiAPI, cfg.Engine)
	if cfg.Broker != nil {
		registerStream(uiAPI, cfg.Engine, cfg.Broker)
	}
	if cfg.Auth.DevLogin {
		cfg.Auth.logger().Printf("WARNING: dev login enabled; anyone can mint dashboard sessions")
		registerDevAuth(uiAPI, cfg.Engine, cfg.Auth)
	}

	registerDocs(router)
	registerOpenAPI(router, api)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), details)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", "already exists", nil)
	case errors.Is(err, auth.ErrAuthenticationMissing), errors.Is(err, auth.ErrAuthenticationInvalid):
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "canceled", "request canceled", nil)
	default:
		log.Printf("internal error: %v", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Printf("%s %s %d %dB %s [%s]", r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(),
					time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// streamDeadline lifts the server write timeout for the long-lived event stream.
func streamDeadline(path string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path {
				_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
			}
			next.ServeHTTP(w, r)
		})
	}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML("/openapi.json"))
	})
}

func registerOpenAPI(r chi.Router, api huma.API) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		// Operations are all registered before the first request is served.
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity documents the two schemes: agent tokens on /api and
// dashboard sessions on /ui.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["agentToken"] = &huma.SecurityScheme{
		Type:   "http",
		Scheme: "bearer",
	}
	oas.Components.SecuritySchemes["session"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			switch {
			case route == apiPrefix+"/users", route == uiPrefix+"/auth/dev/login":
				op.Security = []map[string][]string{}
			case strings.HasPrefix(route, apiPrefix+"/"):
				op.Security = []map[string][]string{{"agentToken": {}}}
			default:
				op.Security = []map[string][]string{{"session": {}}}
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func swaggerHTML(specURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pilot API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Agents authenticate with Authorization: Bearer &lt;token&gt; from POST /api/users.
    </p>
  </body>
</html>`, specURL)
}

var agentErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func success() *struct {
	Body SuccessResponse `json:"body"`
} {
	return &struct {
		Body SuccessResponse `json:"body"`
	}{Body: SuccessResponse{Success: true}}
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-user",
		Method:      http.MethodPost,
		Path:        "/users",
		Summary:     "Create user (idempotent per externalId)",
		Description: "Issues the bearer token agents use for every other /api call. Calling again with the same externalId returns the same user and token.",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body CreateUserResponse `json:"body"`
	}, error) {
		name := ""
		if input.Body.Name != nil {
			name = *input.Body.Name
		}
		u, _, err := e.EnsureUser(ctx, input.Body.ExternalID, name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateUserResponse `json:"body"`
		}{Body: CreateUserResponse{UserID: u.ID, Token: u.Token}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-agent",
		Method:      http.MethodPost,
		Path:        "/agents",
		Summary:     "Create agent",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body CreateAgentResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAgent(ctx, userID, engine.AgentInput{
			Name:   input.Body.Name,
			Role:   input.Body.Role,
			Status: strPtrValue(input.Body.Status),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAgentResponse `json:"body"`
		}{Body: CreateAgentResponse{AgentID: a.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents",
		Summary:     "Update agent",
		Description: "Only supplied fields change.",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		err := e.UpdateAgent(ctx, userID, input.Body.AgentID, domain.AgentPatch{
			Name:   input.Body.Name,
			Role:   input.Body.Role,
			Status: input.Body.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-agent",
		Method:      http.MethodDelete,
		Path:        "/agents",
		Summary:     "Delete agent",
		Description: "Tasks, activity and jobs keep their reference to the deleted agent.",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body DeleteAgentRequest `json:"body"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAgent(ctx, userID, input.Body.AgentID); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/tasks",
		Summary:     "Create task",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body CreateTaskResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, userID, engine.TaskInput{
			AgentID:     input.Body.AgentID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      strPtrValue(input.Body.Status),
			Tags:        input.Body.Tags,
			Live:        input.Body.Live != nil && *input.Body.Live,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateTaskResponse `json:"body"`
		}{Body: CreateTaskResponse{TaskID: t.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks",
		Summary:     "Update task",
		Description: "Only supplied fields change. Supplied tags replace the whole list.",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		err := e.UpdateTask(ctx, userID, input.Body.TaskID, domain.TaskPatch{
			AgentID:     input.Body.AgentID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      input.Body.Status,
			Tags:        input.Body.Tags,
			Live:        input.Body.Live,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks",
		Summary:     "Delete task",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body DeleteTaskRequest `json:"body"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, userID, input.Body.TaskID); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-activity",
		Method:      http.MethodPost,
		Path:        "/activity",
		Summary:     "Append activity",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateActivityRequest `json:"body"`
	}) (*struct {
		Body CreateActivityResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateActivity(ctx, userID, engine.ActivityInput{
			AgentID:     input.Body.AgentID,
			TaskID:      input.Body.TaskID,
			Action:      input.Body.Action,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateActivityResponse `json:"body"`
		}{Body: CreateActivityResponse{ActivityID: a.ID}}, nil
	})
}

func registerScheduledJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-scheduled-job",
		Method:      http.MethodPost,
		Path:        "/scheduled-jobs",
		Summary:     "Create scheduled job",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateScheduledJobRequest `json:"body"`
	}) (*struct {
		Body CreateScheduledJobResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CreateScheduledJob(ctx, userID, engine.ScheduledJobInput{
			AgentID:     input.Body.AgentID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Cron:        input.Body.Cron,
			Status:      strPtrValue(input.Body.Status),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateScheduledJobResponse `json:"body"`
		}{Body: CreateScheduledJobResponse{JobID: j.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-scheduled-job",
		Method:      http.MethodPatch,
		Path:        "/scheduled-jobs",
		Summary:     "Update scheduled job",
		Description: "Only supplied fields change. Agents report lastRunAt and nextRunAt here.",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body UpdateScheduledJobRequest `json:"body"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		err := e.UpdateScheduledJob(ctx, userID, input.Body.JobID, domain.ScheduledJobPatch{
			AgentID:     input.Body.AgentID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Cron:        input.Body.Cron,
			Status:      input.Body.Status,
			LastRunAt:   input.Body.LastRunAt,
			NextRunAt:   input.Body.NextRunAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-scheduled-job",
		Method:      http.MethodDelete,
		Path:        "/scheduled-jobs",
		Summary:     "Delete scheduled job",
		Errors:      agentErrors,
	}, func(ctx context.Context, input *struct {
		Body DeleteScheduledJobRequest `json:"body"`
	}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteScheduledJob(ctx, userID, input.Body.JobID); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})
}

func registerPresence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "heartbeat",
		Method:      http.MethodPost,
		Path:        "/heartbeat",
		Summary:     "Agent heartbeat",
		Errors:      agentErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SuccessResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RecordHeartbeat(ctx, userID); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Records the check and marks onboarding complete for the caller.",
		Errors:      agentErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RecordHealthCheck(ctx, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

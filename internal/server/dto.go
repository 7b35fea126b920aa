package server

import (
	"pilot/internal/domain"
)

// Request payloads. Agents send camelCase JSON; unknown fields are ignored.

type CreateUserRequest struct {
	_          struct{} `json:"-" additionalProperties:"true"`
	ExternalID string   `json:"externalId"`
	Name       *string  `json:"name,omitempty"`
}

type CreateAgentRequest struct {
	_      struct{} `json:"-" additionalProperties:"true"`
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Status *string  `json:"status,omitempty" enum:"active,idle,offline"`
}

type UpdateAgentRequest struct {
	_       struct{} `json:"-" additionalProperties:"true"`
	AgentID string   `json:"agentId"`
	Name    *string  `json:"name,omitempty"`
	Role    *string  `json:"role,omitempty"`
	Status  *string  `json:"status,omitempty" enum:"active,idle,offline"`
}

type DeleteAgentRequest struct {
	_       struct{} `json:"-" additionalProperties:"true"`
	AgentID string   `json:"agentId"`
}

type CreateTaskRequest struct {
	_           struct{}     `json:"-" additionalProperties:"true"`
	AgentID     *string      `json:"agentId,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      *string      `json:"status,omitempty" enum:"inbox,active,done"`
	Tags        []domain.Tag `json:"tags,omitempty"`
	Live        *bool        `json:"live,omitempty"`
}

type UpdateTaskRequest struct {
	_           struct{} `json:"-" additionalProperties:"true"`
	TaskID      string   `json:"taskId"`
	AgentID     *string  `json:"agentId,omitempty"`
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Status      *string  `json:"status,omitempty" enum:"inbox,active,done"`
	// Tags replace the stored list when present; [] clears it.
	Tags []domain.Tag `json:"tags,omitempty"`
	Live *bool        `json:"live,omitempty"`
}

type DeleteTaskRequest struct {
	_      struct{} `json:"-" additionalProperties:"true"`
	TaskID string   `json:"taskId"`
}

type CreateActivityRequest struct {
	_           struct{} `json:"-" additionalProperties:"true"`
	AgentID     *string  `json:"agentId,omitempty"`
	TaskID      *string  `json:"taskId,omitempty"`
	Action      string   `json:"action"`
	Description string   `json:"description"`
}

type CreateScheduledJobRequest struct {
	_           struct{} `json:"-" additionalProperties:"true"`
	AgentID     *string  `json:"agentId,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Cron        string   `json:"cron" example:"*/15 * * * *"`
	Status      *string  `json:"status,omitempty" enum:"active,paused"`
}

type UpdateScheduledJobRequest struct {
	_           struct{} `json:"-" additionalProperties:"true"`
	JobID       string   `json:"jobId"`
	AgentID     *string  `json:"agentId,omitempty"`
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Cron        *string  `json:"cron,omitempty"`
	Status      *string  `json:"status,omitempty" enum:"active,paused"`
	LastRunAt   *int64   `json:"lastRunAt,omitempty" doc:"Epoch milliseconds"`
	NextRunAt   *int64   `json:"nextRunAt,omitempty" doc:"Epoch milliseconds"`
}

type DeleteScheduledJobRequest struct {
	_     struct{} `json:"-" additionalProperties:"true"`
	JobID string   `json:"jobId"`
}

type OnboardingRequest struct {
	Name      string `json:"name"`
	AgentName string `json:"agentName"`
}

type DevLoginRequest struct {
	Subject string  `json:"subject"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type CreateUserResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type CreateAgentResponse struct {
	AgentID string `json:"agentId"`
}

type CreateTaskResponse struct {
	TaskID string `json:"taskId"`
}

type CreateActivityResponse struct {
	ActivityID string `json:"activityId"`
}

type CreateScheduledJobResponse struct {
	JobID string `json:"jobId"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// UserView is the signed-in operator as the dashboard sees it, token included
// so the settings page can show it.
type UserView struct {
	domain.User
	Token  string `json:"token"`
	Online bool   `json:"online"`
}

type MeResponse struct {
	User *UserView `json:"user"`
}

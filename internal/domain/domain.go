package domain

// Timestamps are Unix epoch milliseconds, the format agents send and read.

type User struct {
	ID                 string `json:"id"`
	ExternalID         string `json:"externalId"`
	Token              string `json:"-"`
	Name               string `json:"name,omitempty"`
	OnboardingComplete bool   `json:"onboardingComplete"`
	HealthCheckAt      *int64 `json:"healthCheckAt,omitempty"`
	LastHeartbeatAt    *int64 `json:"lastHeartbeatAt,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
}

const (
	AgentActive  = "active"
	AgentIdle    = "idle"
	AgentOffline = "offline"
)

type Agent struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Status    string `json:"status" enum:"active,idle,offline"`
	CreatedAt int64  `json:"createdAt"`
}

const (
	TaskInbox  = "inbox"
	TaskActive = "active"
	TaskDone   = "done"
)

type Tag struct {
	Label   string `json:"label"`
	Variant string `json:"variant"`
}

type Task struct {
	ID          string  `json:"id"`
	UserID      string  `json:"userId"`
	AgentID     *string `json:"agentId,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status" enum:"inbox,active,done"`
	Tags        []Tag   `json:"tags"`
	Live        bool    `json:"live"`
	CreatedAt   int64   `json:"createdAt"`
}

type Activity struct {
	ID          string  `json:"id"`
	UserID      string  `json:"userId"`
	AgentID     *string `json:"agentId,omitempty"`
	TaskID      *string `json:"taskId,omitempty"`
	Action      string  `json:"action"`
	Description string  `json:"description"`
	CreatedAt   int64   `json:"createdAt"`
}

const (
	JobActive = "active"
	JobPaused = "paused"
)

type ScheduledJob struct {
	ID          string  `json:"id"`
	UserID      string  `json:"userId"`
	AgentID     *string `json:"agentId,omitempty"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Cron        string  `json:"cron"`
	Status      string  `json:"status" enum:"active,paused"`
	LastRunAt   *int64  `json:"lastRunAt,omitempty"`
	NextRunAt   *int64  `json:"nextRunAt,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
}

// Patches carry only the fields a caller supplied; nil means leave unchanged.

type UserPatch struct {
	Name               *string
	OnboardingComplete *bool
	HealthCheckAt      *int64
	LastHeartbeatAt    *int64
}

type AgentPatch struct {
	Name   *string
	Role   *string
	Status *string
}

type TaskPatch struct {
	AgentID     *string
	Title       *string
	Description *string
	Status      *string
	Tags        []Tag // nil leaves tags unchanged; an empty slice clears them
	Live        *bool
}

type ScheduledJobPatch struct {
	AgentID     *string
	Name        *string
	Description *string
	Cron        *string
	Status      *string
	LastRunAt   *int64
	NextRunAt   *int64
}

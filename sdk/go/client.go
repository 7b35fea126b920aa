package pilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Pilot agent API client. Agents register once with
// CreateUser and then send every call with the returned token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 10 * time.Second,
	}
}

// Tag is a task label.
type Tag struct {
	Label   string `json:"label"`
	Variant string `json:"variant"`
}

// User is the result of registering an agent identity.
type User struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// AgentFields are the writable agent fields. Nil pointers are omitted, which
// leaves the stored value unchanged on update.
type AgentFields struct {
	Name   *string `json:"name,omitempty"`
	Role   *string `json:"role,omitempty"`
	Status *string `json:"status,omitempty"`
}

// TaskFields are the writable task fields.
type TaskFields struct {
	AgentID     *string `json:"agentId,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Tags        []Tag   `json:"tags,omitempty"`
	Live        *bool   `json:"live,omitempty"`
}

// Activity is one feed entry to record.
type Activity struct {
	AgentID     *string `json:"agentId,omitempty"`
	TaskID      *string `json:"taskId,omitempty"`
	Action      string  `json:"action"`
	Description string  `json:"description"`
}

// JobFields are the writable scheduled job fields. Run times are epoch milliseconds.
type JobFields struct {
	AgentID     *string `json:"agentId,omitempty"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Cron        *string `json:"cron,omitempty"`
	Status      *string `json:"status,omitempty"`
	LastRunAt   *int64  `json:"lastRunAt,omitempty"`
	NextRunAt   *int64  `json:"nextRunAt,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// String returns a pointer to s, for building field sets inline.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

type success struct {
	Success bool `json:"success"`
}

// CreateUser registers externalID and returns its user id and token. Calling
// it again with the same externalID returns the same token. When the client
// has no token yet it adopts the returned one.
func (c *Client) CreateUser(ctx context.Context, externalID string, name *string) (User, error) {
	body := map[string]any{"externalId": externalID}
	if name != nil {
		body["name"] = *name
	}
	var resp User
	if err := c.do(ctx, http.MethodPost, "api/users", body, &resp); err != nil {
		return User{}, err
	}
	if c.Token == "" {
		c.Token = resp.Token
	}
	return resp, nil
}

// CreateAgent creates an agent and returns its id. Name and Role are required.
func (c *Client) CreateAgent(ctx context.Context, f AgentFields) (string, error) {
	var resp struct {
		AgentID string `json:"agentId"`
	}
	err := c.do(ctx, http.MethodPost, "api/agents", f, &resp)
	return resp.AgentID, err
}

// UpdateAgent applies the non-nil fields of f to the agent.
func (c *Client) UpdateAgent(ctx context.Context, agentID string, f AgentFields) error {
	body := struct {
		AgentID string `json:"agentId"`
		AgentFields
	}{agentID, f}
	return c.do(ctx, http.MethodPatch, "api/agents", body, &success{})
}

// DeleteAgent removes an agent. Its tasks are kept.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "api/agents", map[string]string{"agentId": agentID}, &success{})
}

// CreateTask creates a task and returns its id. Title and Description are required.
func (c *Client) CreateTask(ctx context.Context, f TaskFields) (string, error) {
	var resp struct {
		TaskID string `json:"taskId"`
	}
	err := c.do(ctx, http.MethodPost, "api/tasks", f, &resp)
	return resp.TaskID, err
}

// UpdateTask applies the non-nil fields of f to the task. A non-nil Tags
// replaces the stored list.
func (c *Client) UpdateTask(ctx context.Context, taskID string, f TaskFields) error {
	body := struct {
		TaskID string `json:"taskId"`
		TaskFields
	}{taskID, f}
	return c.do(ctx, http.MethodPatch, "api/tasks", body, &success{})
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "api/tasks", map[string]string{"taskId": taskID}, &success{})
}

// LogActivity appends a feed entry and returns its id.
func (c *Client) LogActivity(ctx context.Context, a Activity) (string, error) {
	var resp struct {
		ActivityID string `json:"activityId"`
	}
	err := c.do(ctx, http.MethodPost, "api/activity", a, &resp)
	return resp.ActivityID, err
}

// CreateScheduledJob registers a job and returns its id. Name, Description
// and Cron are required.
func (c *Client) CreateScheduledJob(ctx context.Context, f JobFields) (string, error) {
	var resp struct {
		JobID string `json:"jobId"`
	}
	err := c.do(ctx, http.MethodPost, "api/scheduled-jobs", f, &resp)
	return resp.JobID, err
}

func (c *Client) UpdateScheduledJob(ctx context.Context, jobID string, f JobFields) error {
	body := struct {
		JobID string `json:"jobId"`
		JobFields
	}{jobID, f}
	return c.do(ctx, http.MethodPatch, "api/scheduled-jobs", body, &success{})
}

func (c *Client) DeleteScheduledJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "api/scheduled-jobs", map[string]string{"jobId": jobID}, &success{})
}

// Heartbeat marks the owner online.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "api/heartbeat", nil, &success{})
}

// Health verifies the token and records a health check. It returns the
// server's status string.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "api/health", nil, &resp)
	return resp.Status, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

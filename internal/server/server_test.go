package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"pilot/internal/app"
	"pilot/internal/config"
	"pilot/internal/dashboard"
	"pilot/internal/domain"
	"pilot/internal/engine"
	"pilot/internal/engine/auth"
	"pilot/internal/events"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ws, err := app.Open(app.Options{Dir: t.TempDir(), Config: config.Default()})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	handler, err := New(Config{
		Engine: ws.Engine,
		Broker: ws.Broker,
		Auth:   AuthConfig{JWTSecret: testSecret, DevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: ws.Engine,
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			ws.Broker.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			ws.DB.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// onboardAgent creates a user through the agent API and returns its token.
func onboardAgent(t *testing.T, srv *testServer, externalID string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/users", map[string]any{"externalId": externalID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}
	var out CreateUserResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if out.Token == "" || out.UserID == "" {
		t.Fatalf("expected user id and token, got %s", string(data))
	}
	return out.Token
}

func session(t *testing.T, subject string) map[string]string {
	t.Helper()
	token, err := auth.MintIdentity(auth.Identity{Subject: subject}, testSecret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}
	return bearer(token)
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestAgentAPIRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, headers := range []map[string]string{nil, {"Authorization": "Basic abc"}, {"Authorization": "Bearer"}} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/agents", map[string]any{"name": "a", "role": "r"}, headers)
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", res.StatusCode)
		}
		if string(data) != "Missing or invalid Authorization header" {
			t.Fatalf("unexpected body %q", string(data))
		}
		if !strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain") {
			t.Fatalf("expected plain text, got %s", res.Header.Get("Content-Type"))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, bearer("nope"))
	if res.StatusCode != http.StatusUnauthorized || string(data) != "Invalid token" {
		t.Fatalf("expected invalid token, got %d %q", res.StatusCode, string(data))
	}
}

func TestCreateUserIsIdempotent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	first := onboardAgent(t, srv, "ext-1")
	second := onboardAgent(t, srv, "ext-1")
	if first != second {
		t.Fatalf("expected same token, got %s and %s", first, second)
	}
	if other := onboardAgent(t, srv, "ext-2"); other == first {
		t.Fatalf("expected a different token for a different identity")
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/users", map[string]any{"externalId": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank external id, got %d %s", res.StatusCode, string(data))
	}
}

func TestTaskPatchAndDanglingAgent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	token := onboardAgent(t, srv, "ext-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/agents", map[string]any{"name": "Scout", "role": "Research"}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create agent: %d %s", res.StatusCode, string(data))
	}
	var agent CreateAgentResponse
	_ = json.Unmarshal(data, &agent)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"title":       "Crawl docs",
		"description": "index the handbook",
		"agentId":     agent.AgentID,
		"tags":        []map[string]string{{"label": "docs", "variant": "blue"}},
		"extra":       "ignored",
	}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task CreateTaskResponse
	_ = json.Unmarshal(data, &task)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/tasks", map[string]any{"taskId": task.TaskID, "status": "done"}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch task: %d %s", res.StatusCode, string(data))
	}
	var ok SuccessResponse
	if err := json.Unmarshal(data, &ok); err != nil || !ok.Success {
		t.Fatalf("expected success, got %s", string(data))
	}

	ui := session(t, "ext-1")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/tasks", nil, ui)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.Status != "done" || got.Title != "Crawl docs" || got.Description != "index the handbook" || len(got.Tags) != 1 {
		t.Fatalf("patch changed unrelated fields: %+v", got)
	}
	if got.AgentID == nil || *got.AgentID != agent.AgentID || got.Live {
		t.Fatalf("unexpected agent or live: %+v", got)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/agents", map[string]any{"agentId": agent.AgentID}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete agent: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/tasks/"+task.TaskID, nil, ui)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d %s", res.StatusCode, string(data))
	}
	var card dashboard.TaskCard
	_ = json.Unmarshal(data, &card)
	if card.AgentName != dashboard.Unknown {
		t.Fatalf("expected Unknown agent, got %q", card.AgentName)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	token := onboardAgent(t, srv, "ext-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/agents", map[string]any{"name": "a", "role": "r", "status": "sleeping"}, bearer(token))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "bad_request" {
		t.Fatalf("expected bad_request, got %+v", body)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/agents", map[string]any{"agentId": "not-an-id", "name": "x"}, bearer(token))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/scheduled-jobs", map[string]any{"jobId": "01HZZZZZZZZZZZZZZZZZZZZZZZ", "status": "paused"}, bearer(token))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing job, got %d %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "not_found" {
		t.Fatalf("expected not_found, got %+v", body)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/tasks", map[string]any{"taskId": "01HZZZZZZZZZZZZZZZZZZZZZZZ"}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deleting a missing task should succeed, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/scheduled-jobs", map[string]any{"name": "n", "description": "d", "cron": "* * *"}, bearer(token))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for short cron, got %d %s", res.StatusCode, string(data))
	}
}

func TestHeartbeatHealthAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	token := onboardAgent(t, srv, "ext-1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/ui/me", nil, nil)
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != `{"user":null}` {
		t.Fatalf("expected signed out, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/heartbeat", nil, bearer(token))
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != `{"success":true}` {
		t.Fatalf("heartbeat: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	var health HealthResponse
	if err := json.Unmarshal(data, &health); err != nil || health.Status != "ok" {
		t.Fatalf("unexpected health body %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/me", nil, session(t, "ext-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		User struct {
			Token              string `json:"token"`
			OnboardingComplete bool   `json:"onboardingComplete"`
			HealthCheckAt      *int64 `json:"healthCheckAt"`
			Online             bool   `json:"online"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.User.Token != token || !me.User.OnboardingComplete || me.User.HealthCheckAt == nil || !me.User.Online {
		t.Fatalf("unexpected me: %s", string(data))
	}
}

func TestUISessions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/ui/agents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/ui/agents", nil, bearer("garbage"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad session, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/ui/auth/dev/login", map[string]any{"subject": "github|7"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login TokenResponse
	_ = json.Unmarshal(data, &login)
	ui := bearer(login.Token)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/dashboard", nil, ui)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not onboarded, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/ui/onboarding", map[string]any{"name": "Ada", "agentName": "Atlas"}, ui)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("onboarding: %d %s", res.StatusCode, string(data))
	}
	var onboarded TokenResponse
	_ = json.Unmarshal(data, &onboarded)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/scheduled-jobs", map[string]any{
		"name": "digest", "description": "daily digest", "cron": "*/15 * * * *",
	}, bearer(onboarded.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create job: %d %s", res.StatusCode, string(data))
	}
	var job CreateScheduledJobResponse
	_ = json.Unmarshal(data, &job)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/dashboard", nil, ui)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dashboard: %d %s", res.StatusCode, string(data))
	}
	var d dashboard.Dashboard
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal dashboard: %v", err)
	}
	if len(d.Team) != 1 || d.Team[0].Name != "Atlas" || d.Team[0].Role != "Lead" {
		t.Fatalf("unexpected team: %+v", d.Team)
	}
	if len(d.Board) != 3 || len(d.Jobs) != 1 || !strings.HasPrefix(d.Jobs[0].NextRun, "in ") {
		t.Fatalf("unexpected panels: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/scheduled-jobs", map[string]any{"jobId": job.JobID, "status": "paused"}, bearer(onboarded.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pause job: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/scheduled-jobs/"+job.JobID, nil, ui)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d %s", res.StatusCode, string(data))
	}
	var row dashboard.JobRow
	_ = json.Unmarshal(data, &row)
	if row.NextRun != dashboard.Paused {
		t.Fatalf("expected Paused, got %q", row.NextRun)
	}

	// Other operators cannot read this job, and bad ids read as missing.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/ui/scheduled-jobs/"+job.JobID, nil, session(t, "someone-else"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a stranger, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/ui/tasks/nope", nil, ui)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", res.StatusCode)
	}
}

func TestStreamDeliversChanges(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := onboardAgent(t, srv, "ext-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/ui/stream", nil)
	for k, v := range session(t, "ext-1") {
		req.Header.Set(k, v)
	}
	got := make(chan string, 1)
	go func() {
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer res.Body.Close()
		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok && strings.Contains(data, `"entity":"activity"`) {
				got <- data
				return
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case data := <-got:
			var change events.Change
			if err := json.Unmarshal([]byte(data), &change); err != nil {
				t.Fatalf("unmarshal change: %v", err)
			}
			if change.Kind != events.Created {
				t.Fatalf("unexpected change %+v", change)
			}
			return
		case <-tick.C:
			// The subscription starts asynchronously; keep writing until it sees one.
			doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/activity", map[string]any{"action": "ping", "description": "stream"}, bearer(token))
		case <-deadline:
			t.Fatalf("no change received on stream")
		}
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var doc struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	for _, p := range []string{"/api/users", "/api/tasks", "/api/scheduled-jobs", "/ui/dashboard", "/ui/stream"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
}

func TestStreamRequiresOnboardedSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/ui/stream", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %+v", body)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/stream", nil, session(t, "never-onboarded"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before onboarding, got %d %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "not_onboarded" {
		t.Fatalf("expected not_onboarded, got %+v", body)
	}
}

func TestActivityLookup(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	token := onboardAgent(t, srv, "ext-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/agents", map[string]any{"name": "Scout", "role": "Research"}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create agent: %d %s", res.StatusCode, string(data))
	}
	var agent CreateAgentResponse
	_ = json.Unmarshal(data, &agent)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/activity", map[string]any{
		"agentId": agent.AgentID, "action": "deployed", "description": "shipped v2",
	}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create activity: %d %s", res.StatusCode, string(data))
	}
	var created CreateActivityResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/ui/activity/"+created.ActivityID, nil, session(t, "ext-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get activity: %d %s", res.StatusCode, string(data))
	}
	var item dashboard.FeedItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal feed item: %v", err)
	}
	if item.ID != created.ActivityID || item.AgentName != "Scout" || item.Action != "deployed" || !strings.HasSuffix(item.TimeAgo, " ago") {
		t.Fatalf("unexpected feed item %+v", item)
	}

	onboardAgent(t, srv, "ext-2")
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/ui/activity/"+created.ActivityID, nil, session(t, "ext-2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's entry, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/ui/activity/nope", nil, session(t, "ext-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", res.StatusCode)
	}
}

func TestOpenAPIDocumentConcurrentFirstFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	bodies := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := srv.Client().Get(srv.URL + "/openapi.json")
			if err != nil {
				bodies <- "error: " + err.Error()
				return
			}
			defer res.Body.Close()
			b, _ := io.ReadAll(res.Body)
			bodies <- string(b)
		}()
	}
	first := <-bodies
	if !strings.Contains(first, `"/api/tasks"`) {
		t.Fatalf("unexpected openapi body %.200s", first)
	}
	for i := 1; i < n; i++ {
		if got := <-bodies; got != first {
			t.Fatalf("openapi documents differ between concurrent requests")
		}
	}
}

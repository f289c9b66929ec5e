package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"opsline/internal/app"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/migrate"
)

type testServer struct {
	URL      string
	Services app.Services
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	services := app.New(conn, config.Default("acme"), nil)
	handler, err := New(Config{
		Services: services,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:     "test-secret",
			AllowDevLogin: true,
		},
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
		URL:      "http://" + ln.Addr().String(),
		Services: services,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
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
	req.Header.Set("Content-Type", "application/json")
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

func login(t *testing.T, srv *testServer, actorID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + body["token"]}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tenants", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tenants", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestAgendaAndExecutionFlow(t *testing.T) {
	srv := newTestServer(t)
	auth := login(t, srv, "tester")
	ctx := context.Background()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tenants", map[string]any{
		"id": "acme", "name": "Acme Books",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create tenant: %d %s", res.StatusCode, string(data))
	}

	// one stale ingestion batch for the detector to find
	if err := srv.Services.Repo.InsertIngestionItem(ctx, domain.IngestionItem{
		ID: "ing-1", TenantID: "acme", Source: "bank-feed", Status: "received",
		ReceivedAt: time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed ingestion: %v", err)
	}
	// ingestion clearing runs unattended for this tenant
	if err := srv.Services.Repo.InsertPolicy(ctx, domain.Policy{
		ID: "auto-ingestion", TenantID: "acme", Scope: "tenant",
		ActionType: "ingestion", Action: "auto", Priority: 1,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tenants/acme/agenda/synthesize", map[string]any{}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("synthesize: %d %s", res.StatusCode, string(data))
	}
	var synthesized struct {
		Agenda domain.Agenda `json:"agenda"`
		Tasks  []domain.Task `json:"tasks"`
	}
	if err := json.Unmarshal(data, &synthesized); err != nil {
		t.Fatalf("unmarshal agenda: %v", err)
	}
	if len(synthesized.Tasks) != 1 || synthesized.Tasks[0].Type != "ingestion" {
		t.Fatalf("expected one ingestion task, got %+v", synthesized.Tasks)
	}

	taskID := synthesized.Tasks[0].ID
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/"+taskID+"/sla", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get sla: %d %s", res.StatusCode, string(data))
	}
	var rec domain.SLATracking
	_ = json.Unmarshal(data, &rec)
	if rec.Status != "on_track" {
		t.Fatalf("fresh task should be on_track, got %s", rec.Status)
	}

	// simulate first, then run for real
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/execute", map[string]any{
		"method": "manual", "simulate": true,
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("simulate: %d %s", res.StatusCode, string(data))
	}
	after, err := srv.Services.Repo.GetTask(ctx, taskID)
	if err != nil || after.Status != "pending" {
		t.Fatalf("simulation must not move the task: %v %+v", err, after)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/execute", map[string]any{
		"method": "manual",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", res.StatusCode, string(data))
	}
	var outcome struct {
		Task domain.Task `json:"task"`
	}
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Task.Status != "completed" {
		t.Fatalf("expected completed, got %+v", outcome.Task)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tenants/acme/events?limit=10", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected synthesis events in the log")
	}
}

func TestExecuteConflictOnSecondAttempt(t *testing.T) {
	srv := newTestServer(t)
	auth := login(t, srv, "tester")
	ctx := context.Background()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tenants", map[string]any{"id": "acme"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create tenant: %d %s", res.StatusCode, string(data))
	}
	if err := srv.Services.Repo.InsertPolicy(ctx, domain.Policy{
		ID: "auto-posting", TenantID: "acme", Scope: "tenant",
		ActionType: "posting", Action: "auto", Priority: 1,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	tx, err := srv.Services.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	task := domain.Task{
		ID: "t-conflict", TenantID: "acme", Type: "posting", Title: "post it",
		Priority: "medium", Status: "pending",
		DueAt: now.Add(24 * time.Hour).Format(time.RFC3339), SLAHours: 48,
		CreatedAt: now.Format(time.RFC3339),
	}
	if err := srv.Services.Repo.InsertTask(ctx, tx, task); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/t-conflict/execute", map[string]any{"method": "manual"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first execute: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/t-conflict/execute", map[string]any{"method": "manual"}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second execute, got %d %s", res.StatusCode, string(data))
	}
}

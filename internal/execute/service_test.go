package execute_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/execute"
	"opsline/internal/migrate"
	"opsline/internal/policy"
	"opsline/internal/repo"
	"opsline/internal/sla"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Repo    repo.Repo
	Service execute.Service
	Ctx     context.Context
}

func newTestEnv(t *testing.T, handlers map[string]execute.Handler) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertTenant(ctx, domain.Tenant{ID: "acme", Name: "acme", Status: "active", CreatedAt: testNow.Format(time.RFC3339)}); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	now := func() time.Time { return testNow }
	svc := execute.Service{
		Repo:   r,
		Events: events.Writer{DB: conn},
		Policy: policy.Engine{Repo: r},
		SLA:    sla.Tracker{Repo: r, Now: now},
		Config: func(ctx context.Context, tenantID string) (config.Config, error) {
			return *config.Default(tenantID), nil
		},
		Handlers: handlers,
		Now:      now,
	}
	return testEnv{Repo: r, Service: svc, Ctx: ctx}
}

func (env testEnv) addTask(t *testing.T, task domain.Task) domain.Task {
	t.Helper()
	task.TenantID = "acme"
	if task.Status == "" {
		task.Status = "pending"
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}
	if task.DueAt == "" {
		task.DueAt = testNow.Add(24 * time.Hour).Format(time.RFC3339)
	}
	task.CreatedAt = testNow.Format(time.RFC3339)
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Repo.InsertTask(env.Ctx, tx, task); err != nil {
		t.Fatalf("insert task %s: %v", task.ID, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return task
}

func (env testEnv) allowAction(t *testing.T, actionType string) {
	t.Helper()
	if err := env.Repo.InsertPolicy(env.Ctx, domain.Policy{
		ID: "allow-" + actionType, TenantID: "acme", Scope: "tenant",
		ActionType: actionType, Action: "auto", Priority: 1,
		CreatedAt: testNow.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert policy: %v", err)
	}
}

func okHandler(summary string) execute.Handler {
	return func(ctx context.Context, d execute.Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (execute.Result, error) {
		return execute.Result{Summary: summary}, nil
	}
}

func TestExecuteCompletesTask(t *testing.T) {
	env := newTestEnv(t, map[string]execute.Handler{"review": okHandler("reviewed")})
	env.allowAction(t, "review")
	task := env.addTask(t, domain.Task{ID: "t1", Type: "review", Title: "look"})

	outcome, err := env.Service.Execute(env.Ctx, task.ID, execute.Options{Method: "manual", ActorID: "tester"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Task.Status != "completed" {
		t.Fatalf("expected completed, got %s", outcome.Task.Status)
	}
	if outcome.Result.Summary != "reviewed" {
		t.Fatalf("unexpected result: %+v", outcome.Result)
	}
	got, err := env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" || got.ResultJSON == nil || got.CompletedAt == nil {
		t.Fatalf("completion not persisted: %+v", got)
	}
}

func TestExecuteAppendsStartHistory(t *testing.T) {
	env := newTestEnv(t, map[string]execute.Handler{"review": okHandler("done")})
	env.allowAction(t, "review")
	task := env.addTask(t, domain.Task{ID: "t-hist", Type: "review", Title: "hist"})

	if _, err := env.Service.Execute(env.Ctx, task.ID, execute.Options{Method: "manual", ActorID: "tester"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, "acme", "", "task", task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	if !seen["task.started"] || !seen["task.completed"] {
		t.Fatalf("expected started and completed history, got %+v", seen)
	}
}

func TestExecuteStartHistorySurvivesFailure(t *testing.T) {
	env := newTestEnv(t, map[string]execute.Handler{
		"review": func(ctx context.Context, d execute.Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (execute.Result, error) {
			return execute.Result{}, errors.New("boom")
		},
	})
	env.allowAction(t, "review")
	task := env.addTask(t, domain.Task{ID: "t-hist-fail", Type: "review", Title: "hist"})

	if _, err := env.Service.Execute(env.Ctx, task.ID, execute.Options{Method: "manual", ActorID: "tester"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, "acme", "", "task", task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	if !seen["task.started"] || !seen["task.failed"] {
		t.Fatalf("start marker must outlive the handler rollback, got %+v", seen)
	}
}

func TestExecuteAtMostOnce(t *testing.T) {
	env := newTestEnv(t, map[string]execute.Handler{"review": okHandler("done")})
	env.allowAction(t, "review")
	task := env.addTask(t, domain.Task{ID: "t-once", Type: "review", Title: "once"})

	if _, err := env.Service.Execute(env.Ctx, task.ID, execute.Options{Method: "manual", ActorID: "a"}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := env.Service.Execute(env.Ctx, task.ID, execute.Options{Method: "manual", ActorID: "b"})
	if !errors.Is(err, execute.ErrNotPending) {
		t.Fatalf("second execute should lose the claim, got %v", err)
	}
}

func TestExecuteFailureRecordedAsData(t *testing.T) {
	env := newTestEnv(t, map[string]execute.Handler{
		"filing": func(ctx context.Context, d execute.Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (execute.Result, error) {
			return execute.Result{}, errors.New("readiness 0.40 below floor")
		},
	})
	env.allowAction(t, "filing")
	task := env.addTask(t, domain.Task{ID: "t-fail", Type: "filing", Title: "submit"})

	outcome, err := env.Service.Execute(env.Ctx, task.ID, execute.Options{Method: "manual", ActorID: "tester"})
	if err != nil {
		t.Fatalf("handler failure must not surface as an error: %v", err)
	}
	if outcome.Task.Status != "failed" {
		t.Fatalf("expected failed status, got %s", outcome.Task.Status)
	}
	got, _ := env.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != "failed" || got.ErrorMessage == nil {
		t.Fatalf("failure not persisted: %+v", got)
	}
}

func TestSimulateLeavesNoTrace(t *testing.T) {
	called := false
	env := newTestEnv(t, map[string]execute.Handler{
		"review": func(ctx context.Context, d execute.Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (execute.Result, error) {
			called = true
			if !simulate {
				t.Errorf("expected simulate flag")
			}
			if tx != nil {
				t.Errorf("simulation must not get a write transaction")
			}
			return execute.Result{Summary: "would review"}, nil
		},
	})
	env.allowAction(t, "review")
	task := env.addTask(t, domain.Task{ID: "t-sim", Type: "review", Title: "sim"})

	outcome, err := env.Service.Execute(env.Ctx, task.ID, execute.Options{Method: "manual", ActorID: "tester", Simulate: true})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !called || !outcome.Simulated {
		t.Fatalf("handler not called in simulate mode")
	}
	got, _ := env.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != "pending" || got.StartedAt != nil {
		t.Fatalf("simulation mutated the task: %+v", got)
	}
}

func TestExecuteUnknownType(t *testing.T) {
	env := newTestEnv(t, map[string]execute.Handler{})
	task := env.addTask(t, domain.Task{ID: "t-unknown", Type: "review", Title: "?"})
	_, err := env.Service.Execute(env.Ctx, task.ID, execute.Options{Method: "manual", ActorID: "tester"})
	if !errors.Is(err, execute.ErrUnknownTaskType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestPolicyGate(t *testing.T) {
	env := newTestEnv(t, map[string]execute.Handler{"posting": okHandler("posted")})
	if err := env.Repo.InsertPolicy(env.Ctx, domain.Policy{
		ID: "block-posting", TenantID: "acme", Scope: "tenant",
		ActionType: "posting", Action: "block", Priority: 10,
		CreatedAt: testNow.Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}
	task := env.addTask(t, domain.Task{ID: "t-blocked", Type: "posting", Title: "post"})

	var denied *execute.PolicyDeniedError
	_, err := env.Service.Execute(env.Ctx, task.ID, execute.Options{Method: "manual", ActorID: "tester"})
	if !errors.As(err, &denied) {
		t.Fatalf("expected policy denial, got %v", err)
	}

	// default decision is require_review: fine for a manual run, denied
	// for an autonomous one
	other := env.addTask(t, domain.Task{ID: "t-review-gate", Type: "review", Title: "r"})
	env.Service.Handlers["review"] = okHandler("ok")
	_, err = env.Service.Execute(env.Ctx, other.ID, execute.Options{Method: "autonomous", ActorID: "system"})
	if !errors.As(err, &denied) {
		t.Fatalf("expected autonomous run held for review, got %v", err)
	}
	outcome, err := env.Service.Execute(env.Ctx, other.ID, execute.Options{Method: "manual", ActorID: "tester"})
	if err != nil || outcome.Task.Status != "completed" {
		t.Fatalf("manual run should pass the review gate: %v %+v", err, outcome.Task)
	}
}

func TestRollback(t *testing.T) {
	env := newTestEnv(t, map[string]execute.Handler{"review": okHandler("ok")})
	env.allowAction(t, "review")
	task := env.addTask(t, domain.Task{ID: "t-rb", Type: "review", Title: "rb"})

	got, err := env.Service.Rollback(env.Ctx, task.ID, "tester", "not needed")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got.Status != "cancelled" || got.ErrorMessage == nil || *got.ErrorMessage != "not needed" {
		t.Fatalf("unexpected rollback state: %+v", got)
	}

	_, err = env.Service.Rollback(env.Ctx, task.ID, "tester", "again")
	if !errors.Is(err, execute.ErrTerminal) {
		t.Fatalf("expected terminal error on second rollback, got %v", err)
	}
}

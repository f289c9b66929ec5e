package playbook_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/migrate"
	"opsline/internal/playbook"
	"opsline/internal/policy"
	"opsline/internal/repo"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	Repo   repo.Repo
	Engine playbook.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
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
	eng := playbook.Engine{
		Repo:   r,
		Events: events.Writer{DB: conn},
		Policy: policy.Engine{Repo: r},
		Config: func(ctx context.Context, tenantID string) (config.Config, error) {
			return *config.Default(tenantID), nil
		},
		Templates: playbook.Catalog(),
		Now:       func() time.Time { return testNow },
	}
	// playbook.run would otherwise default to require_review and shadow
	// the per-playbook confirmation flag under test
	if err := r.InsertPolicy(ctx, domain.Policy{
		ID: "allow-playbooks", TenantID: "acme", Scope: "tenant",
		ActionType: "playbook.run", Action: "auto", Priority: 1,
		CreatedAt: testNow.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert policy: %v", err)
	}
	return &testEnv{Repo: r, Engine: eng, Ctx: ctx}
}

func (env *testEnv) seedUnreconciled(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := env.Repo.InsertTransaction(env.Ctx, domain.Transaction{
			ID:         fmt.Sprintf("txn-%02d", i),
			TenantID:   "acme",
			Amount:     float64(100 * (i + 1)),
			Status:     "unreconciled",
			OccurredAt: testNow.AddDate(0, 0, -10).Format(time.RFC3339),
		}); err != nil {
			t.Fatalf("insert transaction: %v", err)
		}
	}
}

func (env *testEnv) countTasks(t *testing.T) int {
	t.Helper()
	tasks, err := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{TenantID: "acme", Limit: 500})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return len(tasks)
}

func TestCreateFromTemplate(t *testing.T) {
	env := newTestEnv(t)
	pb, err := env.Engine.Create(env.Ctx, "acme", "reconciliation_backlog", playbook.CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pb.Status != "active" || !pb.ConfirmationRequired || pb.CadenceMinutes != 240 {
		t.Fatalf("template defaults not applied: %+v", pb)
	}

	cadence := 30
	noConfirm := false
	pb2, err := env.Engine.Create(env.Ctx, "acme", "reconciliation_backlog", playbook.CreateOptions{
		Name: "custom", CadenceMinutes: &cadence, ConfirmationRequired: &noConfirm,
	})
	if err != nil {
		t.Fatalf("create with overrides: %v", err)
	}
	if pb2.Name != "custom" || pb2.CadenceMinutes != 30 || pb2.ConfirmationRequired {
		t.Fatalf("overrides not applied: %+v", pb2)
	}

	if _, err := env.Engine.Create(env.Ctx, "acme", "no_such_template", playbook.CreateOptions{}); !errors.Is(err, playbook.ErrUnknownTemplate) {
		t.Fatalf("expected unknown template error, got %v", err)
	}
}

func TestDraftLifecycle(t *testing.T) {
	env := newTestEnv(t)
	pb, err := env.Engine.Create(env.Ctx, "acme", "stale_ingestion", playbook.CreateOptions{Draft: true})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if pb.Status != "draft" {
		t.Fatalf("expected draft status, got %s", pb.Status)
	}

	// drafts sit out of cadence ticks entirely
	if n := env.Engine.TickDue(env.Ctx); n != 0 {
		t.Fatalf("cadence tick ran a draft playbook: %d", n)
	}
	stored, err := env.Repo.GetPlaybook(env.Ctx, pb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastRunAt != nil {
		t.Fatalf("draft playbook should never have run: %+v", stored)
	}

	activated, err := env.Engine.SetStatus(env.Ctx, pb.ID, "active")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if activated.Status != "active" {
		t.Fatalf("expected active, got %s", activated.Status)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, pb.ID, "draft"); err != nil {
		t.Fatalf("back to draft: %v", err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, pb.ID, "retired"); err == nil {
		t.Fatalf("expected invalid status to be rejected")
	}
}

func TestConfirmationGating(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnreconciled(t, 12)
	pb, err := env.Engine.Create(env.Ctx, "acme", "reconciliation_backlog", playbook.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	run, err := env.Engine.Run(env.Ctx, pb.ID, "manual", false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != playbook.RunAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", run.Status)
	}
	if run.ActionsJSON == nil || run.ContextJSON == nil {
		t.Fatalf("gated run must store its plan")
	}
	if got := env.countTasks(t); got != 0 {
		t.Fatalf("gated run created %d tasks", got)
	}

	confirmed, err := env.Engine.Confirm(env.Ctx, run.ID, "approver")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != playbook.RunSuccess {
		t.Fatalf("expected success after confirm, got %s", confirmed.Status)
	}
	if confirmed.ConfirmedBy == nil || *confirmed.ConfirmedBy != "approver" {
		t.Fatalf("confirmation not recorded: %+v", confirmed)
	}
	// 12 candidates capped at the template's 10 max actions
	if got := env.countTasks(t); got != 10 {
		t.Fatalf("expected 10 tasks after confirm, got %d", got)
	}

	if _, err := env.Engine.Confirm(env.Ctx, run.ID, "approver"); !errors.Is(err, playbook.ErrNotAwaiting) {
		t.Fatalf("expected not-awaiting on double confirm, got %v", err)
	}
}

func TestForceSkipsGate(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnreconciled(t, 6)
	pb, err := env.Engine.Create(env.Ctx, "acme", "reconciliation_backlog", playbook.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	run, err := env.Engine.Run(env.Ctx, pb.ID, "manual", true)
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if run.Status != playbook.RunSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}
	if got := env.countTasks(t); got != 6 {
		t.Fatalf("expected 6 tasks, got %d", got)
	}
}

func TestThresholdNotMetSkips(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnreconciled(t, 2) // template threshold is 5
	pb, err := env.Engine.Create(env.Ctx, "acme", "reconciliation_backlog", playbook.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	run, err := env.Engine.Run(env.Ctx, pb.ID, "manual", true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != playbook.RunSkipped || run.Message != "threshold_not_met" {
		t.Fatalf("expected threshold skip, got %+v", run)
	}
	if got := env.countTasks(t); got != 0 {
		t.Fatalf("skipped run created tasks")
	}
}

func TestRunConfigOverridesDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.seedUnreconciled(t, 6)
	pb, err := env.Engine.Create(env.Ctx, "acme", "reconciliation_backlog", playbook.CreateOptions{
		Config: &playbook.RunConfig{MaxActions: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	run, err := env.Engine.Run(env.Ctx, pb.ID, "manual", true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != playbook.RunSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}
	if got := env.countTasks(t); got != 3 {
		t.Fatalf("expected max_actions to cap at 3, got %d", got)
	}
}

func TestCadence(t *testing.T) {
	env := newTestEnv(t)
	pb, err := env.Engine.Create(env.Ctx, "acme", "stale_ingestion", playbook.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !playbook.Due(pb, testNow) {
		t.Fatalf("never-run playbook should be due")
	}

	// quiet ledger: cadence tick records a skipped run and stamps last_run
	if n := env.Engine.TickDue(env.Ctx); n != 1 {
		t.Fatalf("expected 1 triggered playbook, got %d", n)
	}
	stored, err := env.Repo.GetPlaybook(env.Ctx, pb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastRunAt == nil {
		t.Fatalf("tick did not stamp last_run_at")
	}
	if playbook.Due(stored, testNow) {
		t.Fatalf("freshly run playbook should not be due")
	}
	if !playbook.Due(stored, testNow.Add(61*time.Minute)) {
		t.Fatalf("playbook should be due after its 60 minute cadence")
	}

	// paused playbooks reject cadence triggers
	if _, err := env.Engine.SetStatus(env.Ctx, pb.ID, "paused"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Run(env.Ctx, pb.ID, "cadence", false); !errors.Is(err, playbook.ErrPaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
}

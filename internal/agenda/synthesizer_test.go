package agenda_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"opsline/internal/agenda"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/migrate"
	"opsline/internal/repo"
	"opsline/internal/summarize"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	Repo  repo.Repo
	Synth agenda.Synthesizer
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	synth := agenda.Synthesizer{
		Repo:   r,
		Events: events.Writer{DB: conn},
		Config: func(ctx context.Context, tenantID string) (config.Config, error) {
			return *config.Default(tenantID), nil
		},
		Detectors:  agenda.DefaultDetectors(),
		Summarizer: summarize.Templated{},
		Now:        func() time.Time { return testNow },
	}
	return testEnv{Repo: r, Synth: synth, Ctx: ctx}
}

func (env testEnv) seedStaleIngestion(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := env.Repo.InsertIngestionItem(env.Ctx, domain.IngestionItem{
			ID:         "ing-" + string(rune('a'+i)),
			TenantID:   "acme",
			Source:     "bank-feed",
			Status:     "received",
			ReceivedAt: testNow.Add(-48 * time.Hour).Format(time.RFC3339),
		}); err != nil {
			t.Fatalf("insert ingestion: %v", err)
		}
	}
}

func (env testEnv) seedAnomaly(t *testing.T, id, severity string) {
	t.Helper()
	if err := env.Repo.InsertAnomaly(env.Ctx, domain.Anomaly{
		ID: id, TenantID: "acme", Kind: "duplicate_entry", Severity: severity,
		Status: "open", DetectedAt: testNow.Add(-2 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert anomaly: %v", err)
	}
}

func TestSynthesizeBuildsAgendaFromSignals(t *testing.T) {
	env := newTestEnv(t)
	env.seedStaleIngestion(t, 3)
	env.seedAnomaly(t, "an-1", "critical")

	ag, tasks, err := env.Synth.Synthesize(env.Ctx, "acme", "")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if ag.Date != testNow.Format("2006-01-02") {
		t.Fatalf("expected today's date, got %s", ag.Date)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks (ingestion + anomaly), got %d", len(tasks))
	}

	byType := map[string]domain.Task{}
	for _, task := range tasks {
		byType[task.Type] = task
	}
	ing, ok := byType["ingestion"]
	if !ok {
		t.Fatalf("missing ingestion task: %+v", tasks)
	}
	if ing.Priority != "medium" || ing.Status != "pending" {
		t.Fatalf("unexpected ingestion task: %+v", ing)
	}
	anom, ok := byType["anomaly"]
	if !ok {
		t.Fatalf("missing anomaly task")
	}
	if anom.Priority != "urgent" || anom.Severity != "elevated" {
		t.Fatalf("critical anomaly should be urgent/elevated: %+v", anom)
	}
	// urgent gets the 4h allotment from the default config
	if anom.SLAHours != 4 {
		t.Fatalf("expected 4 SLA hours, got %v", anom.SLAHours)
	}
	if anom.AISummary == "" || anom.RecommendedAction == "" {
		t.Fatalf("expected annotation on synthesized task")
	}
	if !strings.Contains(anom.Description, "signal:") {
		t.Fatalf("expected signal payload in description: %q", anom.Description)
	}

	if ag.Counters.Total != 2 || ag.Counters.Pending != 2 || ag.Counters.Overdue != 0 {
		t.Fatalf("unexpected counters: %+v", ag.Counters)
	}

	// SLA tracking rows ride along with every synthesized task
	for _, task := range tasks {
		if _, err := env.Repo.GetSLA(env.Ctx, task.ID); err != nil {
			t.Fatalf("missing sla record for %s: %v", task.ID, err)
		}
	}
}

func TestSynthesizeIdempotentPerDate(t *testing.T) {
	env := newTestEnv(t)
	env.seedStaleIngestion(t, 2)

	first, firstTasks, err := env.Synth.Synthesize(env.Ctx, "acme", "2026-03-02")
	if err != nil {
		t.Fatalf("first synthesize: %v", err)
	}

	// new signal after the agenda exists must not change the day
	env.seedAnomaly(t, "an-late", "high")
	second, secondTasks, err := env.Synth.Synthesize(env.Ctx, "acme", "2026-03-02")
	if err != nil {
		t.Fatalf("second synthesize: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same agenda, got %s and %s", first.ID, second.ID)
	}
	if len(secondTasks) != len(firstTasks) {
		t.Fatalf("agenda grew on re-synthesis: %d vs %d", len(secondTasks), len(firstTasks))
	}

	// a different date is a fresh agenda
	next, _, err := env.Synth.Synthesize(env.Ctx, "acme", "2026-03-03")
	if err != nil {
		t.Fatalf("next-day synthesize: %v", err)
	}
	if next.ID == first.ID {
		t.Fatalf("expected a new agenda for the next day")
	}
}

func TestSynthesizeDeterministicTaskIDs(t *testing.T) {
	a := newTestEnv(t)
	a.seedStaleIngestion(t, 2)
	b := newTestEnv(t)
	b.seedStaleIngestion(t, 2)

	_, tasksA, err := a.Synth.Synthesize(a.Ctx, "acme", "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	_, tasksB, err := b.Synth.Synthesize(b.Ctx, "acme", "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasksA) != 1 || len(tasksB) != 1 || tasksA[0].ID != tasksB[0].ID {
		t.Fatalf("same signal on the same day must map to the same task id: %+v vs %+v", tasksA, tasksB)
	}
}

func TestSynthesizeIsolatesDetectorFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Synth.Detectors = []agenda.Detector{
		{Name: "broken_source", Scan: func(ctx context.Context, d agenda.Deps, tenantID string) ([]domain.Signal, error) {
			return nil, errors.New("feed unavailable")
		}},
		{Name: "healthy_source", Scan: func(ctx context.Context, d agenda.Deps, tenantID string) ([]domain.Signal, error) {
			return []domain.Signal{{
				Type:     "review",
				Source:   "healthy_source",
				Priority: "medium",
				Data:     map[string]any{"count": 1},
			}}, nil
		}},
	}

	ag, tasks, err := env.Synth.Synthesize(env.Ctx, "acme", "")
	if err != nil {
		t.Fatalf("one broken detector must not abort synthesis: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != "review" {
		t.Fatalf("expected the healthy detector's task, got %+v", tasks)
	}
	if ag.Counters.Total != 1 {
		t.Fatalf("unexpected counters: %+v", ag.Counters)
	}
}

func TestSynthesizeEmptyLedger(t *testing.T) {
	env := newTestEnv(t)
	ag, tasks, err := env.Synth.Synthesize(env.Ctx, "acme", "")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(tasks) != 0 || ag.Counters.Total != 0 {
		t.Fatalf("quiet ledger should make an empty agenda: %+v", ag.Counters)
	}
}

func TestCountersOverdue(t *testing.T) {
	now := testNow
	tasks := []domain.Task{
		{Status: "pending", Priority: "high", DueAt: now.Add(-time.Hour).Format(time.RFC3339), SLAHours: 24},
		{Status: "pending", Priority: "low", DueAt: now.Add(100 * time.Hour).Format(time.RFC3339), SLAHours: 168},
		{Status: "completed", Priority: "low", DueAt: now.Add(-time.Hour).Format(time.RFC3339), SLAHours: 24},
	}
	c := agenda.Counters(now, tasks)
	if c.Total != 3 || c.Pending != 2 || c.Completed != 1 {
		t.Fatalf("unexpected counters: %+v", c)
	}
	if c.Overdue != 1 {
		t.Fatalf("completed tasks must not count as overdue: %+v", c)
	}
	if c.ByPriority["high"] != 1 || c.ByPriority["low"] != 2 {
		t.Fatalf("unexpected priority split: %+v", c.ByPriority)
	}
}

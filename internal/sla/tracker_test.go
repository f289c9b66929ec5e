package sla_test

import (
	"context"
	"testing"
	"time"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/migrate"
	"opsline/internal/repo"
	"opsline/internal/sla"
)

func TestCompute(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		due      time.Time
		slaHours float64
		want     string
	}{
		{"past due", now.Add(-time.Minute), 24, sla.StatusBreached},
		{"well ahead", now.Add(20 * time.Hour), 24, sla.StatusOnTrack},
		{"exactly at half window", now.Add(12 * time.Hour), 24, sla.StatusAtRisk},
		{"just inside half window", now.Add(12*time.Hour - time.Second), 24, sla.StatusAtRisk},
		{"just outside half window", now.Add(12*time.Hour + time.Second), 24, sla.StatusOnTrack},
		{"due right now", now, 4, sla.StatusAtRisk},
	}
	for _, tc := range cases {
		got := sla.Compute(now, tc.due.Format(time.RFC3339), tc.slaHours)
		if got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestComputeUnparseableDue(t *testing.T) {
	if got := sla.Compute(time.Now(), "not-a-time", 24); got != sla.StatusBreached {
		t.Fatalf("garbage due date should read as breached, got %s", got)
	}
}

func newTestTracker(t *testing.T, now time.Time) (sla.Tracker, repo.Repo) {
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
	if err := r.InsertTenant(ctx, domain.Tenant{ID: "acme", Name: "acme", Status: "active", CreatedAt: now.Format(time.RFC3339)}); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	return sla.Tracker{Repo: r, Now: func() time.Time { return now }}, r
}

func seedSLA(t *testing.T, r repo.Repo, rec domain.SLATracking) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertTask(ctx, tx, domain.Task{
		ID:        rec.TaskID,
		TenantID:  rec.TenantID,
		Type:      "posting",
		Title:     rec.TaskID,
		Priority:  "medium",
		Status:    "pending",
		DueAt:     rec.DueAt,
		SLAHours:  rec.SLAHours,
		CreatedAt: rec.StartedAt,
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := r.InsertSLA(ctx, tx, rec); err != nil {
		t.Fatalf("insert sla: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshPersistsStatusChange(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, r := newTestTracker(t, now)
	ctx := context.Background()

	seedSLA(t, r, domain.SLATracking{
		TaskID:    "t1",
		TenantID:  "acme",
		StartedAt: now.Add(-30 * time.Hour).Format(time.RFC3339),
		DueAt:     now.Add(-time.Hour).Format(time.RFC3339),
		SLAHours:  24,
		Status:    sla.StatusOnTrack,
	})

	rec, err := tracker.Refresh(ctx, "t1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec == nil || rec.Status != sla.StatusBreached {
		t.Fatalf("expected breached, got %+v", rec)
	}
	stored, err := r.GetSLA(ctx, "t1")
	if err != nil {
		t.Fatalf("get sla: %v", err)
	}
	if stored.Status != sla.StatusBreached {
		t.Fatalf("status change not persisted: %s", stored.Status)
	}
}

func TestRefreshMissingRecordIsNoop(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, now)
	rec, err := tracker.Refresh(context.Background(), "nope")
	if err != nil {
		t.Fatalf("refresh missing: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for missing tracking row")
	}
}

func TestMarkCompletedFreezesRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, r := newTestTracker(t, now)
	ctx := context.Background()

	seedSLA(t, r, domain.SLATracking{
		TaskID:    "t2",
		TenantID:  "acme",
		StartedAt: now.Add(-3 * time.Hour).Format(time.RFC3339),
		DueAt:     now.Add(21 * time.Hour).Format(time.RFC3339),
		SLAHours:  24,
		Status:    sla.StatusOnTrack,
	})

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.MarkCompleted(ctx, tx, "t2"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	rec, err := r.GetSLA(ctx, "t2")
	if err != nil {
		t.Fatalf("get sla: %v", err)
	}
	if rec.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}
	if rec.ActualHours == nil || *rec.ActualHours < 2.9 || *rec.ActualHours > 3.1 {
		t.Fatalf("expected ~3 actual hours, got %v", rec.ActualHours)
	}

	// completed records stop moving even when past due
	late := sla.Tracker{Repo: r, Now: func() time.Time { return now.Add(100 * time.Hour) }}
	refreshed, err := late.Refresh(ctx, "t2")
	if err != nil {
		t.Fatalf("refresh completed: %v", err)
	}
	if refreshed.Status != sla.StatusOnTrack {
		t.Fatalf("completed record should keep its status, got %s", refreshed.Status)
	}
}

func TestStatsAndAtRisk(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, r := newTestTracker(t, now)
	ctx := context.Background()

	seedSLA(t, r, domain.SLATracking{
		TaskID: "ok", TenantID: "acme",
		StartedAt: now.Format(time.RFC3339),
		DueAt:     now.Add(40 * time.Hour).Format(time.RFC3339),
		SLAHours:  48, Status: sla.StatusOnTrack,
	})
	seedSLA(t, r, domain.SLATracking{
		TaskID: "tight", TenantID: "acme",
		StartedAt: now.Add(-20 * time.Hour).Format(time.RFC3339),
		DueAt:     now.Add(2 * time.Hour).Format(time.RFC3339),
		SLAHours:  24, Status: sla.StatusOnTrack,
	})
	seedSLA(t, r, domain.SLATracking{
		TaskID: "late", TenantID: "acme",
		StartedAt: now.Add(-30 * time.Hour).Format(time.RFC3339),
		DueAt:     now.Add(-6 * time.Hour).Format(time.RFC3339),
		SLAHours:  24, Status: sla.StatusOnTrack,
	})

	counts, err := tracker.Stats(ctx, "acme")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if counts[sla.StatusOnTrack] != 1 || counts[sla.StatusAtRisk] != 1 || counts[sla.StatusBreached] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	atRisk, err := tracker.AtRisk(ctx, "acme")
	if err != nil {
		t.Fatalf("at risk: %v", err)
	}
	if len(atRisk) != 2 {
		t.Fatalf("expected 2 at-risk records, got %d", len(atRisk))
	}
}

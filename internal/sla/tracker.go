package sla

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"opsline/internal/domain"
	"opsline/internal/repo"
)

const (
	StatusOnTrack  = "on_track"
	StatusAtRisk   = "at_risk"
	StatusBreached = "breached"
)

// Tracker maintains the timing contract attached to each task. Status is
// recomputed lazily on query or on task lifecycle changes; there is no
// background timer.
type Tracker struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger *log.Logger
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tracker) logf(format string, args ...any) {
	if t.Logger != nil {
		t.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Compute returns the status for an open record as a pure function of the
// clock: past due is breached; within half the allotted window of the due
// time is at_risk (boundary inclusive); otherwise on_track.
func Compute(now time.Time, dueAt string, slaHours float64) string {
	due, err := time.Parse(time.RFC3339, dueAt)
	if err != nil {
		return StatusBreached
	}
	if now.After(due) {
		return StatusBreached
	}
	remaining := due.Sub(now)
	atRiskWindow := time.Duration(slaHours * 0.5 * float64(time.Hour))
	if remaining <= atRiskWindow {
		return StatusAtRisk
	}
	return StatusOnTrack
}

// Refresh recomputes and, if changed, persists the status for one task.
// A missing tracking record is a silent no-op: SLA tracking is a
// best-effort observability signal, never a correctness gate.
func (t Tracker) Refresh(ctx context.Context, taskID string) (*domain.SLATracking, error) {
	rec, err := t.Repo.GetSLA(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	refreshed, err := t.refresh(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &refreshed, nil
}

func (t Tracker) refresh(ctx context.Context, rec domain.SLATracking) (domain.SLATracking, error) {
	if rec.CompletedAt != nil {
		return rec, nil
	}
	status := Compute(t.now(), rec.DueAt, rec.SLAHours)
	if status == rec.Status {
		return rec, nil
	}
	if err := t.Repo.UpdateSLAStatus(ctx, rec.TaskID, status); err != nil {
		return rec, err
	}
	rec.Status = status
	return rec, nil
}

// MarkCompleted freezes the record: status stops moving and actual hours
// are fixed from start to completion. Missing records are ignored.
func (t Tracker) MarkCompleted(ctx context.Context, tx *sql.Tx, taskID string) error {
	rec, err := t.Repo.GetSLA(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.CompletedAt != nil {
		return nil
	}
	now := t.now().UTC()
	started, err := time.Parse(time.RFC3339, rec.StartedAt)
	if err != nil {
		started = now
	}
	actual := now.Sub(started).Hours()
	return t.Repo.MarkSLACompleted(ctx, tx, taskID, now.Format(time.RFC3339), actual)
}

// Stats returns per-status counts for a tenant after refreshing every
// open record.
func (t Tracker) Stats(ctx context.Context, tenantID string) (map[string]int, error) {
	if err := t.refreshOpen(ctx, tenantID); err != nil {
		return nil, err
	}
	return t.Repo.CountSLAByStatus(ctx, tenantID)
}

// AtRisk lists open records currently at_risk or breached, due soonest
// first.
func (t Tracker) AtRisk(ctx context.Context, tenantID string) ([]domain.SLATracking, error) {
	open, err := t.Repo.ListOpenSLA(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var res []domain.SLATracking
	for _, rec := range open {
		refreshed, err := t.refresh(ctx, rec)
		if err != nil {
			t.logf("sla: refresh %s failed: %v", rec.TaskID, err)
			continue
		}
		if refreshed.Status == StatusAtRisk || refreshed.Status == StatusBreached {
			res = append(res, refreshed)
		}
	}
	return res, nil
}

func (t Tracker) refreshOpen(ctx context.Context, tenantID string) error {
	open, err := t.Repo.ListOpenSLA(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, rec := range open {
		if _, err := t.refresh(ctx, rec); err != nil {
			t.logf("sla: refresh %s failed: %v", rec.TaskID, err)
		}
	}
	return nil
}

package agenda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/repo"
	"opsline/internal/sla"
)

// Summarizer annotates a freshly synthesized task with a one-paragraph
// summary and a recommended next action.
type Summarizer interface {
	Annotate(ctx context.Context, task domain.Task, sig domain.Signal) (summary, recommendation string, err error)
}

// Synthesizer turns detector signals into the day's agenda. Synthesis is
// idempotent per (tenant, date): an existing agenda is returned as-is.
type Synthesizer struct {
	Repo       repo.Repo
	Events     events.Writer
	Config     func(ctx context.Context, tenantID string) (config.Config, error)
	Detectors  []Detector
	Summarizer Summarizer
	Now        func() time.Time
	Logger     *log.Logger
}

func (s Synthesizer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Synthesizer) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Synthesize builds (or returns) the agenda for a tenant and date.
// Detector failures are logged and skipped so one broken source never
// blanks the whole agenda.
func (s Synthesizer) Synthesize(ctx context.Context, tenantID, date string) (domain.Agenda, []domain.Task, error) {
	if date == "" {
		date = s.now().UTC().Format("2006-01-02")
	}
	existing, err := s.Repo.GetAgendaByDate(ctx, tenantID, date)
	if err == nil {
		tasks, err := s.Repo.ListAgendaTasks(ctx, existing.ID)
		if err != nil {
			return domain.Agenda{}, nil, err
		}
		existing.Counters = Counters(s.now(), tasks)
		return existing, tasks, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Agenda{}, nil, err
	}

	cfg, err := s.Config(ctx, tenantID)
	if err != nil {
		return domain.Agenda{}, nil, err
	}
	now := s.now().UTC()
	deps := Deps{Repo: s.Repo, Cfg: cfg, Now: now}

	var signals []domain.Signal
	for _, det := range s.Detectors {
		found, err := det.Scan(ctx, deps, tenantID)
		if err != nil {
			s.logf("agenda: detector %s failed for %s: %v", det.Name, tenantID, err)
			continue
		}
		signals = append(signals, found...)
	}

	tasks := make([]domain.Task, 0, len(signals))
	for _, sig := range signals {
		task := s.buildTask(tenantID, date, sig, cfg, now)
		if s.Summarizer != nil {
			summary, rec, err := s.Summarizer.Annotate(ctx, task, sig)
			if err != nil {
				s.logf("agenda: annotate %s failed: %v", task.ID, err)
			} else {
				task.AISummary = summary
				task.RecommendedAction = rec
			}
		}
		tasks = append(tasks, task)
	}

	ag := domain.Agenda{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Date:      date,
		CreatedAt: now.Format(time.RFC3339),
	}
	for _, t := range tasks {
		ag.TaskIDs = append(ag.TaskIDs, t.ID)
	}
	ag.Counters = Counters(now, tasks)

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agenda{}, nil, err
	}
	defer tx.Rollback()
	for _, t := range tasks {
		if err := s.Repo.InsertTask(ctx, tx, t); err != nil {
			return domain.Agenda{}, nil, err
		}
		if err := s.Repo.InsertSLA(ctx, tx, domain.SLATracking{
			TaskID:    t.ID,
			TenantID:  tenantID,
			StartedAt: t.CreatedAt,
			DueAt:     t.DueAt,
			SLAHours:  t.SLAHours,
			Status:    sla.StatusOnTrack,
		}); err != nil {
			return domain.Agenda{}, nil, err
		}
		if err := s.Events.Append(ctx, tx, "task.created", tenantID, "task", t.ID, "system",
			events.EventPayload{"type": t.Type, "priority": t.Priority, "agenda_date": date}); err != nil {
			return domain.Agenda{}, nil, err
		}
	}
	if err := s.Repo.InsertAgenda(ctx, tx, ag); err != nil {
		return domain.Agenda{}, nil, err
	}
	if err := s.Events.Append(ctx, tx, "agenda.synthesized", tenantID, "agenda", ag.ID, "system",
		events.EventPayload{"date": date, "tasks": len(tasks)}); err != nil {
		return domain.Agenda{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agenda{}, nil, err
	}
	return ag, tasks, nil
}

// buildTask derives a task from a signal. The id hashes the signal
// identity so the same signal on the same day always maps to one task.
func (s Synthesizer) buildTask(tenantID, date string, sig domain.Signal, cfg config.Config, now time.Time) domain.Task {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"|"+date+"|"+sig.Type+"|"+sig.Source)).String()
	hours := cfg.SLAHours(sig.Priority)
	desc := signalTitle(sig)
	if raw, err := json.Marshal(sig.Data); err == nil {
		desc = fmt.Sprintf("%s\nsignal: %s", desc, raw)
	}
	severity := "normal"
	if sig.Priority == "urgent" || sig.Priority == "high" {
		severity = "elevated"
	}
	return domain.Task{
		ID:          id,
		TenantID:    tenantID,
		Type:        sig.Type,
		Title:       signalTitle(sig),
		Description: desc,
		Priority:    sig.Priority,
		Status:      "pending",
		Severity:    severity,
		DueAt:       now.Add(time.Duration(hours * float64(time.Hour))).Format(time.RFC3339),
		SLAHours:    hours,
		CreatedAt:   now.Format(time.RFC3339),
	}
}

// Counters aggregates agenda tasks for the dashboard header.
func Counters(now time.Time, tasks []domain.Task) domain.AgendaCounters {
	c := domain.AgendaCounters{
		ByPriority: map[string]int{},
		BySLA:      map[string]int{},
	}
	for _, t := range tasks {
		c.Total++
		c.ByPriority[t.Priority]++
		switch t.Status {
		case "pending":
			c.Pending++
		case "in_progress":
			c.InProgress++
		case "completed":
			c.Completed++
		}
		if t.Status == "pending" || t.Status == "in_progress" {
			status := sla.Compute(now, t.DueAt, t.SLAHours)
			c.BySLA[status]++
			if status == sla.StatusBreached {
				c.Overdue++
			}
		}
	}
	return c
}

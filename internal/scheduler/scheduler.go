package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"opsline/internal/agenda"
	"opsline/internal/assign"
	"opsline/internal/execute"
	"opsline/internal/playbook"
	"opsline/internal/repo"
)

const (
	defaultAgendaInterval   = 24 * time.Hour
	defaultAssignInterval   = time.Hour
	defaultExecuteInterval  = 15 * time.Minute
	defaultPlaybookInterval = time.Minute
	sweepBatch              = 100
)

// Scheduler drives the four background sweeps: daily agenda synthesis,
// hourly auto-assignment, periodic autonomous execution and the playbook
// cadence tick. Every sweep isolates per-item failures; a broken tenant
// or task is logged and the loop moves on.
type Scheduler struct {
	Repo      repo.Repo
	Agendas   agenda.Synthesizer
	Assigner  assign.Service
	Executor  execute.Service
	Playbooks playbook.Engine
	Logger    *log.Logger

	AgendaInterval   time.Duration
	AssignInterval   time.Duration
	ExecuteInterval  time.Duration
	PlaybookInterval time.Duration
}

func (s Scheduler) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Start launches the sweep loops. They stop when ctx is cancelled. Each
// loop sweeps once immediately so a fresh process does not wait a full
// interval for its first pass.
func (s Scheduler) Start(ctx context.Context) {
	go s.loop(ctx, orDefault(s.AgendaInterval, defaultAgendaInterval), "agenda", s.SweepAgendas)
	go s.loop(ctx, orDefault(s.AssignInterval, defaultAssignInterval), "assign", s.SweepAssignments)
	go s.loop(ctx, orDefault(s.ExecuteInterval, defaultExecuteInterval), "execute", s.SweepExecutions)
	go s.loop(ctx, orDefault(s.PlaybookInterval, defaultPlaybookInterval), "playbook", s.SweepPlaybooks)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func (s Scheduler) loop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n := sweep(ctx)
		if n > 0 {
			s.logf("sweep %s: processed %d", name, n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepAgendas synthesizes today's agenda for every tenant. Existing
// agendas come back unchanged, so running it again is harmless.
func (s Scheduler) SweepAgendas(ctx context.Context) int {
	tenants, err := s.Repo.ListTenants(ctx)
	if err != nil {
		s.logf("sweep agenda: list tenants failed: %v", err)
		return 0
	}
	n := 0
	for _, t := range tenants {
		if _, _, err := s.Agendas.Synthesize(ctx, t.ID, ""); err != nil {
			s.logf("sweep agenda: tenant %s failed: %v", t.ID, err)
			continue
		}
		n++
	}
	return n
}

// SweepAssignments auto-assigns pending unassigned tasks.
func (s Scheduler) SweepAssignments(ctx context.Context) int {
	tenants, err := s.Repo.ListTenants(ctx)
	if err != nil {
		s.logf("sweep assign: list tenants failed: %v", err)
		return 0
	}
	n := 0
	for _, t := range tenants {
		tasks, err := s.Repo.ListTasks(ctx, repo.TaskFilters{
			TenantID:   t.ID,
			Status:     "pending",
			Unassigned: true,
			Limit:      sweepBatch,
		})
		if err != nil {
			s.logf("sweep assign: tenant %s failed: %v", t.ID, err)
			continue
		}
		for _, task := range tasks {
			assignee, err := s.Assigner.Assign(ctx, task.ID, assign.Options{Method: assign.MethodAuto, ActorID: "system"})
			if err != nil {
				s.logf("sweep assign: task %s failed: %v", task.ID, err)
				continue
			}
			if assignee != nil {
				n++
			}
		}
	}
	return n
}

// SweepExecutions runs assigned pending tasks that have an automatic
// handler. Policy denials are expected here and only logged.
func (s Scheduler) SweepExecutions(ctx context.Context) int {
	tenants, err := s.Repo.ListTenants(ctx)
	if err != nil {
		s.logf("sweep execute: list tenants failed: %v", err)
		return 0
	}
	n := 0
	for _, t := range tenants {
		tasks, err := s.Repo.ListTasks(ctx, repo.TaskFilters{
			TenantID: t.ID,
			Status:   "pending",
			Limit:    sweepBatch,
		})
		if err != nil {
			s.logf("sweep execute: tenant %s failed: %v", t.ID, err)
			continue
		}
		for _, task := range tasks {
			if task.AssigneeID == nil {
				continue
			}
			if _, ok := s.Executor.Handlers[task.Type]; !ok {
				continue
			}
			outcome, err := s.Executor.Execute(ctx, task.ID, execute.Options{
				Method:  "autonomous",
				ActorID: "system",
				Role:    "system",
			})
			var denied *execute.PolicyDeniedError
			switch {
			case errors.As(err, &denied):
				s.logf("sweep execute: task %s held for review: %s", task.ID, denied.Decision.Reasoning)
			case errors.Is(err, execute.ErrNotPending):
				// claimed by a concurrent worker
			case err != nil:
				s.logf("sweep execute: task %s failed: %v", task.ID, err)
			default:
				if outcome.Task.Status == "completed" {
					n++
				}
			}
		}
	}
	return n
}

// SweepPlaybooks triggers playbooks whose cadence has elapsed.
func (s Scheduler) SweepPlaybooks(ctx context.Context) int {
	return s.Playbooks.TickDue(ctx)
}

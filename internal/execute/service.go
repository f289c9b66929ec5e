package execute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/policy"
	"opsline/internal/repo"
	"opsline/internal/sla"
)

var (
	// ErrNotPending means another worker already claimed the task, or it
	// has moved past pending.
	ErrNotPending = errors.New("task is not pending")
	// ErrUnknownTaskType means no handler is registered for the task type.
	ErrUnknownTaskType = errors.New("no handler for task type")
	// ErrTerminal means the task has already finished.
	ErrTerminal = errors.New("task is in a terminal state")
)

// PolicyDeniedError carries the decision that stopped an execution.
type PolicyDeniedError struct {
	Decision policy.Decision
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("execution denied by policy: %s", e.Decision.Reasoning)
}

// Result is what a handler produced.
type Result struct {
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}

// Deps is the read/write surface a handler gets per call.
type Deps struct {
	Repo repo.Repo
	Cfg  config.Config
	Now  time.Time
}

// Handler performs the real work for one task type. When simulate is
// true tx is nil and the handler must only read; its result describes
// what a live run would have done.
type Handler func(ctx context.Context, d Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (Result, error)

// Options shapes a single execution attempt.
type Options struct {
	Method   string // autonomous, manual, assisted
	ActorID  string
	Role     string
	Simulate bool
	Input    map[string]any
}

// Outcome is the task after the attempt plus what the handler reported.
type Outcome struct {
	Task      domain.Task     `json:"task"`
	Result    Result          `json:"result"`
	Decision  policy.Decision `json:"decision"`
	Simulated bool            `json:"simulated"`
}

// Service drives task execution: policy gate, pending claim, handler
// dispatch, then terminal bookkeeping. Claiming uses a conditional
// update so two workers racing on the same task execute it once.
type Service struct {
	Repo     repo.Repo
	Events   events.Writer
	Policy   policy.Engine
	SLA      sla.Tracker
	Config   func(ctx context.Context, tenantID string) (config.Config, error)
	Handlers map[string]Handler
	Now      func() time.Time
	Logger   *log.Logger
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Execute runs the task. Handler failure is recorded on the task (status
// failed, error message set) and returned as a normal outcome, not an
// error; callers inspect Task.Status.
func (s Service) Execute(ctx context.Context, taskID string, opts Options) (Outcome, error) {
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	handler, ok := s.Handlers[task.Type]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type)
	}
	cfg, err := s.Config(ctx, task.TenantID)
	if err != nil {
		return Outcome{}, err
	}

	evalCtx := map[string]any{
		"task_type": task.Type,
		"priority":  task.Priority,
		"severity":  task.Severity,
	}
	for k, v := range opts.Input {
		evalCtx[k] = v
	}
	decision, err := s.Policy.Evaluate(ctx, task.TenantID, policy.Actor{ID: opts.ActorID, Role: opts.Role}, task.Type, evalCtx)
	if err != nil {
		return Outcome{}, err
	}
	if decision.Action == policy.ActionBlock {
		return Outcome{}, &PolicyDeniedError{Decision: decision}
	}
	if decision.Action == policy.ActionRequireReview && opts.Method == "autonomous" {
		return Outcome{}, &PolicyDeniedError{Decision: decision}
	}

	now := s.now().UTC()
	deps := Deps{Repo: s.Repo, Cfg: cfg, Now: now}

	if opts.Simulate {
		result, err := handler(ctx, deps, nil, task, opts.Input, true)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Task: task, Result: result, Decision: decision, Simulated: true}, nil
	}

	claimed, err := s.Repo.BeginExecution(ctx, task.ID, now.Format(time.RFC3339))
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		return Outcome{}, ErrNotPending
	}
	task.Status = "in_progress"
	startedAt := now.Format(time.RFC3339)
	task.StartedAt = &startedAt

	// the claim is already committed, so the start marker commits on its
	// own and survives a handler rollback
	startTx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.Events.Append(ctx, startTx, "task.started", task.TenantID, "task", task.ID, opts.ActorID,
		events.EventPayload{"method": opts.Method}); err != nil {
		startTx.Rollback()
		return Outcome{}, err
	}
	if err := startTx.Commit(); err != nil {
		return Outcome{}, err
	}

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	result, handlerErr := handler(ctx, deps, tx, task, opts.Input, false)
	finished := s.now().UTC().Format(time.RFC3339)
	method := opts.Method
	task.ExecutionMethod = &method

	if handlerErr != nil {
		// the handler's partial writes are discarded with this tx and a
		// fresh one records only the failure
		tx.Rollback()
		failTx, err := s.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			return Outcome{}, err
		}
		defer failTx.Rollback()
		task.Status = "failed"
		msg := handlerErr.Error()
		task.ErrorMessage = &msg
		task.CompletedAt = &finished
		if err := s.Repo.UpdateTask(ctx, failTx, task); err != nil {
			return Outcome{}, err
		}
		if err := s.Events.Append(ctx, failTx, "task.failed", task.TenantID, "task", task.ID, opts.ActorID,
			events.EventPayload{"error": msg, "method": opts.Method}); err != nil {
			return Outcome{}, err
		}
		if err := failTx.Commit(); err != nil {
			return Outcome{}, err
		}
		return Outcome{Task: task, Decision: decision}, nil
	}

	task.Status = "completed"
	task.CompletedAt = &finished
	if raw, err := json.Marshal(result); err == nil {
		enc := string(raw)
		task.ResultJSON = &enc
	}
	if err := s.Repo.UpdateTask(ctx, tx, task); err != nil {
		return Outcome{}, err
	}
	if err := s.SLA.MarkCompleted(ctx, tx, task.ID); err != nil {
		return Outcome{}, err
	}
	if task.AssigneeID != nil {
		if err := s.Repo.IncrementWorkerCompleted(ctx, tx, *task.AssigneeID); err != nil {
			return Outcome{}, err
		}
	}
	if err := s.Events.Append(ctx, tx, "task.completed", task.TenantID, "task", task.ID, opts.ActorID,
		events.EventPayload{"summary": result.Summary, "method": opts.Method}); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: task, Result: result, Decision: decision}, nil
}

// Rollback cancels a task that has not reached a terminal state.
func (s Service) Rollback(ctx context.Context, taskID, actorID, reason string) (domain.Task, error) {
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	switch task.Status {
	case "completed", "failed", "cancelled":
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTerminal, task.Status)
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task.Status = "cancelled"
	finished := s.now().UTC().Format(time.RFC3339)
	task.CompletedAt = &finished
	if reason != "" {
		task.ErrorMessage = &reason
	}
	if err := s.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := s.Events.Append(ctx, tx, "task.cancelled", task.TenantID, "task", task.ID, actorID,
		events.EventPayload{"reason": reason}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/notify"
	"opsline/internal/policy"
	"opsline/internal/repo"
	"opsline/internal/sla"
)

// Run statuses.
const (
	RunSuccess          = "success"
	RunFailed           = "failed"
	RunSkipped          = "skipped"
	RunAwaitingApproval = "awaiting_approval"
)

var (
	// ErrUnknownTemplate means the playbook references a template key the
	// catalog does not carry.
	ErrUnknownTemplate = errors.New("unknown playbook template")
	// ErrNotAwaiting means Confirm was called on a run that is not
	// waiting for approval.
	ErrNotAwaiting = errors.New("run is not awaiting approval")
	// ErrPaused means a cadence trigger hit a paused playbook.
	ErrPaused = errors.New("playbook is paused")
)

// Engine owns the playbook lifecycle: create from template, run on
// cadence or by hand, gate on confirmation, confirm later from the
// stored snapshot.
type Engine struct {
	Repo      repo.Repo
	Events    events.Writer
	Policy    policy.Engine
	Config    func(ctx context.Context, tenantID string) (config.Config, error)
	Templates map[string]Template
	Notifier  notify.Notifier
	Now       func() time.Time
	Logger    *log.Logger
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// CreateOptions override template defaults at creation time. Draft
// playbooks sit out of cadence ticks until activated.
type CreateOptions struct {
	Name                 string
	Draft                bool
	CadenceMinutes       *int
	ConfirmationRequired *bool
	Config               *RunConfig
}

// Create instantiates a playbook from a catalog template.
func (e Engine) Create(ctx context.Context, tenantID, templateKey string, opts CreateOptions) (domain.Playbook, error) {
	tpl, ok := e.Templates[templateKey]
	if !ok {
		return domain.Playbook{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateKey)
	}
	status := "active"
	if opts.Draft {
		status = "draft"
	}
	now := e.now().UTC().Format(time.RFC3339)
	pb := domain.Playbook{
		ID:                   uuid.NewString(),
		TenantID:             tenantID,
		Template:             tpl.Key,
		Name:                 tpl.Name,
		Status:               status,
		CadenceMinutes:       tpl.DefaultCadence,
		ConfirmationRequired: tpl.ConfirmationRequired,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if opts.Name != "" {
		pb.Name = opts.Name
	}
	if opts.CadenceMinutes != nil {
		pb.CadenceMinutes = *opts.CadenceMinutes
	}
	if opts.ConfirmationRequired != nil {
		pb.ConfirmationRequired = *opts.ConfirmationRequired
	}
	if opts.Config != nil {
		raw, err := json.Marshal(opts.Config)
		if err != nil {
			return domain.Playbook{}, err
		}
		enc := string(raw)
		pb.ConfigJSON = &enc
	}
	if err := e.Repo.InsertPlaybook(ctx, pb); err != nil {
		return domain.Playbook{}, err
	}
	return pb, nil
}

// SetStatus moves a playbook between draft, active and paused.
func (e Engine) SetStatus(ctx context.Context, playbookID, status string) (domain.Playbook, error) {
	switch status {
	case "draft", "active", "paused":
	default:
		return domain.Playbook{}, fmt.Errorf("invalid playbook status %q", status)
	}
	pb, err := e.Repo.GetPlaybook(ctx, playbookID)
	if err != nil {
		return domain.Playbook{}, err
	}
	pb.Status = status
	pb.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdatePlaybook(ctx, pb); err != nil {
		return domain.Playbook{}, err
	}
	return pb, nil
}

// runConfig merges the playbook's stored overrides over the template
// defaults.
func runConfig(tpl Template, pb domain.Playbook) RunConfig {
	rc := tpl.Defaults
	if pb.ConfigJSON == nil || strings.TrimSpace(*pb.ConfigJSON) == "" {
		return rc
	}
	var override RunConfig
	if err := json.Unmarshal([]byte(*pb.ConfigJSON), &override); err != nil {
		return rc
	}
	if override.MaxActions > 0 {
		rc.MaxActions = override.MaxActions
	}
	if override.Threshold > 0 {
		rc.Threshold = override.Threshold
	}
	return rc
}

// Due reports whether a cadence tick should trigger the playbook.
func Due(pb domain.Playbook, now time.Time) bool {
	if pb.LastRunAt == nil {
		return true
	}
	last, err := time.Parse(time.RFC3339, *pb.LastRunAt)
	if err != nil {
		return true
	}
	return !now.Before(last.Add(time.Duration(pb.CadenceMinutes) * time.Minute))
}

// Run executes one playbook cycle. force skips the confirmation gate;
// triggeredBy is recorded on the run ("manual", "cadence", "api").
func (e Engine) Run(ctx context.Context, playbookID, triggeredBy string, force bool) (domain.PlaybookRun, error) {
	pb, err := e.Repo.GetPlaybook(ctx, playbookID)
	if err != nil {
		return domain.PlaybookRun{}, err
	}
	if pb.Status != "active" && triggeredBy == "cadence" {
		return domain.PlaybookRun{}, ErrPaused
	}
	tpl, ok := e.Templates[pb.Template]
	if !ok {
		return domain.PlaybookRun{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, pb.Template)
	}
	cfg, err := e.Config(ctx, pb.TenantID)
	if err != nil {
		return domain.PlaybookRun{}, err
	}
	now := e.now().UTC()
	run := domain.PlaybookRun{
		ID:          uuid.NewString(),
		PlaybookID:  pb.ID,
		TenantID:    pb.TenantID,
		TriggeredBy: triggeredBy,
		StartedAt:   now.Format(time.RFC3339),
	}

	rc := runConfig(tpl, pb)
	snapshot, actions, err := tpl.Plan(ctx, Deps{Repo: e.Repo, Cfg: cfg, Now: now}, pb.TenantID, rc)
	if err != nil {
		run.Status = RunFailed
		run.Message = err.Error()
		return run, e.finishRun(ctx, pb, run)
	}
	if raw, err := json.Marshal(snapshot); err == nil {
		enc := string(raw)
		run.ContextJSON = &enc
	}
	if len(actions) > rc.MaxActions {
		actions = actions[:rc.MaxActions]
	}
	if len(actions) == 0 {
		run.Status = RunSkipped
		run.Message = "threshold_not_met"
		return run, e.finishRun(ctx, pb, run)
	}
	if raw, err := json.Marshal(actions); err == nil {
		enc := string(raw)
		run.ActionsJSON = &enc
	}

	decision, err := e.Policy.Evaluate(ctx, pb.TenantID, policy.Actor{ID: "system", Role: "system"}, "playbook.run", map[string]any{
		"playbook":     pb.Template,
		"action_count": len(actions),
	})
	if err != nil {
		return domain.PlaybookRun{}, err
	}
	if decision.Action == policy.ActionBlock {
		run.Status = RunFailed
		run.Message = "blocked: " + decision.Reasoning
		return run, e.finishRun(ctx, pb, run)
	}
	if (pb.ConfirmationRequired || decision.Action == policy.ActionRequireReview) && !force {
		run.Status = RunAwaitingApproval
		run.Message = fmt.Sprintf("awaiting confirmation for %d actions", len(actions))
		return run, e.finishRun(ctx, pb, run)
	}

	if err := e.apply(ctx, cfg, pb, &run, actions, false); err != nil {
		return domain.PlaybookRun{}, err
	}
	return run, nil
}

// Confirm approves an awaiting run and applies the actions captured when
// it was gated, not a fresh plan.
func (e Engine) Confirm(ctx context.Context, runID, actorID string) (domain.PlaybookRun, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.PlaybookRun{}, err
	}
	if run.Status != RunAwaitingApproval {
		return domain.PlaybookRun{}, fmt.Errorf("%w: run %s is %s", ErrNotAwaiting, run.ID, run.Status)
	}
	pb, err := e.Repo.GetPlaybook(ctx, run.PlaybookID)
	if err != nil {
		return domain.PlaybookRun{}, err
	}
	cfg, err := e.Config(ctx, pb.TenantID)
	if err != nil {
		return domain.PlaybookRun{}, err
	}
	var actions []Action
	if run.ActionsJSON != nil {
		if err := json.Unmarshal([]byte(*run.ActionsJSON), &actions); err != nil {
			return domain.PlaybookRun{}, fmt.Errorf("stored actions: %w", err)
		}
	}
	confirmedAt := e.now().UTC().Format(time.RFC3339)
	run.ConfirmedBy = &actorID
	run.ConfirmedAt = &confirmedAt
	if err := e.apply(ctx, cfg, pb, &run, actions, true); err != nil {
		return domain.PlaybookRun{}, err
	}
	return run, nil
}

// apply creates one task per action and closes the run as success.
func (e Engine) apply(ctx context.Context, cfg config.Config, pb domain.Playbook, run *domain.PlaybookRun, actions []Action, update bool) error {
	now := e.now().UTC()
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var taskIDs []string
	for _, action := range actions {
		task, err := e.buildTask(pb, action, cfg, now)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
			return err
		}
		if err := e.Repo.InsertSLA(ctx, tx, domain.SLATracking{
			TaskID:    task.ID,
			TenantID:  pb.TenantID,
			StartedAt: task.CreatedAt,
			DueAt:     task.DueAt,
			SLAHours:  task.SLAHours,
			Status:    sla.StatusOnTrack,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.created", pb.TenantID, "task", task.ID, "system",
			events.EventPayload{"playbook": pb.ID, "run": run.ID, "type": task.Type}); err != nil {
			return err
		}
		taskIDs = append(taskIDs, task.ID)
	}

	finished := now.Format(time.RFC3339)
	run.Status = RunSuccess
	run.Message = fmt.Sprintf("created %d tasks", len(taskIDs))
	run.FinishedAt = &finished
	if update {
		if err := e.Repo.UpdateRun(ctx, tx, *run); err != nil {
			return err
		}
	} else {
		if err := e.Repo.InsertRun(ctx, tx, *run); err != nil {
			return err
		}
	}
	if err := e.Repo.SetPlaybookLastRun(ctx, tx, pb.ID, run.StartedAt, run.Status, run.Message); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "playbook.run", pb.TenantID, "playbook", pb.ID, run.TriggeredBy,
		events.EventPayload{"run": run.ID, "status": run.Status, "tasks": taskIDs}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if e.Notifier != nil && cfg.Tenant.PrimaryContact != "" {
		subject := fmt.Sprintf("Playbook %s created %d tasks", pb.Name, len(taskIDs))
		if err := e.Notifier.Notify(cfg.Tenant.PrimaryContact, subject, run.Message); err != nil {
			e.logf("playbook: notify failed for %s: %v", pb.ID, err)
		}
	}
	return nil
}

func (e Engine) buildTask(pb domain.Playbook, action Action, cfg config.Config, now time.Time) (domain.Task, error) {
	hours := cfg.SLAHours(action.Priority)
	desc := action.Title
	if len(action.Ref) > 0 {
		raw, err := json.Marshal(action.Ref)
		if err != nil {
			return domain.Task{}, err
		}
		desc = fmt.Sprintf("%s\nref: %s", desc, raw)
	}
	severity := "normal"
	if action.Priority == "urgent" || action.Priority == "high" {
		severity = "elevated"
	}
	return domain.Task{
		ID:          uuid.NewString(),
		TenantID:    pb.TenantID,
		Type:        action.TaskType,
		Title:       action.Title,
		Description: desc,
		Priority:    action.Priority,
		Status:      "pending",
		Severity:    severity,
		DueAt:       now.Add(time.Duration(hours * float64(time.Hour))).Format(time.RFC3339),
		SLAHours:    hours,
		CreatedAt:   now.Format(time.RFC3339),
	}, nil
}

// finishRun records a run that created no tasks (skipped, failed or
// awaiting) and stamps the playbook's last-run columns.
func (e Engine) finishRun(ctx context.Context, pb domain.Playbook, run domain.PlaybookRun) error {
	if run.Status != RunAwaitingApproval {
		finished := e.now().UTC().Format(time.RFC3339)
		run.FinishedAt = &finished
	}
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return err
	}
	if err := e.Repo.SetPlaybookLastRun(ctx, tx, pb.ID, run.StartedAt, run.Status, run.Message); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "playbook.run", pb.TenantID, "playbook", pb.ID, run.TriggeredBy,
		events.EventPayload{"run": run.ID, "status": run.Status, "message": run.Message}); err != nil {
		return err
	}
	return tx.Commit()
}

// TickDue runs every active playbook whose cadence has elapsed. Failures
// are logged per playbook; the tick never aborts early.
func (e Engine) TickDue(ctx context.Context) int {
	pbs, err := e.Repo.ListActivePlaybooks(ctx)
	if err != nil {
		e.logf("playbook: list active failed: %v", err)
		return 0
	}
	now := e.now().UTC()
	triggered := 0
	for _, pb := range pbs {
		if !Due(pb, now) {
			continue
		}
		if _, err := e.Run(ctx, pb.ID, "cadence", false); err != nil {
			e.logf("playbook: cadence run %s failed: %v", pb.ID, err)
			continue
		}
		triggered++
	}
	return triggered
}

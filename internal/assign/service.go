package assign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/repo"
)

const (
	MethodAuto         = "auto"
	MethodRoundRobin   = "round_robin"
	MethodSkillBased   = "skill_based"
	MethodAISuggestion = "ai_suggestion"
	MethodManual       = "manual"
)

// Suggestion is one scored candidate from the ai_suggestion strategy.
type Suggestion struct {
	WorkerID   string   `json:"worker_id"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

// Service resolves who executes a task. A nil assignee result means no
// eligible worker exists and is not an error; the task simply stays
// unassigned until the next sweep.
type Service struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Logger *log.Logger
}

// Options selects the strategy and records who asked for it.
type Options struct {
	Method        string
	ActorID       string
	PreferredUser string
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Assign resolves an assignee for the task using the requested strategy
// and records the decision. Returns the assignee id, or nil when no
// worker is eligible.
func (s Service) Assign(ctx context.Context, taskID string, opts Options) (*string, error) {
	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == "completed" || task.Status == "failed" || task.Status == "cancelled" {
		return nil, fmt.Errorf("task %s is %s and cannot be assigned", task.ID, task.Status)
	}
	workers, err := s.Repo.ListWorkers(ctx, task.TenantID)
	if err != nil {
		return nil, err
	}
	active, err := s.Repo.CountActiveByAssignee(ctx, task.TenantID)
	if err != nil {
		return nil, err
	}

	var pick *domain.Worker
	var reasons []string
	switch opts.Method {
	case MethodAuto:
		pick = pickByWorkload(workers, active)
	case MethodRoundRobin:
		pick = pickRoundRobin(workers)
	case MethodSkillBased:
		pick = pickBySkill(workers, task.Type)
	case MethodAISuggestion:
		suggestions := Score(workers, active, task.Type)
		if len(suggestions) > 0 {
			for i := range workers {
				if workers[i].ID == suggestions[0].WorkerID {
					pick = &workers[i]
				}
			}
			reasons = suggestions[0].Reasons
		}
	case MethodManual:
		if opts.PreferredUser == "" {
			return nil, errors.New("manual assignment requires a user id")
		}
		w, err := s.Repo.GetWorker(ctx, opts.PreferredUser)
		if err != nil {
			return nil, err
		}
		if w.TenantID != task.TenantID {
			return nil, repo.ErrNotFound
		}
		pick = &w
	default:
		return nil, fmt.Errorf("unknown assignment method %q", opts.Method)
	}
	if pick == nil {
		return nil, nil
	}

	now := s.now().UTC().Format(time.RFC3339)
	task.AssigneeID = &pick.ID
	method := opts.Method
	task.AssignmentMethod = &method
	task.AutoAssigned = opts.Method != MethodManual

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateTask(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := s.Repo.SetWorkerLastAssigned(ctx, tx, pick.ID, now); err != nil {
		return nil, err
	}
	payload := events.EventPayload{"assignee": pick.ID, "method": opts.Method}
	if len(reasons) > 0 {
		payload["reasons"] = reasons
	}
	if err := s.Events.Append(ctx, tx, "task.assigned", task.TenantID, "task", task.ID, opts.ActorID, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &pick.ID, nil
}

// pickByWorkload picks the worker with the fewest active tasks who is
// strictly below their concurrency cap. Ties keep query order.
func pickByWorkload(workers []domain.Worker, active map[string]int) *domain.Worker {
	var best *domain.Worker
	bestLoad := 0
	for i := range workers {
		w := &workers[i]
		load := active[w.ID]
		if load >= w.MaxActiveTasks {
			continue
		}
		if best == nil || load < bestLoad {
			best = w
			bestLoad = load
		}
	}
	return best
}

// pickRoundRobin picks the worker with the oldest (or absent)
// last-assignment timestamp.
func pickRoundRobin(workers []domain.Worker) *domain.Worker {
	var best *domain.Worker
	for i := range workers {
		w := &workers[i]
		if best == nil {
			best = w
			continue
		}
		if w.LastAssignedAt == nil {
			if best.LastAssignedAt != nil {
				best = w
			}
			continue
		}
		if best.LastAssignedAt != nil && *w.LastAssignedAt < *best.LastAssignedAt {
			best = w
		}
	}
	return best
}

// pickBySkill picks a worker whose skills include the task type,
// tie-broken by most completed tasks.
func pickBySkill(workers []domain.Worker, taskType string) *domain.Worker {
	var best *domain.Worker
	for i := range workers {
		w := &workers[i]
		if !hasSkill(w, taskType) {
			continue
		}
		if best == nil || w.CompletedTasks > best.CompletedTasks {
			best = w
		}
	}
	return best
}

func hasSkill(w *domain.Worker, skill string) bool {
	for _, s := range w.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// Score blends skill match, SLA adherence and current workload into a
// confidence per worker, best first. Exported so the API can surface the
// suggestion list without committing an assignment.
func Score(workers []domain.Worker, active map[string]int, taskType string) []Suggestion {
	var res []Suggestion
	for i := range workers {
		w := &workers[i]
		confidence := 0.0
		var reasons []string
		if hasSkill(w, taskType) {
			confidence += 0.4
			reasons = append(reasons, fmt.Sprintf("has %s skill", taskType))
		}
		if w.SLAAdherence > 0.9 {
			confidence += 0.3
			reasons = append(reasons, fmt.Sprintf("SLA adherence %.0f%%", w.SLAAdherence*100))
		}
		if active[w.ID] < 5 {
			confidence += 0.3
			reasons = append(reasons, fmt.Sprintf("only %d active tasks", active[w.ID]))
		}
		if confidence == 0 {
			continue
		}
		res = append(res, Suggestion{WorkerID: w.ID, Confidence: confidence, Reasons: reasons})
	}
	// equal confidence keeps query order
	sort.SliceStable(res, func(i, j int) bool { return res[i].Confidence > res[j].Confidence })
	return res
}

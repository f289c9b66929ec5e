package playbook

import (
	"context"
	"fmt"
	"time"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/repo"
)

// Deps is the read surface a template plans against.
type Deps struct {
	Repo repo.Repo
	Cfg  config.Config
	Now  time.Time
}

// Action is one unit of follow-up work a run will create. Ref points at
// the record the task is about so the operator can execute it with the
// right input.
type Action struct {
	TaskType string         `json:"task_type"`
	Title    string         `json:"title"`
	Priority string         `json:"priority"`
	Ref      map[string]any `json:"ref,omitempty"`
}

// RunConfig is the per-playbook tuning merged over template defaults.
type RunConfig struct {
	MaxActions int `json:"max_actions"`
	Threshold  int `json:"threshold"`
}

// Template is a reusable playbook definition. Plan inspects the ledger
// and returns the snapshot it saw plus the actions it wants; no actions
// means the trigger threshold was not met.
type Template struct {
	Key                  string
	Name                 string
	Description          string
	DefaultCadence       int // minutes
	ConfirmationRequired bool
	Defaults             RunConfig
	Plan                 func(ctx context.Context, d Deps, tenantID string, rc RunConfig) (map[string]any, []Action, error)
}

// Catalog returns the built-in templates keyed by template key.
func Catalog() map[string]Template {
	templates := []Template{
		{
			Key:                  "stale_ingestion",
			Name:                 "Clear stale ingestion backlog",
			Description:          "Posts ingestion items stuck past the staleness window.",
			DefaultCadence:       60,
			ConfirmationRequired: false,
			Defaults:             RunConfig{MaxActions: 1, Threshold: 1},
			Plan:                 planStaleIngestion,
		},
		{
			Key:                  "reconciliation_backlog",
			Name:                 "Work aged reconciliation backlog",
			Description:          "Opens a review task per unreconciled transaction past the age limit.",
			DefaultCadence:       240,
			ConfirmationRequired: true,
			Defaults:             RunConfig{MaxActions: 10, Threshold: 5},
			Plan:                 planReconciliationBacklog,
		},
		{
			Key:                  "filing_deadlines",
			Name:                 "Chase filing deadlines",
			Description:          "Opens a filing task per deadline at risk inside the window.",
			DefaultCadence:       1440,
			ConfirmationRequired: false,
			Defaults:             RunConfig{MaxActions: 10, Threshold: 1},
			Plan:                 planFilingDeadlines,
		},
		{
			Key:                  "anomaly_triage",
			Name:                 "Triage open anomalies",
			Description:          "Opens a review task per open anomaly once the pile is big enough.",
			DefaultCadence:       120,
			ConfirmationRequired: true,
			Defaults:             RunConfig{MaxActions: 10, Threshold: 3},
			Plan:                 planAnomalyTriage,
		},
	}
	byKey := make(map[string]Template, len(templates))
	for _, t := range templates {
		byKey[t.Key] = t
	}
	return byKey
}

func planStaleIngestion(ctx context.Context, d Deps, tenantID string, rc RunConfig) (map[string]any, []Action, error) {
	cutoff := d.Now.Add(-time.Duration(d.Cfg.Detectors.StaleIngestionHours * float64(time.Hour))).Format(time.RFC3339)
	n, err := d.Repo.CountStaleIngestion(ctx, tenantID, cutoff)
	if err != nil {
		return nil, nil, err
	}
	snapshot := map[string]any{"count": n, "cutoff": cutoff}
	if n < rc.Threshold {
		return snapshot, nil, nil
	}
	return snapshot, []Action{{
		TaskType: "posting",
		Title:    fmt.Sprintf("Post %d stale ingestion items", n),
		Priority: "medium",
	}}, nil
}

func planReconciliationBacklog(ctx context.Context, d Deps, tenantID string, rc RunConfig) (map[string]any, []Action, error) {
	cutoff := d.Now.AddDate(0, 0, -d.Cfg.Detectors.ReconciliationAgeDays).Format(time.RFC3339)
	n, err := d.Repo.CountUnreconciledBefore(ctx, tenantID, cutoff)
	if err != nil {
		return nil, nil, err
	}
	snapshot := map[string]any{"count": n, "cutoff": cutoff}
	if n < rc.Threshold {
		return snapshot, nil, nil
	}
	txns, err := d.Repo.ListUnreconciledBefore(ctx, tenantID, cutoff, 0)
	if err != nil {
		return nil, nil, err
	}
	var actions []Action
	for _, t := range txns {
		actions = append(actions, Action{
			TaskType: "review",
			Title:    fmt.Sprintf("Reconcile transaction %s (%.2f)", t.ID, t.Amount),
			Priority: "medium",
			Ref:      map[string]any{"transaction_id": t.ID, "amount": t.Amount},
		})
	}
	return snapshot, actions, nil
}

func planFilingDeadlines(ctx context.Context, d Deps, tenantID string, rc RunConfig) (map[string]any, []Action, error) {
	horizon := d.Now.AddDate(0, 0, d.Cfg.Detectors.FilingWindowDays).Format("2006-01-02")
	today := d.Now.Format("2006-01-02")
	filings, err := d.Repo.ListUpcomingFilings(ctx, tenantID, horizon, d.Cfg.Detectors.ReadinessFloor)
	if err != nil {
		return nil, nil, err
	}
	snapshot := map[string]any{"count": len(filings), "horizon": horizon}
	if len(filings) < rc.Threshold {
		return snapshot, nil, nil
	}
	var actions []Action
	for _, f := range filings {
		priority := "high"
		if f.DueDate < today {
			priority = "urgent"
		}
		actions = append(actions, Action{
			TaskType: "filing",
			Title:    fmt.Sprintf("Prepare and submit filing %s (due %s)", f.Name, f.DueDate),
			Priority: priority,
			Ref:      map[string]any{"filing_id": f.ID, "readiness": f.Readiness},
		})
	}
	return snapshot, actions, nil
}

func planAnomalyTriage(ctx context.Context, d Deps, tenantID string, rc RunConfig) (map[string]any, []Action, error) {
	anomalies, err := d.Repo.ListOpenAnomalies(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	snapshot := map[string]any{"count": len(anomalies)}
	if len(anomalies) < rc.Threshold {
		return snapshot, nil, nil
	}
	var actions []Action
	for _, a := range anomalies {
		actions = append(actions, Action{
			TaskType: "review",
			Title:    fmt.Sprintf("Triage %s anomaly %s", a.Kind, a.ID),
			Priority: anomalyPriority(a),
			Ref:      map[string]any{"anomaly_id": a.ID, "kind": a.Kind},
		})
	}
	return snapshot, actions, nil
}

func anomalyPriority(a domain.Anomaly) string {
	switch a.Severity {
	case "critical":
		return "urgent"
	case "high":
		return "high"
	case "low":
		return "low"
	}
	return "medium"
}

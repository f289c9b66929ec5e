package execute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsline/internal/domain"
)

// DefaultHandlers wires the built-in handler per task type. Agenda
// signal types share the handler of the work they flag: ingestion tasks
// post the backlog, deadline tasks submit the filing, anomaly tasks
// record the review.
func DefaultHandlers() map[string]Handler {
	return map[string]Handler{
		"ingestion":      postIngestionBacklog,
		"posting":        postIngestionBacklog,
		"deadline":       submitFiling,
		"filing":         submitFiling,
		"reconciliation": reconcileTransactions,
		"anomaly":        recordReview,
		"review":         recordReview,
		"journal_entry":  recordJournalEntry,
	}
}

const reconcileBatchLimit = 50

// reconcileTransactions clears the oldest unreconciled transactions past
// the configured age, up to one batch per run.
func reconcileTransactions(ctx context.Context, d Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (Result, error) {
	cutoff := d.Now.AddDate(0, 0, -d.Cfg.Detectors.ReconciliationAgeDays).Format(time.RFC3339)
	txns, err := d.Repo.ListUnreconciledBefore(ctx, task.TenantID, cutoff, reconcileBatchLimit)
	if err != nil {
		return Result{}, err
	}
	if simulate {
		return Result{
			Summary: fmt.Sprintf("would reconcile %d transactions older than %s", len(txns), cutoff),
			Details: map[string]any{"count": len(txns), "cutoff": cutoff},
		}, nil
	}
	var ids []string
	for _, t := range txns {
		if err := d.Repo.MarkTransactionReconciled(ctx, tx, t.ID); err != nil {
			return Result{}, err
		}
		ids = append(ids, t.ID)
	}
	return Result{
		Summary: fmt.Sprintf("reconciled %d transactions", len(ids)),
		Details: map[string]any{"count": len(ids), "transaction_ids": ids},
	}, nil
}

// postIngestionBacklog flips stale received items to posted.
func postIngestionBacklog(ctx context.Context, d Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (Result, error) {
	cutoff := d.Now.Add(-time.Duration(d.Cfg.Detectors.StaleIngestionHours * float64(time.Hour))).Format(time.RFC3339)
	if simulate {
		n, err := d.Repo.CountStaleIngestion(ctx, task.TenantID, cutoff)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Summary: fmt.Sprintf("would post %d stale ingestion items", n),
			Details: map[string]any{"count": n, "cutoff": cutoff},
		}, nil
	}
	n, err := d.Repo.MarkIngestionPosted(ctx, tx, task.TenantID, cutoff)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Summary: fmt.Sprintf("posted %d ingestion items", n),
		Details: map[string]any{"count": n, "cutoff": cutoff},
	}, nil
}

// submitFiling marks the referenced filing submitted when its readiness
// clears the configured floor.
func submitFiling(ctx context.Context, d Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (Result, error) {
	id, _ := input["filing_id"].(string)
	if id == "" {
		id = refField(task.Description, "filing_id")
	}
	if id == "" {
		return Result{}, errors.New("filing_id required")
	}
	filing, err := d.Repo.GetFiling(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("filing %s: %w", id, err)
	}
	if filing.TenantID != task.TenantID {
		return Result{}, fmt.Errorf("filing %s not found for tenant", id)
	}
	if filing.Status == "submitted" {
		return Result{Summary: fmt.Sprintf("filing %s already submitted", filing.Name)}, nil
	}
	if filing.Readiness < d.Cfg.Detectors.ReadinessFloor {
		return Result{}, fmt.Errorf("filing %s readiness %.2f below floor %.2f", filing.Name, filing.Readiness, d.Cfg.Detectors.ReadinessFloor)
	}
	if simulate {
		return Result{
			Summary: fmt.Sprintf("would submit filing %s (readiness %.2f)", filing.Name, filing.Readiness),
			Details: map[string]any{"filing_id": filing.ID, "readiness": filing.Readiness},
		}, nil
	}
	if err := d.Repo.UpdateFilingStatus(ctx, tx, filing.ID, "submitted"); err != nil {
		return Result{}, err
	}
	return Result{
		Summary: fmt.Sprintf("submitted filing %s", filing.Name),
		Details: map[string]any{"filing_id": filing.ID, "readiness": filing.Readiness},
	}, nil
}

// recordJournalEntry validates a balanced entry from the call input. The
// ledger itself lives upstream; this records the adjustment decision.
func recordJournalEntry(ctx context.Context, d Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (Result, error) {
	debit, dok := toFloat(input["debit"])
	credit, cok := toFloat(input["credit"])
	if !dok || !cok {
		return Result{}, errors.New("debit and credit amounts required")
	}
	if debit != credit {
		return Result{}, fmt.Errorf("unbalanced entry: debit %.2f != credit %.2f", debit, credit)
	}
	memo, _ := input["memo"].(string)
	verb := "recorded"
	if simulate {
		verb = "would record"
	}
	return Result{
		Summary: fmt.Sprintf("%s journal entry of %.2f", verb, debit),
		Details: map[string]any{"debit": debit, "credit": credit, "memo": memo},
	}, nil
}

// recordReview resolves the linked anomaly, if any, and records the
// reviewer's disposition.
func recordReview(ctx context.Context, d Deps, tx *sql.Tx, task domain.Task, input map[string]any, simulate bool) (Result, error) {
	disposition, _ := input["disposition"].(string)
	if disposition == "" {
		disposition = "reviewed"
	}
	anomalyID, _ := input["anomaly_id"].(string)
	if anomalyID == "" {
		anomalyID = refField(task.Description, "anomaly_id")
	}
	if anomalyID == "" {
		verb := "recorded"
		if simulate {
			verb = "would record"
		}
		return Result{
			Summary: fmt.Sprintf("%s review: %s", verb, disposition),
			Details: map[string]any{"disposition": disposition},
		}, nil
	}
	if simulate {
		return Result{
			Summary: fmt.Sprintf("would mark anomaly %s %s", anomalyID, disposition),
			Details: map[string]any{"anomaly_id": anomalyID, "disposition": disposition},
		}, nil
	}
	if err := d.Repo.UpdateAnomalyStatus(ctx, tx, anomalyID, disposition); err != nil {
		return Result{}, err
	}
	return Result{
		Summary: fmt.Sprintf("marked anomaly %s %s", anomalyID, disposition),
		Details: map[string]any{"anomaly_id": anomalyID, "disposition": disposition},
	}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// refField digs a string field out of the reference JSON the task
// creators append to the description ("ref: {...}" or "signal: {...}").
func refField(description, field string) string {
	for _, line := range strings.Split(description, "\n") {
		var raw string
		switch {
		case strings.HasPrefix(line, "ref: "):
			raw = strings.TrimPrefix(line, "ref: ")
		case strings.HasPrefix(line, "signal: "):
			raw = strings.TrimPrefix(line, "signal: ")
		default:
			continue
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			continue
		}
		if v, ok := data[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

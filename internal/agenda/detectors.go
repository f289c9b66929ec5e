package agenda

import (
	"context"
	"fmt"
	"time"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/repo"
)

// Deps is the read surface detectors scan.
type Deps struct {
	Repo repo.Repo
	Cfg  config.Config
	Now  time.Time
}

// Detector inspects one corner of the ledger and emits the signals that
// deserve a task today.
type Detector struct {
	Name string
	Scan func(ctx context.Context, d Deps, tenantID string) ([]domain.Signal, error)
}

// DefaultDetectors returns the built-in scan set, in synthesis order.
func DefaultDetectors() []Detector {
	return []Detector{
		{Name: "stale_ingestion", Scan: detectStaleIngestion},
		{Name: "filing_deadlines", Scan: detectFilingDeadlines},
		{Name: "reconciliation_backlog", Scan: detectReconciliationBacklog},
		{Name: "open_anomalies", Scan: detectOpenAnomalies},
	}
}

// detectStaleIngestion flags received items stuck beyond the configured
// age. Backlogs past the high watermark escalate to high priority.
func detectStaleIngestion(ctx context.Context, d Deps, tenantID string) ([]domain.Signal, error) {
	cutoff := d.Now.Add(-time.Duration(d.Cfg.Detectors.StaleIngestionHours * float64(time.Hour))).Format(time.RFC3339)
	n, err := d.Repo.CountStaleIngestion(ctx, tenantID, cutoff)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	priority := "medium"
	if n > d.Cfg.Detectors.BacklogHighWatermark {
		priority = "high"
	}
	return []domain.Signal{{
		Type:     "ingestion",
		Source:   "ingestion_monitor",
		Priority: priority,
		Data:     map[string]any{"count": n, "cutoff": cutoff},
	}}, nil
}

// detectFilingDeadlines flags filings inside the window whose readiness
// is below the floor, one signal per filing. Past-due filings are urgent.
func detectFilingDeadlines(ctx context.Context, d Deps, tenantID string) ([]domain.Signal, error) {
	horizon := d.Now.AddDate(0, 0, d.Cfg.Detectors.FilingWindowDays).Format("2006-01-02")
	today := d.Now.Format("2006-01-02")
	filings, err := d.Repo.ListUpcomingFilings(ctx, tenantID, horizon, d.Cfg.Detectors.ReadinessFloor)
	if err != nil {
		return nil, err
	}
	var signals []domain.Signal
	for _, f := range filings {
		priority := "high"
		if f.DueDate < today {
			priority = "urgent"
		}
		signals = append(signals, domain.Signal{
			Type:     "deadline",
			Source:   "filing:" + f.ID,
			Priority: priority,
			Data: map[string]any{
				"filing_id": f.ID,
				"name":      f.Name,
				"due_date":  f.DueDate,
				"readiness": f.Readiness,
			},
		})
	}
	return signals, nil
}

// detectReconciliationBacklog flags unreconciled transactions older than
// the configured age once they cross the minimum count.
func detectReconciliationBacklog(ctx context.Context, d Deps, tenantID string) ([]domain.Signal, error) {
	cutoff := d.Now.AddDate(0, 0, -d.Cfg.Detectors.ReconciliationAgeDays).Format(time.RFC3339)
	n, err := d.Repo.CountUnreconciledBefore(ctx, tenantID, cutoff)
	if err != nil {
		return nil, err
	}
	if n < d.Cfg.Detectors.ReconciliationMin {
		return nil, nil
	}
	priority := "medium"
	if n > d.Cfg.Detectors.BacklogHighWatermark {
		priority = "high"
	}
	return []domain.Signal{{
		Type:     "reconciliation",
		Source:   "ledger",
		Priority: priority,
		Data:     map[string]any{"count": n, "cutoff": cutoff},
	}}, nil
}

// detectOpenAnomalies flags open anomalies once they cross the minimum
// count, one signal per anomaly, priority from its severity.
func detectOpenAnomalies(ctx context.Context, d Deps, tenantID string) ([]domain.Signal, error) {
	anomalies, err := d.Repo.ListOpenAnomalies(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(anomalies) < d.Cfg.Detectors.AnomalyMin {
		return nil, nil
	}
	var signals []domain.Signal
	for _, a := range anomalies {
		signals = append(signals, domain.Signal{
			Type:     "anomaly",
			Source:   "anomaly:" + a.ID,
			Priority: severityPriority(a.Severity),
			Data: map[string]any{
				"anomaly_id":  a.ID,
				"kind":        a.Kind,
				"severity":    a.Severity,
				"detected_at": a.DetectedAt,
			},
		})
	}
	return signals, nil
}

func severityPriority(severity string) string {
	switch severity {
	case "critical":
		return "urgent"
	case "high":
		return "high"
	case "low":
		return "low"
	default:
		return "medium"
	}
}

func signalTitle(sig domain.Signal) string {
	switch sig.Type {
	case "ingestion":
		return fmt.Sprintf("Clear ingestion backlog (%v stale items)", sig.Data["count"])
	case "deadline":
		return fmt.Sprintf("Prepare filing %v (due %v)", sig.Data["name"], sig.Data["due_date"])
	case "reconciliation":
		return fmt.Sprintf("Reconcile %v aged transactions", sig.Data["count"])
	case "anomaly":
		return fmt.Sprintf("Review %v anomaly", sig.Data["kind"])
	}
	return "Review " + sig.Type + " signal"
}

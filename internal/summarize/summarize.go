package summarize

import (
	"context"
	"fmt"

	"opsline/internal/domain"
)

// Templated produces deterministic annotations without any model call.
// It is the fallback when no model endpoint is configured and the only
// annotator used in tests.
type Templated struct{}

func (Templated) Annotate(ctx context.Context, task domain.Task, sig domain.Signal) (string, string, error) {
	var summary, rec string
	switch sig.Type {
	case "ingestion":
		summary = fmt.Sprintf("%v ingestion items have sat unposted past the staleness window.", sig.Data["count"])
		rec = "Run the posting handler to clear the backlog, then check the upstream feed."
	case "deadline":
		summary = fmt.Sprintf("Filing %v is due %v at %.0f%% readiness.", sig.Data["name"], sig.Data["due_date"], asFloat(sig.Data["readiness"])*100)
		rec = "Close the open readiness items, then submit the filing."
	case "reconciliation":
		summary = fmt.Sprintf("%v transactions remain unreconciled past the age limit.", sig.Data["count"])
		rec = "Run the reconciliation handler over the aged batch."
	case "anomaly":
		summary = fmt.Sprintf("Open %v anomaly (severity %v) detected %v.", sig.Data["kind"], sig.Data["severity"], sig.Data["detected_at"])
		rec = "Review the anomaly and record a disposition."
	default:
		summary = fmt.Sprintf("Signal from %s needs attention.", sig.Source)
		rec = "Review the task details."
	}
	return summary, rec, nil
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

package domain

type Tenant struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PrimaryContact string `json:"primary_contact,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID                string   `json:"id"`
	TenantID          string   `json:"tenant_id"`
	Type              string   `json:"type" enum:"ingestion,deadline,reconciliation,anomaly,posting,filing,journal_entry,review"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Priority          string   `json:"priority" enum:"low,medium,high,urgent"`
	Status            string   `json:"status" enum:"pending,in_progress,completed,failed,cancelled"`
	Severity          string   `json:"severity,omitempty"`
	DueAt             string   `json:"due_at" format:"date-time"`
	SLAHours          float64  `json:"sla_hours"`
	AssigneeID        *string  `json:"assignee_id,omitempty"`
	AssignmentMethod  *string  `json:"assignment_method,omitempty" enum:"auto,round_robin,skill_based,ai_suggestion,manual"`
	AutoAssigned      bool     `json:"auto_assigned"`
	ExecutionMethod   *string  `json:"execution_method,omitempty" enum:"autonomous,assisted,manual"`
	ResultJSON        *string  `json:"result_json,omitempty"`
	ErrorMessage      *string  `json:"error_message,omitempty"`
	AISummary         string   `json:"ai_summary,omitempty"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	StartedAt         *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt       *string  `json:"completed_at,omitempty" format:"date-time"`
}

type AgendaCounters struct {
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	InProgress int            `json:"in_progress"`
	Completed  int            `json:"completed"`
	Overdue    int            `json:"overdue"`
	ByPriority map[string]int `json:"by_priority,omitempty"`
	BySLA      map[string]int `json:"by_sla,omitempty"`
}

// Agenda references its tasks by id; counters are derived from the task rows.
type Agenda struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Date      string         `json:"date"`
	TaskIDs   []string       `json:"task_ids"`
	Counters  AgendaCounters `json:"counters"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type SLATracking struct {
	TaskID      string   `json:"task_id"`
	TenantID    string   `json:"tenant_id"`
	StartedAt   string   `json:"started_at" format:"date-time"`
	DueAt       string   `json:"due_at" format:"date-time"`
	SLAHours    float64  `json:"sla_hours"`
	Status      string   `json:"status" enum:"on_track,at_risk,breached"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
	ActualHours *float64 `json:"actual_hours,omitempty"`
}

type Policy struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	Scope          string   `json:"scope" enum:"tenant,role,user,playbook"`
	ScopeRef       *string  `json:"scope_ref,omitempty"`
	ActionType     string   `json:"action_type"`
	ConditionsJSON *string  `json:"conditions_json,omitempty"`
	Action         string   `json:"action" enum:"auto,require_review,block"`
	RiskThreshold  *float64 `json:"risk_threshold,omitempty"`
	Priority       int      `json:"priority"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

type Playbook struct {
	ID                   string  `json:"id"`
	TenantID             string  `json:"tenant_id"`
	Template             string  `json:"template"`
	Name                 string  `json:"name"`
	Status               string  `json:"status" enum:"draft,active,paused"`
	ConfigJSON           *string `json:"config_json,omitempty"`
	CadenceMinutes       int     `json:"cadence_minutes"`
	ConfirmationRequired bool    `json:"confirmation_required"`
	LastRunAt            *string `json:"last_run_at,omitempty" format:"date-time"`
	LastRunStatus        *string `json:"last_run_status,omitempty"`
	LastRunSummary       *string `json:"last_run_summary,omitempty"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

type PlaybookRun struct {
	ID          string  `json:"id"`
	PlaybookID  string  `json:"playbook_id"`
	TenantID    string  `json:"tenant_id"`
	Status      string  `json:"status" enum:"success,failed,skipped,awaiting_approval"`
	TriggeredBy string  `json:"triggered_by"`
	ContextJSON *string `json:"context_json,omitempty"`
	ActionsJSON *string `json:"actions_json,omitempty"`
	Message     string  `json:"message,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	FinishedAt  *string `json:"finished_at,omitempty" format:"date-time"`
	ConfirmedBy *string `json:"confirmed_by,omitempty"`
	ConfirmedAt *string `json:"confirmed_at,omitempty" format:"date-time"`
}

type Worker struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	Name           string   `json:"name"`
	Email          string   `json:"email,omitempty"`
	Role           string   `json:"role,omitempty"`
	Skills         []string `json:"skills,omitempty"`
	MaxActiveTasks int      `json:"max_active_tasks"`
	CompletedTasks int      `json:"completed_tasks"`
	SLAAdherence   float64  `json:"sla_adherence"`
	LastAssignedAt *string  `json:"last_assigned_at,omitempty" format:"date-time"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

// Signal is a detected business condition that seeds exactly one task.
type Signal struct {
	Type     string         `json:"type"`
	Source   string         `json:"source"`
	Priority string         `json:"priority" enum:"low,medium,high,urgent"`
	Data     map[string]any `json:"data,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Source records polled by the agenda detectors and mutated by execution
// handlers. They model the upstream ledger surface this service observes.

type IngestionItem struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Source     string `json:"source,omitempty"`
	Status     string `json:"status" enum:"received,posted,rejected"`
	ReceivedAt string `json:"received_at" format:"date-time"`
}

type Filing struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	Name      string  `json:"name"`
	DueDate   string  `json:"due_date"`
	Readiness float64 `json:"readiness"`
	Status    string  `json:"status" enum:"upcoming,submitted,overdue"`
}

type Transaction struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	Amount     float64 `json:"amount"`
	Memo       string  `json:"memo,omitempty"`
	Status     string  `json:"status" enum:"unreconciled,reconciled"`
	OccurredAt string  `json:"occurred_at" format:"date-time"`
}

type Anomaly struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Kind       string `json:"kind"`
	Severity   string `json:"severity"`
	Status     string `json:"status" enum:"open,reviewed,resolved"`
	DetectedAt string `json:"detected_at" format:"date-time"`
}

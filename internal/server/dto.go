package server

import (
	"opsline/internal/domain"
	"opsline/internal/playbook"
	"opsline/internal/policy"
)

// Request and response bodies shared by the handlers. Domain structs are
// returned directly; only inputs get dedicated shapes.

type createTenantBody struct {
	ID             string `json:"id" minLength:"1"`
	Name           string `json:"name,omitempty"`
	PrimaryContact string `json:"primary_contact,omitempty"`
}

type synthesizeAgendaBody struct {
	Date string `json:"date,omitempty" doc:"Agenda date (YYYY-MM-DD); defaults to today"`
}

type agendaResponse struct {
	Agenda domain.Agenda `json:"agenda"`
	Tasks  []domain.Task `json:"tasks"`
}

type assignTaskBody struct {
	Method string `json:"method" enum:"auto,round_robin,skill_based,ai_suggestion,manual"`
	UserID string `json:"user_id,omitempty" doc:"Required for manual assignment"`
}

type assignTaskResponse struct {
	TaskID     string  `json:"task_id"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	Method     string  `json:"method"`
	Assigned   bool    `json:"assigned"`
}

type executeTaskBody struct {
	Method   string         `json:"method,omitempty" enum:"autonomous,assisted,manual" default:"manual"`
	Simulate bool           `json:"simulate,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

type rollbackTaskBody struct {
	Reason string `json:"reason,omitempty"`
}

type createWorkerBody struct {
	Name           string   `json:"name" minLength:"1"`
	Email          string   `json:"email,omitempty"`
	Role           string   `json:"role,omitempty"`
	Skills         []string `json:"skills,omitempty"`
	MaxActiveTasks int      `json:"max_active_tasks,omitempty" default:"10"`
	SLAAdherence   float64  `json:"sla_adherence,omitempty"`
}

type createPolicyBody struct {
	Scope         string             `json:"scope" enum:"tenant,role,user,playbook"`
	ScopeRef      string             `json:"scope_ref,omitempty"`
	ActionType    string             `json:"action_type" minLength:"1"`
	Conditions    []policy.Condition `json:"conditions,omitempty"`
	Action        string             `json:"action" enum:"auto,require_review,block"`
	RiskThreshold *float64           `json:"risk_threshold,omitempty"`
	Priority      int                `json:"priority,omitempty"`
}

type evaluatePolicyBody struct {
	ActionType string         `json:"action_type" minLength:"1"`
	Context    map[string]any `json:"context,omitempty"`
}

type createPlaybookBody struct {
	Template             string              `json:"template" minLength:"1"`
	Name                 string              `json:"name,omitempty"`
	Draft                bool                `json:"draft,omitempty" doc:"Create without enabling cadence runs"`
	CadenceMinutes       *int                `json:"cadence_minutes,omitempty"`
	ConfirmationRequired *bool               `json:"confirmation_required,omitempty"`
	Config               *playbook.RunConfig `json:"config,omitempty"`
}

type runPlaybookBody struct {
	Force bool `json:"force,omitempty" doc:"Skip the confirmation gate"`
}

type playbookStatusBody struct {
	Status string `json:"status" enum:"draft,active,paused"`
}

type templateInfo struct {
	Key                  string             `json:"key"`
	Name                 string             `json:"name"`
	Description          string             `json:"description"`
	DefaultCadence       int                `json:"default_cadence_minutes"`
	ConfirmationRequired bool               `json:"confirmation_required"`
	Defaults             playbook.RunConfig `json:"defaults"`
}

type createAPIKeyBody struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Name    string `json:"name,omitempty"`
}

type createAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key" doc:"Plaintext key, shown once"`
}

type devLoginBody struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Role    string `json:"role,omitempty"`
}

type slaStatsResponse struct {
	TenantID string         `json:"tenant_id"`
	Counts   map[string]int `json:"counts"`
}

type suggestionsResponse struct {
	TaskID      string           `json:"task_id"`
	Suggestions []suggestionView `json:"suggestions"`
}

type suggestionView struct {
	WorkerID   string   `json:"worker_id"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

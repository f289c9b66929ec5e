package opslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Opsline HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	Type       string  `json:"type"`
	Title      string  `json:"title"`
	Priority   string  `json:"priority"`
	Status     string  `json:"status"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	DueAt      string  `json:"due_at"`
}

// Agenda represents a synthesized daily agenda.
type Agenda struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Date     string         `json:"date"`
	Counters map[string]any `json:"counters"`
}

// AgendaWithTasks is the synthesis response.
type AgendaWithTasks struct {
	Agenda Agenda `json:"agenda"`
	Tasks  []Task `json:"tasks"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// SLATracking represents the SLA record of a task.
type SLATracking struct {
	TaskID      string   `json:"task_id"`
	Status      string   `json:"status"`
	TargetHours float64  `json:"target_hours"`
	ActualHours *float64 `json:"actual_hours,omitempty"`
}

// PlaybookRun represents one execution of a playbook.
type PlaybookRun struct {
	ID         string `json:"id"`
	PlaybookID string `json:"playbook_id"`
	Status     string `json:"status"`
	Summary    string `json:"summary,omitempty"`
	StartedAt  string `json:"started_at"`
}

// ExecuteOutcome is the response of a task execution.
type ExecuteOutcome struct {
	Task      Task           `json:"task"`
	Result    map[string]any `json:"result,omitempty"`
	Simulated bool           `json:"simulated"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SynthesizeAgenda builds (or fetches) the agenda for a date. An empty
// date means today.
func (c *Client) SynthesizeAgenda(ctx context.Context, date string) (AgendaWithTasks, error) {
	body := map[string]any{}
	if date != "" {
		body["date"] = date
	}
	var resp AgendaWithTasks
	err := c.do(ctx, http.MethodPost, c.tenantPath("agenda/synthesize"), body, &resp)
	return resp, err
}

// Agenda fetches an existing agenda by date.
func (c *Client) Agenda(ctx context.Context, date string) (AgendaWithTasks, error) {
	var resp AgendaWithTasks
	endpoint := c.tenantPath(fmt.Sprintf("agenda/%s", url.PathEscape(date)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Tasks lists tasks, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := c.tenantPath("tasks")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AssignTask assigns a task using the given strategy.
func (c *Client) AssignTask(ctx context.Context, taskID, method, userID string) (Task, error) {
	body := map[string]any{"method": method}
	if userID != "" {
		body["user_id"] = userID
	}
	var resp struct {
		TaskID     string  `json:"task_id"`
		AssigneeID *string `json:"assignee_id"`
	}
	endpoint := fmt.Sprintf("v0/tasks/%s/assign", url.PathEscape(taskID))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return Task{}, err
	}
	return c.Task(ctx, taskID)
}

// Task fetches a task by id.
func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ExecuteTask runs a task. Set simulate to preview without writing.
func (c *Client) ExecuteTask(ctx context.Context, taskID, method string, simulate bool, input map[string]any) (ExecuteOutcome, error) {
	body := map[string]any{
		"method":   method,
		"simulate": simulate,
	}
	if input != nil {
		body["input"] = input
	}
	var resp ExecuteOutcome
	endpoint := fmt.Sprintf("v0/tasks/%s/execute", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RollbackTask cancels a non-terminal task.
func (c *Client) RollbackTask(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/rollback", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// TaskSLA fetches the SLA record of a task.
func (c *Client) TaskSLA(ctx context.Context, taskID string) (SLATracking, error) {
	var resp SLATracking
	endpoint := fmt.Sprintf("v0/tasks/%s/sla", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunPlaybook triggers a playbook run.
func (c *Client) RunPlaybook(ctx context.Context, playbookID string, force bool) (PlaybookRun, error) {
	var resp PlaybookRun
	endpoint := fmt.Sprintf("v0/playbooks/%s/run", url.PathEscape(playbookID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"force": force}, &resp)
	return resp, err
}

// ConfirmRun approves a run awaiting confirmation.
func (c *Client) ConfirmRun(ctx context.Context, runID string) (PlaybookRun, error) {
	var resp PlaybookRun
	endpoint := fmt.Sprintf("v0/playbook-runs/%s/confirm", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	return c.EventsBefore(ctx, limit, 0)
}

// EventsBefore pages through events older than cursor. Pass the lowest
// event id from the previous page; zero starts from the newest.
func (c *Client) EventsBefore(ctx context.Context, limit int, cursor int64) ([]Event, error) {
	endpoint := c.tenantPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%d", endpoint, sep, cursor)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.TenantID)
	return fmt.Sprintf("v0/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

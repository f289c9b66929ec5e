package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsline/internal/domain"
)

const taskColumns = `id,tenant_id,type,title,description,priority,status,severity,due_at,sla_hours,assignee_id,assignment_method,auto_assigned,execution_method,result_json,error_message,ai_summary,recommended_action,created_at,started_at,completed_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, severity, assignee, method, execMethod, result, errMsg, aiSummary, recommended, startedAt, completedAt sql.NullString
	var autoAssigned int
	err := scan(&t.ID, &t.TenantID, &t.Type, &t.Title, &description, &t.Priority, &t.Status, &severity,
		&t.DueAt, &t.SLAHours, &assignee, &method, &autoAssigned, &execMethod, &result, &errMsg,
		&aiSummary, &recommended, &t.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if severity.Valid {
		t.Severity = severity.String
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if method.Valid {
		t.AssignmentMethod = &method.String
	}
	t.AutoAssigned = autoAssigned != 0
	if execMethod.Valid {
		t.ExecutionMethod = &execMethod.String
	}
	if result.Valid {
		t.ResultJSON = &result.String
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	if aiSummary.Valid {
		t.AISummary = aiSummary.String
	}
	if recommended.Valid {
		t.RecommendedAction = recommended.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, t.Type, t.Title, nullable(t.Description), t.Priority, t.Status, nullable(t.Severity),
		t.DueAt, t.SLAHours, nullableStringPtr(t.AssigneeID), nullableStringPtr(t.AssignmentMethod), boolToInt(t.AutoAssigned),
		nullableStringPtr(t.ExecutionMethod), nullableStringPtr(t.ResultJSON), nullableStringPtr(t.ErrorMessage),
		nullable(t.AISummary), nullable(t.RecommendedAction), t.CreatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET type=?, title=?, description=?, priority=?, status=?, severity=?, assignee_id=?, assignment_method=?, auto_assigned=?, execution_method=?, result_json=?, error_message=?, started_at=?, completed_at=? WHERE id=?`,
		t.Type, t.Title, nullable(t.Description), t.Priority, t.Status, nullable(t.Severity),
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.AssignmentMethod), boolToInt(t.AutoAssigned),
		nullableStringPtr(t.ExecutionMethod), nullableStringPtr(t.ResultJSON), nullableStringPtr(t.ErrorMessage),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	TenantID        string
	Status          string
	Priority        string
	Type            string
	AssigneeID      string
	Unassigned      bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Unassigned {
		clauses = append(clauses, "assignee_id IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// BeginExecution moves a task from pending to in_progress with a
// compare-and-swap on the status column. It reports false when another
// caller won the transition, so execution stays at-most-once even across
// processes.
func (r Repo) BeginExecution(ctx context.Context, id, startedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status='in_progress', started_at=? WHERE id=? AND status='pending'`, startedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountActiveByAssignee returns, per worker, how many pending or
// in-progress tasks are currently assigned to them.
func (r Repo) CountActiveByAssignee(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT assignee_id, count(*) FROM tasks WHERE tenant_id=? AND assignee_id IS NOT NULL AND status IN ('pending','in_progress') GROUP BY assignee_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		res[id] = count
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE tenant_id=? GROUP BY status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

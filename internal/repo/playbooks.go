package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsline/internal/domain"
)

const playbookColumns = `id,tenant_id,template,name,status,config_json,cadence_minutes,confirmation_required,last_run_at,last_run_status,last_run_summary,created_at,updated_at`

func scanPlaybook(scan func(dest ...any) error) (domain.Playbook, error) {
	var p domain.Playbook
	var cfg, lastRunAt, lastRunStatus, lastRunSummary sql.NullString
	var confirmation int
	err := scan(&p.ID, &p.TenantID, &p.Template, &p.Name, &p.Status, &cfg, &p.CadenceMinutes, &confirmation,
		&lastRunAt, &lastRunStatus, &lastRunSummary, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if cfg.Valid {
		p.ConfigJSON = &cfg.String
	}
	p.ConfirmationRequired = confirmation != 0
	if lastRunAt.Valid {
		p.LastRunAt = &lastRunAt.String
	}
	if lastRunStatus.Valid {
		p.LastRunStatus = &lastRunStatus.String
	}
	if lastRunSummary.Valid {
		p.LastRunSummary = &lastRunSummary.String
	}
	return p, nil
}

func (r Repo) InsertPlaybook(ctx context.Context, p domain.Playbook) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO playbooks(`+playbookColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.Template, p.Name, p.Status, nullableStringPtr(p.ConfigJSON), p.CadenceMinutes,
		boolToInt(p.ConfirmationRequired), nullableStringPtr(p.LastRunAt), nullableStringPtr(p.LastRunStatus),
		nullableStringPtr(p.LastRunSummary), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdatePlaybook(ctx context.Context, p domain.Playbook) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE playbooks SET name=?, status=?, config_json=?, cadence_minutes=?, confirmation_required=?, updated_at=? WHERE id=?`,
		p.Name, p.Status, nullableStringPtr(p.ConfigJSON), p.CadenceMinutes, boolToInt(p.ConfirmationRequired), p.UpdatedAt, p.ID)
	return err
}

func (r Repo) SetPlaybookLastRun(ctx context.Context, tx *sql.Tx, id, at, status, summary string) error {
	_, err := tx.ExecContext(ctx, `UPDATE playbooks SET last_run_at=?, last_run_status=?, last_run_summary=?, updated_at=? WHERE id=?`,
		at, status, nullable(summary), at, id)
	return err
}

func (r Repo) GetPlaybook(ctx context.Context, id string) (domain.Playbook, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE id=?`, id)
	return scanPlaybook(row.Scan)
}

func (r Repo) ListPlaybooks(ctx context.Context, tenantID, status string) ([]domain.Playbook, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + playbookColumns + ` FROM playbooks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Playbook
	for rows.Next() {
		p, err := scanPlaybook(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListActivePlaybooks returns every active playbook across tenants for the
// cadence sweep.
func (r Repo) ListActivePlaybooks(ctx context.Context) ([]domain.Playbook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE status='active' ORDER BY tenant_id ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Playbook
	for rows.Next() {
		p, err := scanPlaybook(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const runColumns = `id,playbook_id,tenant_id,status,triggered_by,context_json,actions_json,message,started_at,finished_at,confirmed_by,confirmed_at`

func scanRun(scan func(dest ...any) error) (domain.PlaybookRun, error) {
	var run domain.PlaybookRun
	var contextJSON, actionsJSON, message, finishedAt, confirmedBy, confirmedAt sql.NullString
	err := scan(&run.ID, &run.PlaybookID, &run.TenantID, &run.Status, &run.TriggeredBy,
		&contextJSON, &actionsJSON, &message, &run.StartedAt, &finishedAt, &confirmedBy, &confirmedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if contextJSON.Valid {
		run.ContextJSON = &contextJSON.String
	}
	if actionsJSON.Valid {
		run.ActionsJSON = &actionsJSON.String
	}
	if message.Valid {
		run.Message = message.String
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	if confirmedBy.Valid {
		run.ConfirmedBy = &confirmedBy.String
	}
	if confirmedAt.Valid {
		run.ConfirmedAt = &confirmedAt.String
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.PlaybookRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO playbook_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.PlaybookID, run.TenantID, run.Status, run.TriggeredBy,
		nullableStringPtr(run.ContextJSON), nullableStringPtr(run.ActionsJSON), nullable(run.Message),
		run.StartedAt, nullableStringPtr(run.FinishedAt), nullableStringPtr(run.ConfirmedBy), nullableStringPtr(run.ConfirmedAt))
	return err
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.PlaybookRun) error {
	_, err := tx.ExecContext(ctx, `UPDATE playbook_runs SET status=?, actions_json=?, message=?, finished_at=?, confirmed_by=?, confirmed_at=? WHERE id=?`,
		run.Status, nullableStringPtr(run.ActionsJSON), nullable(run.Message),
		nullableStringPtr(run.FinishedAt), nullableStringPtr(run.ConfirmedBy), nullableStringPtr(run.ConfirmedAt), run.ID)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.PlaybookRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM playbook_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, playbookID string, limit int) ([]domain.PlaybookRun, error) {
	query := `SELECT ` + runColumns + ` FROM playbook_runs WHERE playbook_id=? ORDER BY started_at DESC, id DESC`
	args := []any{playbookID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlaybookRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

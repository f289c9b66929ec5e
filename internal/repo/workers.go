package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"opsline/internal/domain"
)

const workerColumns = `id,tenant_id,name,email,role,skills_json,max_active_tasks,completed_tasks,sla_adherence,last_assigned_at,created_at`

func scanWorker(scan func(dest ...any) error) (domain.Worker, error) {
	var w domain.Worker
	var email, role, skills, lastAssigned sql.NullString
	err := scan(&w.ID, &w.TenantID, &w.Name, &email, &role, &skills, &w.MaxActiveTasks, &w.CompletedTasks, &w.SLAAdherence, &lastAssigned, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if email.Valid {
		w.Email = email.String
	}
	if role.Valid {
		w.Role = role.String
	}
	if skills.Valid && skills.String != "" {
		_ = json.Unmarshal([]byte(skills.String), &w.Skills)
	}
	if lastAssigned.Valid {
		w.LastAssignedAt = &lastAssigned.String
	}
	return w, nil
}

func (r Repo) InsertWorker(ctx context.Context, w domain.Worker) error {
	var skills any
	if len(w.Skills) > 0 {
		b, err := json.Marshal(w.Skills)
		if err != nil {
			return err
		}
		skills = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workers(`+workerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.TenantID, w.Name, nullable(w.Email), nullable(w.Role), skills,
		w.MaxActiveTasks, w.CompletedTasks, w.SLAAdherence, nullableStringPtr(w.LastAssignedAt), w.CreatedAt)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

// ListWorkers returns a tenant's workers in stable creation order. The
// assignment strategies rely on this ordering for deterministic
// tie-breaking.
func (r Repo) ListWorkers(ctx context.Context, tenantID string) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE tenant_id=? ORDER BY created_at ASC, id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) SetWorkerLastAssigned(ctx context.Context, tx *sql.Tx, id, ts string) error {
	_, err := tx.ExecContext(ctx, `UPDATE workers SET last_assigned_at=? WHERE id=?`, ts, id)
	return err
}

func (r Repo) IncrementWorkerCompleted(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE workers SET completed_tasks=completed_tasks+1 WHERE id=?`, id)
	return err
}

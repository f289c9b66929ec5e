package repo

import (
	"context"
	"database/sql"

	"opsline/internal/domain"
)

const slaColumns = `task_id,tenant_id,started_at,due_at,sla_hours,status,completed_at,actual_hours`

func scanSLA(scan func(dest ...any) error) (domain.SLATracking, error) {
	var s domain.SLATracking
	var completedAt sql.NullString
	var actualHours sql.NullFloat64
	err := scan(&s.TaskID, &s.TenantID, &s.StartedAt, &s.DueAt, &s.SLAHours, &s.Status, &completedAt, &actualHours)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	if actualHours.Valid {
		s.ActualHours = &actualHours.Float64
	}
	return s, nil
}

func (r Repo) InsertSLA(ctx context.Context, tx *sql.Tx, s domain.SLATracking) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sla_tracking(`+slaColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.TaskID, s.TenantID, s.StartedAt, s.DueAt, s.SLAHours, s.Status, nullableStringPtr(s.CompletedAt), nullableFloatPtr(s.ActualHours))
	return err
}

func (r Repo) GetSLA(ctx context.Context, taskID string) (domain.SLATracking, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+slaColumns+` FROM sla_tracking WHERE task_id=?`, taskID)
	return scanSLA(row.Scan)
}

func (r Repo) UpdateSLAStatus(ctx context.Context, taskID, status string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sla_tracking SET status=? WHERE task_id=?`, status, taskID)
	return err
}

func (r Repo) MarkSLACompleted(ctx context.Context, tx *sql.Tx, taskID, completedAt string, actualHours float64) error {
	_, err := tx.ExecContext(ctx, `UPDATE sla_tracking SET completed_at=?, actual_hours=? WHERE task_id=?`, completedAt, actualHours, taskID)
	return err
}

// ListOpenSLA returns tracking records that are not yet completed.
func (r Repo) ListOpenSLA(ctx context.Context, tenantID string) ([]domain.SLATracking, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+slaColumns+` FROM sla_tracking WHERE tenant_id=? AND completed_at IS NULL ORDER BY due_at ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLATracking
	for rows.Next() {
		s, err := scanSLA(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountSLAByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM sla_tracking WHERE tenant_id=? GROUP BY status`, tenantID)
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

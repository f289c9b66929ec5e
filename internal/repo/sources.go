package repo

import (
	"context"
	"database/sql"

	"opsline/internal/domain"
)

// Queries over the observed ledger surface: ingestion backlog, filings,
// transactions and anomalies. The agenda detectors read these; execution
// handlers mutate them.

func (r Repo) InsertIngestionItem(ctx context.Context, it domain.IngestionItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO ingestion_items(id,tenant_id,source,status,received_at) VALUES (?,?,?,?,?)`,
		it.ID, it.TenantID, nullable(it.Source), it.Status, it.ReceivedAt)
	return err
}

// CountStaleIngestion counts received items older than the cutoff.
func (r Repo) CountStaleIngestion(ctx context.Context, tenantID, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM ingestion_items WHERE tenant_id=? AND status='received' AND received_at < ?`, tenantID, cutoff).Scan(&n)
	return n, err
}

func (r Repo) MarkIngestionPosted(ctx context.Context, tx *sql.Tx, tenantID, cutoff string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE ingestion_items SET status='posted' WHERE tenant_id=? AND status='received' AND received_at < ?`, tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) InsertFiling(ctx context.Context, f domain.Filing) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO filings(id,tenant_id,name,due_date,readiness,status) VALUES (?,?,?,?,?,?)`,
		f.ID, f.TenantID, f.Name, f.DueDate, f.Readiness, f.Status)
	return err
}

func (r Repo) GetFiling(ctx context.Context, id string) (domain.Filing, error) {
	var f domain.Filing
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,due_date,readiness,status FROM filings WHERE id=?`, id).
		Scan(&f.ID, &f.TenantID, &f.Name, &f.DueDate, &f.Readiness, &f.Status)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

// ListUpcomingFilings returns not-yet-submitted filings due on or before
// the horizon date with readiness at or below the floor.
func (r Repo) ListUpcomingFilings(ctx context.Context, tenantID, horizon string, readinessFloor float64) ([]domain.Filing, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,tenant_id,name,due_date,readiness,status FROM filings WHERE tenant_id=? AND status!='submitted' AND due_date<=? AND readiness<? ORDER BY due_date ASC, id ASC`,
		tenantID, horizon, readinessFloor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Filing
	for rows.Next() {
		var f domain.Filing
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Name, &f.DueDate, &f.Readiness, &f.Status); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) UpdateFilingStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE filings SET status=? WHERE id=?`, status, id)
	return err
}

func (r Repo) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO transactions(id,tenant_id,amount,memo,status,occurred_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.TenantID, t.Amount, nullable(t.Memo), t.Status, t.OccurredAt)
	return err
}

// ListUnreconciledBefore returns unreconciled transactions that occurred
// before the cutoff, oldest first.
func (r Repo) ListUnreconciledBefore(ctx context.Context, tenantID, cutoff string, limit int) ([]domain.Transaction, error) {
	query := `SELECT id,tenant_id,amount,COALESCE(memo,''),status,occurred_at FROM transactions WHERE tenant_id=? AND status='unreconciled' AND occurred_at<? ORDER BY occurred_at ASC, id ASC`
	args := []any{tenantID, cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Amount, &t.Memo, &t.Status, &t.OccurredAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountUnreconciledBefore(ctx context.Context, tenantID, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM transactions WHERE tenant_id=? AND status='unreconciled' AND occurred_at<?`, tenantID, cutoff).Scan(&n)
	return n, err
}

func (r Repo) MarkTransactionReconciled(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE transactions SET status='reconciled' WHERE id=?`, id)
	return err
}

func (r Repo) InsertAnomaly(ctx context.Context, a domain.Anomaly) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO anomalies(id,tenant_id,kind,severity,status,detected_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.Kind, a.Severity, a.Status, a.DetectedAt)
	return err
}

func (r Repo) ListOpenAnomalies(ctx context.Context, tenantID string) ([]domain.Anomaly, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,tenant_id,kind,severity,status,detected_at FROM anomalies WHERE tenant_id=? AND status='open' ORDER BY detected_at ASC, id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Anomaly
	for rows.Next() {
		var a domain.Anomaly
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Kind, &a.Severity, &a.Status, &a.DetectedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAnomalyStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE anomalies SET status=? WHERE id=?`, status, id)
	return err
}

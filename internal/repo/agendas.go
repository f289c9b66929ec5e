package repo

import (
	"context"
	"database/sql"

	"opsline/internal/domain"
)

func (r Repo) InsertAgenda(ctx context.Context, tx *sql.Tx, a domain.Agenda) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO agendas(id,tenant_id,date,created_at) VALUES (?,?,?,?)`,
		a.ID, a.TenantID, a.Date, a.CreatedAt); err != nil {
		return err
	}
	for _, taskID := range a.TaskIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO agenda_tasks(agenda_id,task_id) VALUES (?,?)`, a.ID, taskID); err != nil {
			return err
		}
	}
	return nil
}

// GetAgendaByDate returns the agenda for a (tenant, date) key with its task
// ids loaded. Counters are derived by the caller from the task rows.
func (r Repo) GetAgendaByDate(ctx context.Context, tenantID, date string) (domain.Agenda, error) {
	var a domain.Agenda
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,date,created_at FROM agendas WHERE tenant_id=? AND date=?`, tenantID, date).
		Scan(&a.ID, &a.TenantID, &a.Date, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.TaskIDs, err = r.ListAgendaTaskIDs(ctx, a.ID)
	return a, err
}

func (r Repo) ListAgendaTaskIDs(ctx context.Context, agendaID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id FROM agenda_tasks WHERE agenda_id=? ORDER BY task_id`, agendaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) ListAgendaTasks(ctx context.Context, agendaID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (SELECT task_id FROM agenda_tasks WHERE agenda_id=?) ORDER BY created_at ASC, id ASC`, agendaID)
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

package repo

import (
	"context"
	"database/sql"

	"opsline/internal/domain"
)

const policyColumns = `id,tenant_id,scope,scope_ref,action_type,conditions_json,action,risk_threshold,priority,created_at`

func scanPolicy(scan func(dest ...any) error) (domain.Policy, error) {
	var p domain.Policy
	var scopeRef, conditions sql.NullString
	var riskThreshold sql.NullFloat64
	err := scan(&p.ID, &p.TenantID, &p.Scope, &scopeRef, &p.ActionType, &conditions, &p.Action, &riskThreshold, &p.Priority, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if scopeRef.Valid {
		p.ScopeRef = &scopeRef.String
	}
	if conditions.Valid {
		p.ConditionsJSON = &conditions.String
	}
	if riskThreshold.Valid {
		p.RiskThreshold = &riskThreshold.Float64
	}
	return p, nil
}

func (r Repo) InsertPolicy(ctx context.Context, p domain.Policy) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policies(`+policyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.Scope, nullableStringPtr(p.ScopeRef), p.ActionType, nullableStringPtr(p.ConditionsJSON),
		p.Action, nullableFloatPtr(p.RiskThreshold), p.Priority, p.CreatedAt)
	return err
}

func (r Repo) GetPolicy(ctx context.Context, id string) (domain.Policy, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=?`, id)
	return scanPolicy(row.Scan)
}

// ListPoliciesForAction returns a tenant's policies for one action type,
// highest priority first. Row id breaks priority ties so the order is
// stable regardless of insertion order.
func (r Repo) ListPoliciesForAction(ctx context.Context, tenantID, actionType string) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE tenant_id=? AND action_type=? ORDER BY priority DESC, id ASC`, tenantID, actionType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListPolicies(ctx context.Context, tenantID string) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE tenant_id=? ORDER BY action_type ASC, priority DESC, id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

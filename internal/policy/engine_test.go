package policy_test

import (
	"context"
	"testing"
	"time"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/migrate"
	"opsline/internal/policy"
	"opsline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertTenant(context.Background(), domain.Tenant{
		ID: "acme", Name: "acme", Status: "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	return r
}

func strptr(s string) *string { return &s }

func insertPolicy(t *testing.T, r repo.Repo, p domain.Policy) {
	t.Helper()
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if p.TenantID == "" {
		p.TenantID = "acme"
	}
	if p.Scope == "" {
		p.Scope = "tenant"
	}
	if err := r.InsertPolicy(context.Background(), p); err != nil {
		t.Fatalf("insert policy %s: %v", p.ID, err)
	}
}

func TestEvaluateDefaultsToReview(t *testing.T) {
	r := newTestRepo(t)
	eng := policy.Engine{Repo: r}
	d, err := eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "op"}, "journal_entry", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != policy.ActionRequireReview {
		t.Fatalf("expected require_review default, got %s", d.Action)
	}
	if d.RiskScore != 0.5 {
		t.Fatalf("expected default risk 0.5, got %v", d.RiskScore)
	}
	if len(d.MatchedPolicies) != 0 {
		t.Fatalf("expected no matched policies")
	}
}

func TestEvaluateHighestPriorityWins(t *testing.T) {
	r := newTestRepo(t)
	insertPolicy(t, r, domain.Policy{ID: "p-low", ActionType: "posting", Action: "block", Priority: 5})
	insertPolicy(t, r, domain.Policy{ID: "p-high", ActionType: "posting", Action: "auto", Priority: 10})
	eng := policy.Engine{Repo: r}

	d, err := eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "op"}, "posting", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != policy.ActionAuto {
		t.Fatalf("expected auto from priority 10 policy, got %s", d.Action)
	}
	if len(d.MatchedPolicies) != 1 || d.MatchedPolicies[0].ID != "p-high" {
		t.Fatalf("expected p-high to match, got %+v", d.MatchedPolicies)
	}
}

func TestEvaluateConditions(t *testing.T) {
	r := newTestRepo(t)
	insertPolicy(t, r, domain.Policy{
		ID: "p-big", ActionType: "journal_entry", Action: "block", Priority: 10,
		ConditionsJSON: strptr(`[{"field":"amount","op":"gt","value":1000}]`),
	})
	insertPolicy(t, r, domain.Policy{
		ID: "p-any", ActionType: "journal_entry", Action: "auto", Priority: 1,
	})
	eng := policy.Engine{Repo: r}

	d, err := eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "op"}, "journal_entry", map[string]any{"amount": 5000.0})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != policy.ActionBlock {
		t.Fatalf("expected block above threshold, got %s", d.Action)
	}

	d, err = eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "op"}, "journal_entry", map[string]any{"amount": 100.0})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != policy.ActionAuto {
		t.Fatalf("expected fallthrough to auto below threshold, got %s", d.Action)
	}

	// missing field means the condition (and policy) does not match
	d, err = eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "op"}, "journal_entry", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != policy.ActionAuto {
		t.Fatalf("expected auto when condition field absent, got %s", d.Action)
	}
}

func TestEvaluateRoleScope(t *testing.T) {
	r := newTestRepo(t)
	insertPolicy(t, r, domain.Policy{
		ID: "p-junior", Scope: "role", ScopeRef: strptr("junior"),
		ActionType: "filing", Action: "block", Priority: 10,
	})
	eng := policy.Engine{Repo: r}

	d, err := eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "a", Role: "junior"}, "filing", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != policy.ActionBlock {
		t.Fatalf("expected junior blocked, got %s", d.Action)
	}

	d, err = eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "b", Role: "senior"}, "filing", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != policy.ActionRequireReview {
		t.Fatalf("expected senior to fall through to default, got %s", d.Action)
	}
}

func TestEvaluateRiskClampedToThreshold(t *testing.T) {
	r := newTestRepo(t)
	threshold := 0.3
	insertPolicy(t, r, domain.Policy{
		ID: "p-risk", ActionType: "review", Action: "auto", Priority: 1,
		RiskThreshold: &threshold,
	})
	eng := policy.Engine{Repo: r}
	d, err := eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "op"}, "review", map[string]any{
		"amount": 50000.0, "confidence": 0.2,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.RiskScore != threshold {
		t.Fatalf("expected risk clamped to %v, got %v", threshold, d.RiskScore)
	}
}

func TestParseConditionsRejectsUnknownOperator(t *testing.T) {
	raw := `[{"field":"amount","op":"between","value":5}]`
	if _, err := policy.ParseConditions(&raw); err == nil {
		t.Fatalf("expected error for unknown operator")
	}
	if conds, err := policy.ParseConditions(nil); err != nil || conds != nil {
		t.Fatalf("nil document should parse to no conditions, got %v / %v", conds, err)
	}
}

func TestConditionInOperator(t *testing.T) {
	r := newTestRepo(t)
	insertPolicy(t, r, domain.Policy{
		ID: "p-in", ActionType: "anomaly", Action: "auto", Priority: 1,
		ConditionsJSON: strptr(`[{"field":"severity","op":"in","value":["low","medium"]}]`),
	})
	eng := policy.Engine{Repo: r}

	d, err := eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "op"}, "anomaly", map[string]any{"severity": "low"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != policy.ActionAuto {
		t.Fatalf("expected match for member value, got %s", d.Action)
	}

	d, err = eng.Evaluate(context.Background(), "acme", policy.Actor{ID: "op"}, "anomaly", map[string]any{"severity": "critical"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Action != policy.ActionRequireReview {
		t.Fatalf("expected default for non-member value, got %s", d.Action)
	}
}

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"opsline/internal/domain"
	"opsline/internal/repo"
)

// Action values returned by Evaluate.
const (
	ActionAuto          = "auto"
	ActionRequireReview = "require_review"
	ActionBlock         = "block"
)

// Op is the condition operator set.
type Op string

const (
	OpEq Op = "eq"
	OpGt Op = "gt"
	OpLt Op = "lt"
	OpIn Op = "in"
)

// Condition is one clause of a policy. All conditions on a policy are
// conjunctive.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Actor identifies who is attempting the action.
type Actor struct {
	ID   string
	Role string
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Action          string          `json:"action"`
	MatchedPolicies []domain.Policy `json:"matched_policies,omitempty"`
	RiskScore       float64         `json:"risk_score"`
	Reasoning       string          `json:"reasoning"`
}

// Engine decides whether an action runs unattended, needs review, or is
// blocked. Evaluation is read-only and safe to call concurrently for
// unrelated actions.
type Engine struct {
	Repo repo.Repo
}

// Evaluate returns the decision of the highest-priority matching policy
// whose conditions are satisfied by evalCtx. No match defaults to
// require_review with risk 0.5.
func (e Engine) Evaluate(ctx context.Context, tenantID string, actor Actor, actionType string, evalCtx map[string]any) (Decision, error) {
	policies, err := e.Repo.ListPoliciesForAction(ctx, tenantID, actionType)
	if err != nil {
		return Decision{}, fmt.Errorf("load policies: %w", err)
	}
	for _, p := range policies {
		if !scopeMatches(p, actor, evalCtx) {
			continue
		}
		conds, err := ParseConditions(p.ConditionsJSON)
		if err != nil {
			return Decision{}, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		if !conditionsSatisfied(conds, evalCtx) {
			continue
		}
		risk := riskScore(evalCtx)
		if p.RiskThreshold != nil && *p.RiskThreshold > 0 && risk > *p.RiskThreshold {
			risk = *p.RiskThreshold
		}
		return Decision{
			Action:          p.Action,
			MatchedPolicies: []domain.Policy{p},
			RiskScore:       risk,
			Reasoning:       fmt.Sprintf("policy %s (scope=%s, priority=%d) matched action %s", p.ID, p.Scope, p.Priority, actionType),
		}, nil
	}
	return Decision{
		Action:    ActionRequireReview,
		RiskScore: 0.5,
		Reasoning: fmt.Sprintf("no policy matched action %s; defaulting to review", actionType),
	}, nil
}

func scopeMatches(p domain.Policy, actor Actor, evalCtx map[string]any) bool {
	switch p.Scope {
	case "tenant":
		return true
	case "role":
		return p.ScopeRef != nil && *p.ScopeRef == actor.Role
	case "user":
		return p.ScopeRef != nil && *p.ScopeRef == actor.ID
	case "playbook":
		pb, _ := evalCtx["playbook"].(string)
		return p.ScopeRef != nil && *p.ScopeRef == pb
	}
	return false
}

// ParseConditions decodes a policy's condition list. A nil or empty
// document means the policy matches unconditionally.
func ParseConditions(raw *string) ([]Condition, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	var conds []Condition
	if err := json.Unmarshal([]byte(*raw), &conds); err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	for _, c := range conds {
		switch c.Op {
		case OpEq, OpGt, OpLt, OpIn:
		default:
			return nil, fmt.Errorf("invalid conditions: unknown operator %q", c.Op)
		}
	}
	return conds, nil
}

func conditionsSatisfied(conds []Condition, evalCtx map[string]any) bool {
	for _, c := range conds {
		val, ok := evalCtx[c.Field]
		if !ok {
			return false
		}
		if !c.holds(val) {
			return false
		}
	}
	return true
}

func (c Condition) holds(val any) bool {
	switch c.Op {
	case OpEq:
		if a, aok := toFloat(val); aok {
			if b, bok := toFloat(c.Value); bok {
				return a == b
			}
		}
		return fmt.Sprintf("%v", val) == fmt.Sprintf("%v", c.Value)
	case OpGt:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case OpLt:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case OpIn:
		set, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, member := range set {
			if fmt.Sprintf("%v", val) == fmt.Sprintf("%v", member) {
				return true
			}
		}
		return false
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// riskScore derives a heuristic risk from the evaluation context: larger
// monetary amounts and lower confidence raise it.
func riskScore(evalCtx map[string]any) float64 {
	risk := 0.1
	if amount, ok := toFloat(evalCtx["amount"]); ok {
		switch {
		case amount > 10000:
			risk += 0.4
		case amount > 1000:
			risk += 0.2
		}
	}
	if confidence, ok := toFloat(evalCtx["confidence"]); ok {
		switch {
		case confidence < 0.5:
			risk += 0.3
		case confidence < 0.8:
			risk += 0.15
		}
	}
	if risk > 1 {
		risk = 1
	}
	return risk
}

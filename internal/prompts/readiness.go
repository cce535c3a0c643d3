package prompts

import (
	"context"
	"strings"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultReadinessExpression holds when the ICP carries at least two
// classification signals among industries and roles.
const DefaultReadinessExpression = `len(org?.icp?.industries ?? []) + len(org?.icp?.roles ?? []) >= 2`

// SetupIncompleteMessage is logged when the readiness predicate fails.
const SetupIncompleteMessage = "Setup incomplete: add industries and roles in Settings."

// Readiness evaluates the setup precondition of a run against the org profile.
type Readiness struct {
	engine     *expressions.ExprEngine
	expression string
}

// NewReadiness compiles expression eagerly. An empty expression uses
// DefaultReadinessExpression.
func NewReadiness(expression string) (*Readiness, error) {
	if strings.TrimSpace(expression) == "" {
		expression = DefaultReadinessExpression
	}
	r := &Readiness{engine: expressions.NewExprEngine(), expression: expression}
	if _, err := r.Check(context.Background(), nil); err != nil && schema.HasCode(err, schema.ErrCodeValidation) {
		return nil, err
	}
	return r, nil
}

// Expression returns the predicate source.
func (r *Readiness) Expression() string { return r.expression }

// Check reports whether org satisfies the predicate.
func (r *Readiness) Check(ctx context.Context, org map[string]any) (bool, error) {
	if org == nil {
		org = map[string]any{}
	}
	return r.engine.EvaluateBool(ctx, r.expression, map[string]any{"org": org})
}

// ProfileReady reports whether a profile is complete enough to show as ready:
// a name, a product one-liner, and either value props or any ICP field.
func ProfileReady(org map[string]any) bool {
	if strings.TrimSpace(orgString(org, "name")) == "" {
		return false
	}
	if strings.TrimSpace(orgString(org, "product_one_liner")) == "" {
		return false
	}
	if nonEmpty(org["value_props"]) {
		return true
	}
	icp, _ := org["icp"].(map[string]any)
	for _, key := range []string{"industries", "roles", "regions", "tech_signals"} {
		if nonEmpty(icp[key]) {
			return true
		}
	}
	return false
}

func nonEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

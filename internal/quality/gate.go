// Package quality implements the gates that inspect step outputs and may end
// a run early with a designated terminal status.
package quality

import (
	"context"

	"github.com/rendis/agentflow/pkg/schema"
)

// Verdict is the outcome of applying a gate to one step output.
type Verdict struct {
	Passed bool
	// Status is the terminal run status to apply when Passed is false.
	Status         schema.RunStatus
	Reason         string
	Detail         string
	Recommendation string

	// Event is the assessment event to append whether or not the gate passed.
	Event schema.EventPayload
	// Output replaces the step's recorded text when non-empty (normalized form).
	Output string

	Score    *schema.QualityScore
	Decision *schema.QualificationDecision
}

// Finished builds the terminal event for a failed verdict.
func (v *Verdict) Finished() schema.FinishedPayload {
	return schema.FinishedPayload{
		Status:         v.Status,
		Reason:         v.Reason,
		Detail:         v.Detail,
		Recommendation: v.Recommendation,
	}
}

// Gate inspects the output of one step kind.
type Gate interface {
	Kind() schema.StepKind
	Evaluate(ctx context.Context, index int, output string) (*Verdict, error)
}

// Gates selects a gate by step kind.
type Gates struct {
	byKind map[schema.StepKind]Gate
}

// NewGates registers the given gates by kind. Later gates replace earlier ones
// of the same kind.
func NewGates(gates ...Gate) *Gates {
	g := &Gates{byKind: make(map[schema.StepKind]Gate, len(gates))}
	for _, gate := range gates {
		g.byKind[gate.Kind()] = gate
	}
	return g
}

// For returns the gate for kind, if any.
func (g *Gates) For(kind schema.StepKind) (Gate, bool) {
	if g == nil {
		return nil, false
	}
	gate, ok := g.byKind[kind]
	return gate, ok
}

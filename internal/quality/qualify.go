package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

const (
	// DefaultDisqualifyThreshold is the score under which a "no" decision ends the run.
	DefaultDisqualifyThreshold = 40
	// DefaultDisqualifyPolicy is the CEL predicate deciding disqualification.
	DefaultDisqualifyPolicy = `decision == "no" && score < threshold`

	lowCriteriaScoreCap   = 60
	lowEvidenceMarker     = "Low evidence count"
	invalidFormatReason   = "Invalid qualification format"
	disqualifyRecommended = "Does not match ICP - skip outreach"
)

// QualifyGate normalizes qualification output and disqualifies poor matches.
type QualifyGate struct {
	DisqualifyThreshold int
	Policy              string

	cel *expressions.CELEngine
}

// NewQualifyGate creates a gate. An empty policy selects DefaultDisqualifyPolicy
// and a non-positive threshold selects DefaultDisqualifyThreshold. The policy is
// compiled eagerly.
func NewQualifyGate(threshold int, policy string) (*QualifyGate, error) {
	if threshold <= 0 {
		threshold = DefaultDisqualifyThreshold
	}
	if policy == "" {
		policy = DefaultDisqualifyPolicy
	}
	engine, err := expressions.NewCELEngine("decision", "score", "threshold", "criteria_matched", "confidence")
	if err != nil {
		return nil, err
	}
	if err := engine.Compile(policy); err != nil {
		return nil, err
	}
	return &QualifyGate{DisqualifyThreshold: threshold, Policy: policy, cel: engine}, nil
}

// Kind implements Gate.
func (g *QualifyGate) Kind() schema.StepKind { return schema.StepKindQualify }

// Parse decodes a qualification output and applies the normalization rules.
// Output that holds no decodable JSON object becomes a score-0 "no" decision.
func (g *QualifyGate) Parse(text string) schema.QualificationDecision {
	d, ok := decodeDecision(text)
	if !ok {
		d = schema.QualificationDecision{
			Score:    0,
			Decision: schema.DecisionNo,
			Reasons:  []string{invalidFormatReason},
		}
	}
	if d.Reasons == nil {
		d.Reasons = []string{}
	}

	positives := d.MatchedCriteria()
	if positives < 2 {
		d.Score = min(d.Score, lowCriteriaScoreCap)
		if d.Score >= 50 {
			d.Decision = schema.DecisionMaybe
		} else {
			d.Decision = schema.DecisionNo
		}
		if !strings.Contains(strings.Join(d.Reasons, " "), lowEvidenceMarker) {
			d.Reasons = append(d.Reasons,
				fmt.Sprintf("Only %d ICP criterion clearly matched (need 2+)", positives))
		}
	}
	d.Confidence = qualificationConfidence(positives, d.Score)
	return d
}

func qualificationConfidence(positives, score int) string {
	switch {
	case positives >= 4 && score >= 80:
		return "high"
	case positives >= 3 && score >= 65:
		return "medium"
	case positives >= 2 && score >= 50:
		return "low"
	default:
		return "insufficient"
	}
}

// Evaluate implements Gate.
func (g *QualifyGate) Evaluate(ctx context.Context, index int, output string) (*Verdict, error) {
	d := g.Parse(output)

	normalized, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode qualification: %w", err)
	}

	v := &Verdict{
		Passed:   true,
		Decision: &d,
		Output:   string(normalized),
		Event: schema.QualifyAssessedPayload{
			Index:           index,
			Score:           d.Score,
			Decision:        d.Decision,
			Confidence:      d.Confidence,
			CriteriaMatched: d.MatchedCriteria(),
			TotalCriteria:   len(d.CriterionMatch),
		},
	}

	disqualify, err := g.cel.EvaluateBool(ctx, g.Policy, map[string]any{
		"decision":         d.Decision,
		"score":            int64(d.Score),
		"threshold":        int64(g.DisqualifyThreshold),
		"criteria_matched": int64(d.MatchedCriteria()),
		"confidence":       d.Confidence,
	})
	if err != nil {
		return nil, err
	}
	if !disqualify {
		return v, nil
	}

	reasons := d.Reasons
	if len(reasons) > 3 {
		reasons = reasons[:3]
	}
	v.Passed = false
	v.Status = schema.RunStatusDisqualified
	v.Reason = fmt.Sprintf("Lead disqualified (score: %d/100)", d.Score)
	v.Detail = strings.Join(reasons, " • ")
	v.Recommendation = disqualifyRecommended
	return v, nil
}

// rawDecision tolerates loosely typed model output.
type rawDecision struct {
	Score          any            `json:"score"`
	Decision       string         `json:"decision"`
	Reasons        []any          `json:"reasons"`
	CriterionMatch map[string]any `json:"criterion_match"`
}

func decodeDecision(text string) (schema.QualificationDecision, bool) {
	var raw rawDecision
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		obj, found := extractObject(text)
		if !found || json.Unmarshal([]byte(obj), &raw) != nil {
			return schema.QualificationDecision{}, false
		}
	}

	d := schema.QualificationDecision{
		Score:    max(0, min(toInt(raw.Score), 100)),
		Decision: strings.ToLower(strings.TrimSpace(raw.Decision)),
	}
	if d.Decision == "" {
		d.Decision = schema.DecisionNo
	}
	for _, r := range raw.Reasons {
		d.Reasons = append(d.Reasons, fmt.Sprint(r))
	}
	if len(raw.CriterionMatch) > 0 {
		d.CriterionMatch = make(map[string]bool, len(raw.CriterionMatch))
		for k, v := range raw.CriterionMatch {
			d.CriterionMatch[k] = truthy(v)
		}
	}
	return d, true
}

// extractObject returns the outermost {...} span, which covers fenced code
// blocks and JSON wrapped in prose.
func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(math.Round(n))
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return int(math.Round(f))
		}
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(b))
		return s != "" && s != "false" && s != "no" && s != "0"
	case nil:
		return false
	default:
		return true
	}
}

var _ Gate = (*QualifyGate)(nil)

package schema

// SourceCounts holds credible-source matches found in a research output.
type SourceCounts struct {
	Tier1         int `json:"tier1"`
	Tier2         int `json:"tier2"`
	Tier3         int `json:"tier3"`
	TotalCredible int `json:"total_credible"`
	TotalFound    int `json:"total_found"`
}

// QualityScore is the research gate's assessment of one step output.
type QualityScore struct {
	Sources    SourceCounts `json:"sources"`
	Confidence int          `json:"confidence"`
	Quality    string       `json:"quality"` // high | good | medium | insufficient
	Passed     bool         `json:"passed"`
}

// Qualification decisions.
const (
	DecisionYes   = "yes"
	DecisionNo    = "no"
	DecisionMaybe = "maybe"
)

// QualificationDecision is the parsed and normalized output of a qualify step.
type QualificationDecision struct {
	Score          int             `json:"score"`
	Decision       string          `json:"decision"`
	Reasons        []string        `json:"reasons"`
	CriterionMatch map[string]bool `json:"criterion_match,omitempty"`
	Confidence     string          `json:"confidence"` // high | medium | low | insufficient
}

// MatchedCriteria counts criteria reported as matched.
func (d *QualificationDecision) MatchedCriteria() int {
	n := 0
	for _, ok := range d.CriterionMatch {
		if ok {
			n++
		}
	}
	return n
}

package quality

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultResearchPassThreshold is the minimum confidence for a research output to pass.
const DefaultResearchPassThreshold = 55

const researchRecommendation = "Manual research recommended - try alternative sources or verify company name"

// ResearchGate scores research output by the credibility of the sources it cites.
type ResearchGate struct {
	PassThreshold int
}

// NewResearchGate creates a gate with the given pass threshold (0 means default).
func NewResearchGate(passThreshold int) *ResearchGate {
	if passThreshold <= 0 {
		passThreshold = DefaultResearchPassThreshold
	}
	return &ResearchGate{PassThreshold: passThreshold}
}

// Kind implements Gate.
func (g *ResearchGate) Kind() schema.StepKind { return schema.StepKindResearch }

// Score computes the credibility score of text.
func (g *ResearchGate) Score(text string) schema.QualityScore {
	lower := strings.ToLower(text)
	src := schema.SourceCounts{
		Tier1:      tier1Matcher.count(lower),
		Tier2:      tier2Matcher.count(lower),
		Tier3:      tier3Matcher.count(lower),
		TotalFound: len(urlPattern.FindAllString(text, -1)),
	}
	src.TotalCredible = src.Tier1 + src.Tier2 + src.Tier3

	confidence, label := confidenceFor(src)
	return schema.QualityScore{
		Sources:    src,
		Confidence: confidence,
		Quality:    label,
		Passed:     confidence >= g.PassThreshold,
	}
}

// confidenceFor applies the ordered rule table; the first matching rule wins.
func confidenceFor(s schema.SourceCounts) (int, string) {
	switch {
	case s.Tier1 >= 2:
		return 95, "high"
	case s.Tier1 >= 1 && s.Tier2 >= 1:
		return 90, "high"
	case s.Tier1 >= 1 && s.Tier3 >= 1:
		return 85, "high"
	case s.Tier1 >= 1:
		return 80, "good"
	case s.Tier2 >= 2:
		return 75, "good"
	case s.Tier2 >= 1 && s.Tier3 >= 1:
		return 70, "good"
	case s.Tier3 >= 2:
		return 65, "good"
	case s.TotalCredible >= 1:
		return 55, "medium"
	default:
		return 25, "insufficient"
	}
}

// Evaluate implements Gate.
func (g *ResearchGate) Evaluate(_ context.Context, index int, output string) (*Verdict, error) {
	score := g.Score(output)
	v := &Verdict{
		Passed: score.Passed,
		Score:  &score,
		Event: schema.ResearchQualityPayload{
			Index:      index,
			Confidence: score.Confidence,
			Quality:    score.Quality,
			Sources:    score.Sources,
		},
	}
	if score.Passed {
		return v, nil
	}

	var parts []string
	if score.Sources.TotalCredible == 0 {
		parts = append(parts, "No credible sources found")
	} else {
		parts = append(parts, fmt.Sprintf("Found %d credible source(s), need 2+ high-quality", score.Sources.TotalCredible))
	}
	if score.Sources.TotalFound > 0 {
		parts = append(parts, fmt.Sprintf("Checked %d URLs total", score.Sources.TotalFound))
	}

	v.Status = schema.RunStatusStoppedLowQuality
	v.Reason = fmt.Sprintf("Research confidence too low (%d%%)", score.Confidence)
	v.Detail = strings.Join(parts, " • ")
	v.Recommendation = researchRecommendation
	return v, nil
}

var _ Gate = (*ResearchGate)(nil)

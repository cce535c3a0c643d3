package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending           RunStatus = "pending"
	RunStatusRunning           RunStatus = "running"
	RunStatusSuccess           RunStatus = "success"
	RunStatusError             RunStatus = "error"
	RunStatusStoppedLowQuality RunStatus = "stopped_low_quality"
	RunStatusDisqualified      RunStatus = "disqualified"
	RunStatusRateLimited       RunStatus = "rate_limited"
)

// IsTerminal reports whether no further transition may leave s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusError, RunStatusStoppedLowQuality,
		RunStatusDisqualified, RunStatusRateLimited:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed status transitions.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusError},
	RunStatusRunning: {
		RunStatusSuccess, RunStatusError, RunStatusStoppedLowQuality,
		RunStatusDisqualified, RunStatusRateLimited,
	},
}

// TransitionSources returns every status that may transition to to, in a
// stable order.
func TransitionSources(to RunStatus) []RunStatus {
	var out []RunStatus
	for _, from := range []RunStatus{RunStatusPending, RunStatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to RunStatus) bool {
	for _, s := range ValidRunTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StepOutput is the recorded text output of one executed step.
type StepOutput struct {
	Index int      `json:"index"`
	Kind  StepKind `json:"kind"`
	Text  string   `json:"text"`
}

// RunOutput is the accumulated result document of a run.
type RunOutput struct {
	Steps         []StepOutput           `json:"steps"`
	StopReason    string                 `json:"stop_reason,omitempty"`
	QualityScore  *QualityScore          `json:"quality_score,omitempty"`
	Qualification *QualificationDecision `json:"qualification,omitempty"`
}

// Prompt is a composed description/expected-output pair for one step kind.
type Prompt struct {
	Description    string `json:"description"`
	ExpectedOutput string `json:"expected_output"`
}

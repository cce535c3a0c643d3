package schema

// Event kind constants for the run event log.
const (
	EventStarted = "started"

	EventStepStart  = "step:start"
	EventStepRetry  = "step:retry"
	EventStepOutput = "step:output"
	EventStepEnd    = "step:end"

	EventSourceFetching    = "source:fetching"
	EventSourceFetched     = "source:fetched"
	EventSourceFetchFailed = "source:fetch_failed"

	EventRateLimitHit    = "rate_limit_hit"
	EventResearchQuality = "research:quality"
	EventQualifyAssessed = "qualify:assessed"

	EventFinished = "finished"
	EventError    = "error"

	// EventTimeout is synthesized by tailing readers and never persisted.
	EventTimeout = "timeout"
)

// IsTerminalEvent reports whether kind ends a run's event stream.
func IsTerminalEvent(kind string) bool {
	return kind == EventFinished || kind == EventError
}

// EventPayload is implemented by every event variant. The variant's kind is
// the discriminator written into the event envelope.
type EventPayload interface {
	EventKind() string
}

// StartedPayload opens a run's event stream.
type StartedPayload struct {
	Workflow string `json:"workflow"`
}

// StepStartPayload is written before a step's executor is invoked.
type StepStartPayload struct {
	Index        int    `json:"index"`
	Agent        string `json:"agent"`
	Instructions string `json:"instructions"`
}

// StepRetryPayload is written each time a failed executor attempt is rescheduled.
type StepRetryPayload struct {
	Index      int    `json:"index"`
	Attempt    int    `json:"attempt"`
	MaxRetries int    `json:"max_retries"`
	DelayMs    int64  `json:"delay_ms"`
	Code       string `json:"code"`
	Error      string `json:"error"`
}

// StepOutputPayload carries a preview of a step's text. Full is set only
// for outreach steps.
type StepOutputPayload struct {
	Index   int    `json:"index"`
	Agent   string `json:"agent"`
	Preview string `json:"preview"`
	Full    string `json:"full,omitempty"`
}

// StepEndPayload closes a step.
type StepEndPayload struct {
	Index int `json:"index"`
}

// SourceFetchingPayload announces a primary-source pre-fetch.
type SourceFetchingPayload struct {
	Index  int    `json:"index"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// SourceFetchedPayload reports a completed pre-fetch.
type SourceFetchedPayload struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Length int    `json:"length"`
}

// SourceFetchFailedPayload reports an unusable pre-fetch.
type SourceFetchFailedPayload struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// RateLimitHitPayload is written when retries are exhausted on rate limiting.
type RateLimitHitPayload struct {
	Index          int    `json:"index"`
	Error          string `json:"error"`
	Recommendation string `json:"recommendation"`
}

// ResearchQualityPayload records the research gate assessment.
type ResearchQualityPayload struct {
	Index      int          `json:"index"`
	Confidence int          `json:"confidence"`
	Quality    string       `json:"quality"`
	Sources    SourceCounts `json:"sources"`
}

// QualifyAssessedPayload records the qualification gate assessment.
type QualifyAssessedPayload struct {
	Index           int    `json:"index"`
	Score           int    `json:"score"`
	Decision        string `json:"decision"`
	Confidence      string `json:"confidence"`
	CriteriaMatched int    `json:"criteria_matched"`
	TotalCriteria   int    `json:"total_criteria"`
}

// FinishedPayload ends a run that reached a designed outcome.
type FinishedPayload struct {
	Status         RunStatus `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
}

// ErrorPayload ends a run that failed.
type ErrorPayload struct {
	Message string    `json:"message"`
	Status  RunStatus `json:"status,omitempty"`
}

// TimeoutPayload is the synthetic event emitted when tailing hits its cap.
type TimeoutPayload struct {
	Message string `json:"message"`
}

func (StartedPayload) EventKind() string           { return EventStarted }
func (StepStartPayload) EventKind() string         { return EventStepStart }
func (StepRetryPayload) EventKind() string         { return EventStepRetry }
func (StepOutputPayload) EventKind() string        { return EventStepOutput }
func (StepEndPayload) EventKind() string           { return EventStepEnd }
func (SourceFetchingPayload) EventKind() string    { return EventSourceFetching }
func (SourceFetchedPayload) EventKind() string     { return EventSourceFetched }
func (SourceFetchFailedPayload) EventKind() string { return EventSourceFetchFailed }
func (RateLimitHitPayload) EventKind() string      { return EventRateLimitHit }
func (ResearchQualityPayload) EventKind() string   { return EventResearchQuality }
func (QualifyAssessedPayload) EventKind() string   { return EventQualifyAssessed }
func (FinishedPayload) EventKind() string          { return EventFinished }
func (ErrorPayload) EventKind() string             { return EventError }
func (TimeoutPayload) EventKind() string           { return EventTimeout }

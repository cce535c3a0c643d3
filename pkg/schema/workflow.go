package schema

// WorkflowDefinition is the JSON/YAML-serializable workflow format.
// A definition is immutable once a run referencing it has started.
type WorkflowDefinition struct {
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     *Trigger     `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Steps       []Step       `json:"steps" yaml:"steps"`
	InputSchema []InputField `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// Step describes a single stage of a workflow.
type Step struct {
	ID           string            `json:"id" yaml:"id"`
	Kind         StepKind          `json:"kind" yaml:"kind"`
	Instructions string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	InputMap     map[string]string `json:"input_map,omitempty" yaml:"input_map,omitempty"` // name -> jq expression
}

// StepKind selects the executor and the quality gate applied to a step.
type StepKind string

const (
	StepKindResearch StepKind = "research"
	StepKindQualify  StepKind = "qualify"
	StepKindOutreach StepKind = "outreach"
	StepKindOther    StepKind = "other"
)

// StepKinds lists every recognized step kind.
var StepKinds = []StepKind{StepKindResearch, StepKindQualify, StepKindOutreach, StepKindOther}

// InputField declares one run input.
type InputField struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"` // string (default) | number | boolean
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Trigger configures automatic run creation.
type Trigger struct {
	Type     string         `json:"type" yaml:"type"` // manual | cron
	Schedule string         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// TriggerTypeCron marks a trigger that is driven by the scheduler.
const TriggerTypeCron = "cron"

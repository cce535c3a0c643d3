// Package validation checks workflow definitions before they are stored and
// run inputs before a run is created.
package validation

import (
	"errors"
	"strconv"
	"strings"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

// stage inspects a definition and reports what it found. A stage with
// gate set stops the pipeline when it reports errors.
type stage struct {
	name  string
	gate  bool
	check func(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// WorkflowValidator runs the definition pipeline: JSON Schema structure
// first, then trigger, input schema and per-step checks.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	stages     []stage
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	jq := expressions.NewGoJQEngine()
	return &WorkflowValidator{
		jsonSchema: jsv,
		stages: []stage{
			{name: "structure", gate: true, check: func(def *schema.WorkflowDefinition) *schema.ValidationResult {
				return structuralIssues(jsv.ValidateDefinition(def))
			}},
			{name: "trigger", check: checkTrigger},
			{name: "inputs", check: checkInputSchema},
			{name: "steps", check: func(def *schema.WorkflowDefinition) *schema.ValidationResult {
				return checkSteps(def, jq)
			}},
		},
	}, nil
}

// Validate runs every stage and returns the issues found.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.Errorf("/", "workflow definition is nil")
		return result
	}
	for _, st := range wv.stages {
		found := st.check(def)
		result.Merge(found)
		if st.gate && !found.Valid() {
			break
		}
	}
	return result
}

// ValidateDefinition returns Validate's errors as a VALIDATION_ERROR.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput checks run inputs against the workflow's declared fields.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, fields []schema.InputField) error {
	return wv.jsonSchema.ValidateInput(input, fields)
}

// structuralIssues turns JSON Schema violations ("/steps/0/kind: msg") into
// issues addressed the way the other stages address them.
func structuralIssues(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.Errorf("/", "%s", err.Error())
		return result
	}
	violations, _ := fe.Details["violations"].([]string)
	if len(violations) == 0 {
		result.Errorf("/", "%s", fe.Message)
		return result
	}
	for _, v := range violations {
		loc, msg, ok := strings.Cut(v, ": ")
		if !ok {
			result.Errorf("/", "%s", v)
			continue
		}
		result.Errorf(pointerPath(loc), "%s", msg)
	}
	return result
}

// pointerPath converts a JSON pointer such as /steps/0/kind to steps[0].kind.
func pointerPath(pointer string) string {
	pointer = strings.Trim(pointer, "/")
	if pointer == "" {
		return "/"
	}
	parts := strings.Split(pointer, "/")
	segments := make([]any, len(parts))
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			segments[i] = n
		} else {
			segments[i] = p
		}
	}
	return schema.IssuePath(segments...)
}

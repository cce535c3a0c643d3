package validation

import (
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

// cronParser accepts the standard five-field form plus descriptors such as @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron trigger schedule.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	s, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron schedule %q: %s", schedule, err.Error()).WithCause(err)
	}
	return s, nil
}

func checkTrigger(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def.Trigger != nil && def.Trigger.Type == schema.TriggerTypeCron {
		if _, err := ParseSchedule(def.Trigger.Schedule); err != nil {
			msg := err.Error()
			var fe *schema.FlowError
			if errors.As(err, &fe) {
				msg = fe.Message
			}
			result.Errorf(schema.IssuePath("trigger", "schedule"), "%s", msg)
		}
	}
	return result
}

func checkInputSchema(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]bool, len(def.InputSchema))
	for i, f := range def.InputSchema {
		if seen[f.Name] {
			result.Errorf(schema.IssuePath("input_schema", i, "name"), "duplicate input field %q", f.Name)
		}
		seen[f.Name] = true
	}
	return result
}

// checkSteps verifies input mappings compile, template placeholders resolve
// and steps that consume research come after one.
func checkSteps(def *schema.WorkflowDefinition, jq *expressions.GoJQEngine) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	declared := make(map[string]bool, len(def.InputSchema))
	for _, f := range def.InputSchema {
		declared[f.Name] = true
	}

	researchSeen := false
	for i := range def.Steps {
		step := &def.Steps[i]

		switch step.Kind {
		case schema.StepKindResearch:
			researchSeen = true
		case schema.StepKindQualify, schema.StepKindOutreach:
			if !researchSeen {
				result.Warnf(schema.IssuePath("steps", i, "kind"), "%s step runs before any research step", step.Kind)
			}
		}

		for _, name := range slices.Sorted(maps.Keys(step.InputMap)) {
			if err := jq.Compile(step.InputMap[name]); err != nil {
				result.Errorf(schema.IssuePath("steps", i, "input_map", name), "%s", err.Error())
			}
		}

		where := schema.IssuePath("steps", i, "instructions")
		for _, ph := range expressions.Placeholders(step.Instructions) {
			ns, key, ok := strings.Cut(ph, ".")
			if !ok {
				continue
			}
			key, _, _ = strings.Cut(key, ".")
			switch ns {
			case expressions.NamespaceMap:
				if _, ok := step.InputMap[key]; !ok {
					result.Errorf(where, "placeholder {{%s}} has no input_map entry %q", ph, key)
				}
			case expressions.NamespaceInput:
				if len(declared) > 0 && !declared[key] {
					result.Warnf(where, "placeholder {{%s}} refers to undeclared input %q", ph, key)
				}
			}
		}
	}
	return result
}

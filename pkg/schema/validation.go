package schema

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ValidationSeverity distinguishes blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition or run input.
// Path uses the definition's field names, e.g. "steps[1].input_map.company".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Step returns the zero-based index of the step the issue points into.
func (i ValidationIssue) Step() (int, bool) {
	rest, ok := strings.CutPrefix(i.Path, "steps[")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "]")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// IssuePath joins field names with dots and renders int segments as indexes:
// IssuePath("steps", 0, "input_map", "x") is "steps[0].input_map.x".
func IssuePath(segments ...any) string {
	var b strings.Builder
	for _, seg := range segments {
		switch s := seg.(type) {
		case int:
			b.WriteString("[" + strconv.Itoa(s) + "]")
		default:
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			fmt.Fprint(&b, s)
		}
	}
	return b.String()
}

// ValidationResult collects the issues of one validation pass.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no errors were recorded. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records an error at path.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning records a warning at path.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Errorf records a VALIDATION_ERROR issue at path.
func (r *ValidationResult) Errorf(path, format string, args ...any) {
	r.AddError(path, ErrCodeValidation, fmt.Sprintf(format, args...))
}

// Warnf records a VALIDATION_ERROR warning at path.
func (r *ValidationResult) Warnf(path, format string, args ...any) {
	r.AddWarning(path, ErrCodeValidation, fmt.Sprintf(format, args...))
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// FailingSteps returns the sorted indexes of steps with at least one error.
func (r *ValidationResult) FailingSteps() []int {
	var steps []int
	for _, issue := range r.Errors {
		if i, ok := issue.Step(); ok && !slices.Contains(steps, i) {
			steps = append(steps, i)
		}
	}
	slices.Sort(steps)
	return steps
}

// ToError returns a VALIDATION_ERROR FlowError describing the result, or nil
// when it is valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors: %s", len(r.Errors), msg)
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if steps := r.FailingSteps(); len(steps) > 0 {
		details["failing_steps"] = steps
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}

package expressions

import (
	"encoding/json"
)

// Scope holds the data a step template and its input mapping can see.
// Input and org data are deep-copied on construction so later mutation by
// the caller cannot leak into a running workflow.
type Scope struct {
	input   map[string]any
	org     map[string]any
	outputs []string
}

// NewScope creates a Scope from run inputs and the org profile.
func NewScope(input, org map[string]any) *Scope {
	return &Scope{
		input: deepCopyMap(input),
		org:   deepCopyMap(org),
	}
}

// AddOutput appends a completed step's text output.
func (s *Scope) AddOutput(text string) {
	s.outputs = append(s.outputs, text)
}

// Outputs returns a copy of the recorded step outputs.
func (s *Scope) Outputs() []string {
	return append([]string(nil), s.outputs...)
}

// Input returns the run input namespace.
func (s *Scope) Input() map[string]any { return s.input }

// Org returns the org profile namespace.
func (s *Scope) Org() map[string]any { return s.org }

// Namespaces returns the renderer view, with mapped values under "map".
func (s *Scope) Namespaces(mapped map[string]any) map[string]map[string]any {
	ns := map[string]map[string]any{
		NamespaceInput: s.input,
		NamespaceOrg:   s.org,
	}
	if mapped != nil {
		ns[NamespaceMap] = mapped
	}
	return ns
}

// Data returns the JSON-shaped document used by jq input mappings:
// {"input": {...}, "org": {...}, "outputs": ["...", ...]}.
func (s *Scope) Data() map[string]any {
	outs := make([]any, len(s.outputs))
	for i, o := range s.outputs {
		outs[i] = o
	}
	return map[string]any{
		NamespaceInput: orEmpty(deepCopyMap(s.input)),
		NamespaceOrg:   orEmpty(deepCopyMap(s.org)),
		"outputs":      outs,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

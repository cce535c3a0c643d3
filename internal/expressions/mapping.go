package expressions

import (
	"context"
	"sort"

	"github.com/rendis/agentflow/pkg/schema"
)

// MapInputs evaluates each jq expression of a step's input mapping against
// the scope document and returns the results keyed by mapping name.
func MapInputs(ctx context.Context, jq *GoJQEngine, mapping map[string]string, scope *Scope) (map[string]any, error) {
	if len(mapping) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	data := scope.Data()
	out := make(map[string]any, len(mapping))
	for _, name := range names {
		val, err := jq.EvaluateNormalized(ctx, mapping[name], data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"input mapping %q failed", name).WithCause(err)
		}
		out[name] = val
	}
	return out, nil
}

package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/agentflow/pkg/schema"
)

// GoJQEngine evaluates jq step input mappings such as
// `.outputs[-1] | split("\n")[0]` against the run scope.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine with an empty program cache.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string { return "jq" }

// Compile parses and compiles expression without evaluating it.
func (e *GoJQEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression with data as the input document. A single output is
// returned as is, several are collected into []any and none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateNormalized converts Go integer and string-slice values in data to
// their JSON forms before evaluating, since jq only understands float64
// numbers and []any arrays.
func (e *GoJQEngine) EvaluateNormalized(ctx context.Context, expression string, data map[string]any) (any, error) {
	normalized, ok := toJSONValue(data).(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq input must be a JSON object")
	}
	return e.Evaluate(ctx, expression, normalized)
}

func (e *GoJQEngine) program(expression string) (*gojq.Code, error) {
	return e.cache.get(expression, func() (*gojq.Code, error) {
		query, err := gojq.Parse(expression)
		if err != nil {
			return nil, compileError(e.Name(), expression, err)
		}
		// $ENV is empty so mappings cannot read the process environment.
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, compileError(e.Name(), expression, err)
		}
		return code, nil
	})
}

func toJSONValue(v any) any {
	switch val := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonItem(item)
		}
		return out
	default:
		return jsonItem(v)
	}
}

func jsonItem(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return toJSONValue(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonItem(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)

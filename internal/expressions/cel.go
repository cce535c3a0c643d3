package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates gate policies such as `decision == "no" && score < threshold`
// over a fixed set of dyn-typed variables.
type CELEngine struct {
	env       *cel.Env
	variables []string
	cache     *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares each of the
// given variables as dyn.
func NewCELEngine(variables ...string) (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(variables))
	for _, v := range variables {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, variables: variables, cache: newProgramCache[cel.Program]()}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "CEL" }

// Compile type-checks expression and caches the program so a bad policy
// fails at configuration load.
func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression. Declared variables missing from data are null.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(e.variables))
	for _, name := range e.variables {
		activation[name] = data[name]
	}
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	return evaluateBool(ctx, e, expression, data)
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	return e.cache.get(expression, func() (cel.Program, error) {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, compileError(e.Name(), expression, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, compileError(e.Name(), expression, err)
		}
		return prg, nil
	})
}

var _ Engine = (*CELEngine)(nil)

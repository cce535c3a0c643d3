package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang predicates such as the readiness check
//
//	len(org?.icp?.industries ?? []) + len(org?.icp?.roles ?? []) >= 2
//
// Every key of the data map is a top-level variable; unknown names are nil.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates an Expr engine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string { return "expr" }

// Compile checks expression without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	return evaluateBool(ctx, e, expression, data)
}

// program compiles against an untyped map environment, so the same program
// serves any data shape.
func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	return e.cache.get(expression, func() (*vm.Program, error) {
		prg, err := expr.Compile(expression,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, compileError(e.Name(), expression, err)
		}
		return prg, nil
	})
}

var _ Engine = (*ExprEngine)(nil)

package planner

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/corral-run/corral/pkg/contracts"
)

// CriteriaEvaluator evaluates a step's success_criteria expression against
// its output. Expressions see the output as `output` and the original step
// input as `input`, both as dynamic maps, and must evaluate to a bool.
type CriteriaEvaluator struct {
	env *cel.Env
}

// NewCriteriaEvaluator builds the shared CEL environment.
func NewCriteriaEvaluator() (*CriteriaEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("planner: cel env: %w", err)
	}
	return &CriteriaEvaluator{env: env}, nil
}

// Check compiles and evaluates the expression. An empty expression passes.
// Compile errors and non-bool results surface as INVALID_INPUT so the plan
// critic layer can reject the step rather than the runtime guessing.
func (e *CriteriaEvaluator) Check(expr string, output, input map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, contracts.NewError(contracts.CodeInvalidInput,
			"success criteria %q: %v", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return false, contracts.NewError(contracts.CodeInvalidInput,
			"success criteria %q: %v", expr, err)
	}

	if output == nil {
		output = map[string]any{}
	}
	if input == nil {
		input = map[string]any{}
	}
	val, _, err := prg.Eval(map[string]any{"output": output, "input": input})
	if err != nil {
		return false, contracts.NewError(contracts.CodeExecutionError,
			"success criteria %q: %v", expr, err)
	}
	ok, isBool := val.Value().(bool)
	if !isBool {
		return false, contracts.NewError(contracts.CodeInvalidInput,
			"success criteria %q evaluated to %T, want bool", expr, val.Value())
	}
	return ok, nil
}

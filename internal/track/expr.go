package track

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// celEnv declares the variables a significance predicate may reference: the
// previous value, the new value, and the signed delta between them.
func celEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("old", cel.DoubleType),
		cel.Variable("new", cel.DoubleType),
		cel.Variable("delta", cel.DoubleType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("track: build cel environment: %w", err)
	}
	return env, nil
}

// predicate wraps a compiled CEL program that yields a boolean significance
// verdict.
type predicate struct {
	source  string
	program cel.Program
}

// compilePredicate prepares the expression for execution, ensuring it yields a
// boolean. Compilation happens at configuration time so the update hot path
// never sees a malformed expression.
func compilePredicate(expression string) (predicate, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return predicate{}, fmt.Errorf("track: expression required")
	}
	env, err := celEnv()
	if err != nil {
		return predicate{}, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return predicate{}, fmt.Errorf("track: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return predicate{}, fmt.Errorf("track: %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := env.Program(ast)
	if err != nil {
		return predicate{}, fmt.Errorf("track: program %q: %w", expr, err)
	}
	return predicate{source: expr, program: program}, nil
}

// eval executes the predicate against one change. Evaluation errors resolve to
// not-significant so a bad runtime value degrades to passive recording instead
// of halting the update path.
func (p predicate) eval(old, newValue, delta float64) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("track: predicate not initialized")
	}
	val, _, err := p.program.Eval(map[string]any{
		"old":   old,
		"new":   newValue,
		"delta": delta,
	})
	if err != nil {
		return false, fmt.Errorf("track: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("track: %q yielded non-bool result %T", p.source, val)
}

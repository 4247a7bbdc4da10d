package expressions

import "context"

// Engine evaluates a single expression against a scope's variable map.
// CEL backs conditional predicates; expr and jq back transform assignments.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler is implemented by engines that can check an expression without
// evaluating it. Load-time validation uses it.
type Compiler interface {
	Compile(expression string) error
}

// Engines bundles the three expression engines a workflow may use.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines builds all engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{CEL: celEngine, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}

// ByName returns the transform engine registered under name. An empty name
// selects expr.
func (e *Engines) ByName(name string) (Engine, bool) {
	switch name {
	case "", "expr":
		return e.Expr, true
	case "jq":
		return e.JQ, true
	case "cel":
		return e.CEL, true
	default:
		return nil, false
	}
}

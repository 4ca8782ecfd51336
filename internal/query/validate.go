package query

import (
	"fmt"
	"strings"
)

// Validate walks the AST and reports semantic problems the parser accepts:
// unknown functions, wrong arity and malformed field paths.
func (q *Query) Validate() []error {
	var errs []error
	walk(q.Root, func(n Node) {
		switch n := n.(type) {
		case *FieldExpr:
			if n.Field == "" || strings.HasPrefix(n.Field, ".") || strings.HasSuffix(n.Field, ".") {
				errs = append(errs, fmt.Errorf("invalid field path: %q", n.Field))
			}
			if (n.Operator == OpIn || n.Operator == OpNotIn) && n.Value == nil {
				errs = append(errs, fmt.Errorf("%s %s requires a list", n.Field, n.Operator))
			}
		case *FunctionCall:
			errs = append(errs, checkCall(n)...)
		}
	})
	return errs
}

func checkCall(fn *FunctionCall) []error {
	sig, ok := KnownFunctions[fn.Name]
	if !ok {
		return []error{fmt.Errorf("unknown function: %s", fn.Name)}
	}
	var errs []error
	if n := len(fn.Args); n < sig.MinArgs {
		errs = append(errs, fmt.Errorf("function %s requires at least %d argument(s), got %d", fn.Name, sig.MinArgs, n))
	} else if sig.MaxArgs > 0 && n > sig.MaxArgs {
		errs = append(errs, fmt.Errorf("function %s accepts at most %d argument(s), got %d", fn.Name, sig.MaxArgs, n))
	}
	return errs
}

// walk visits n and its descendants depth first.
func walk(n Node, visit func(Node)) {
	if n == nil {
		return
	}
	visit(n)
	switch n := n.(type) {
	case *BinaryExpr:
		walk(n.Left, visit)
		walk(n.Right, visit)
	case *UnaryExpr:
		walk(n.Expr, visit)
	}
}

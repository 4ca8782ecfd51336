package query

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/marcus/replica/internal/message"
)

// CompileWhere compiles a CEL boolean expression over a record. The
// expression sees the record attributes as "record", the record id as "id"
// and the current time in epoch milliseconds as "now_ms":
//
//	record.priority >= 2 && record.status != "done"
//
// An empty expression matches everything. Evaluation errors count as no match.
func CompileWhere(expr string) (Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return MatchAll, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("record", cel.DynType),
		cel.Variable("id", cel.StringType),
		cel.Variable("now_ms", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return func(attrs message.Attrs) bool {
		out, _, err := prog.Eval(map[string]any{
			"record": map[string]any(attrs),
			"id":     attrs.ID(),
			"now_ms": time.Now().UnixMilli(),
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

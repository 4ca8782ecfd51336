package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/replica/internal/message"
)

// Matcher reports whether a record passes a filter.
type Matcher func(message.Attrs) bool

// MatchAll accepts every record.
func MatchAll(message.Attrs) bool { return true }

// EvalContext provides context for query evaluation
type EvalContext struct {
	Identity string    // for @me resolution
	Now      time.Time // for relative date calculation
}

// NewEvalContext creates a new evaluation context
func NewEvalContext(identity string) *EvalContext {
	return &EvalContext{
		Identity: identity,
		Now:      time.Now(),
	}
}

// Evaluator converts a Query AST to an in-memory matcher
type Evaluator struct {
	ctx   *EvalContext
	query *Query
}

// NewEvaluator creates a new query evaluator
func NewEvaluator(ctx *EvalContext, query *Query) *Evaluator {
	if ctx == nil {
		ctx = NewEvalContext("")
	}
	return &Evaluator{ctx: ctx, query: query}
}

// ToMatcher compiles the query once into a matcher function.
func (e *Evaluator) ToMatcher() (Matcher, error) {
	if e.query == nil || e.query.Root == nil {
		return MatchAll, nil
	}
	return e.nodeToMatcher(e.query.Root)
}

// Lookup resolves a dotted path inside a record. Missing keys yield nil.
func Lookup(attrs message.Attrs, path string) any {
	var cur any = map[string]any(attrs)
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[part]
		case message.Attrs:
			cur = m[part]
		default:
			return nil
		}
	}
	return cur
}

func (e *Evaluator) resolveValue(v any) any {
	switch val := v.(type) {
	case Special:
		if val == SpecialMe {
			return e.ctx.Identity
		}
		return val
	case *DateValue:
		return e.resolveDate(val)
	default:
		return v
	}
}

func (e *Evaluator) resolveDate(d *DateValue) any {
	if !d.Relative {
		return d.Raw
	}

	now := e.ctx.Now

	switch d.Raw {
	case "today":
		return now.Format("2006-01-02")
	case "yesterday":
		return now.AddDate(0, 0, -1).Format("2006-01-02")
	case "this_week":
		// Start of current week (Monday)
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return now.AddDate(0, 0, -(weekday - 1)).Format("2006-01-02")
	case "last_week":
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return now.AddDate(0, 0, -(weekday-1)-7).Format("2006-01-02")
	case "this_month":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Format("2006-01-02")
	case "last_month":
		return time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, now.Location()).Format("2006-01-02")
	default:
		return e.parseRelativeOffset(d.Raw)
	}
}

func (e *Evaluator) parseRelativeOffset(s string) string {
	if len(s) < 2 {
		return s
	}

	sign := 1
	start := 0
	if s[0] == '-' {
		sign = -1
		start = 1
	} else if s[0] == '+' {
		start = 1
	}

	unit := s[len(s)-1]
	num, err := strconv.Atoi(s[start : len(s)-1])
	if err != nil {
		return s
	}

	num *= sign
	now := e.ctx.Now

	switch unit {
	case 'd':
		return now.AddDate(0, 0, num).Format("2006-01-02")
	case 'w':
		return now.AddDate(0, 0, num*7).Format("2006-01-02")
	case 'm':
		return now.AddDate(0, num, 0).Format("2006-01-02")
	case 'h':
		return now.Add(time.Duration(num) * time.Hour).Format(time.RFC3339)
	default:
		return s
	}
}

// nodeToMatcher converts a node to an in-memory matcher function
func (e *Evaluator) nodeToMatcher(n Node) (Matcher, error) {
	switch node := n.(type) {
	case *BinaryExpr:
		left, err := e.nodeToMatcher(node.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.nodeToMatcher(node.Right)
		if err != nil {
			return nil, err
		}
		if node.Op == OpAnd {
			return func(a message.Attrs) bool { return left(a) && right(a) }, nil
		}
		return func(a message.Attrs) bool { return left(a) || right(a) }, nil

	case *UnaryExpr:
		inner, err := e.nodeToMatcher(node.Expr)
		if err != nil {
			return nil, err
		}
		return func(a message.Attrs) bool { return !inner(a) }, nil

	case *FieldExpr:
		return e.fieldExprToMatcher(node)

	case *FunctionCall:
		return e.functionToMatcher(node)

	case *TextSearch:
		pattern := strings.ToLower(node.Text)
		return func(a message.Attrs) bool { return containsText(a, pattern) }, nil

	default:
		return nil, fmt.Errorf("unsupported node type for matcher: %T", n)
	}
}

// containsText searches every string value, including nested ones.
func containsText(v any, pattern string) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(strings.ToLower(val), pattern)
	case message.Attrs:
		return containsText(map[string]any(val), pattern)
	case map[string]any:
		for _, item := range val {
			if containsText(item, pattern) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if containsText(item, pattern) {
				return true
			}
		}
	}
	return false
}

func (e *Evaluator) fieldExprToMatcher(node *FieldExpr) (Matcher, error) {
	field := node.Field
	value := e.resolveValue(node.Value)
	get := func(a message.Attrs) any { return Lookup(a, field) }

	switch node.Operator {
	case OpEq:
		return func(a message.Attrs) bool { return compareEqual(get(a), value) }, nil
	case OpNeq:
		return func(a message.Attrs) bool { return !compareEqual(get(a), value) }, nil
	case OpContains:
		pattern := strings.ToLower(fmt.Sprintf("%v", value))
		return func(a message.Attrs) bool { return containsValue(get(a), pattern) }, nil
	case OpNotContains:
		pattern := strings.ToLower(fmt.Sprintf("%v", value))
		return func(a message.Attrs) bool { return !containsValue(get(a), pattern) }, nil
	case OpLt, OpGt, OpLte, OpGte:
		op := node.Operator
		return func(a message.Attrs) bool {
			fv := get(a)
			if fv == nil {
				return false
			}
			return compareOrder(fv, value, op)
		}, nil
	case OpIn, OpNotIn:
		list, ok := node.Value.(*ListValue)
		if !ok {
			return nil, fmt.Errorf("%s requires a list", node.Operator)
		}
		values := make([]any, len(list.Values))
		for i, v := range list.Values {
			values[i] = e.resolveValue(v)
		}
		in := func(a message.Attrs) bool {
			fv := get(a)
			for _, v := range values {
				if compareEqual(fv, v) {
					return true
				}
			}
			return false
		}
		if node.Operator == OpNotIn {
			return func(a message.Attrs) bool { return !in(a) }, nil
		}
		return in, nil
	default:
		return nil, fmt.Errorf("unsupported operator: %s", node.Operator)
	}
}

// containsValue is substring match for strings and membership for lists.
func containsValue(v any, pattern string) bool {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if strings.ToLower(fmt.Sprintf("%v", item)) == pattern {
				return true
			}
		}
		return false
	}
	if v == nil {
		return false
	}
	return strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), pattern)
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case float64:
		return val == 0
	case int64:
		return val == 0
	case int:
		return val == 0
	}
	return false
}

func compareEqual(a, b any) bool {
	switch b {
	case SpecialEmpty:
		return isEmpty(a)
	case SpecialNull:
		return a == nil
	}
	if na, ok := toNumber(a); ok {
		if nb, ok := toNumber(b); ok {
			return na == nb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrder(a, b any, op string) bool {
	c := compareLoose(a, b)
	switch op {
	case OpLt:
		return c < 0
	case OpGt:
		return c > 0
	case OpLte:
		return c <= 0
	case OpGte:
		return c >= 0
	default:
		return false
	}
}

func (e *Evaluator) functionToMatcher(node *FunctionCall) (Matcher, error) {
	switch node.Name {
	case "has":
		if len(node.Args) < 1 {
			return nil, fmt.Errorf("has() requires 1 argument")
		}
		field := fmt.Sprintf("%v", node.Args[0])
		return func(a message.Attrs) bool { return !isEmpty(Lookup(a, field)) }, nil

	case "any", "none":
		if len(node.Args) < 2 {
			return nil, fmt.Errorf("%s() requires at least 2 arguments", node.Name)
		}
		field := fmt.Sprintf("%v", node.Args[0])
		values := make([]any, 0, len(node.Args)-1)
		for _, v := range node.Args[1:] {
			values = append(values, e.resolveValue(v))
		}
		anyMatch := func(a message.Attrs) bool {
			fv := Lookup(a, field)
			for _, v := range values {
				if matchesOrContains(fv, v) {
					return true
				}
			}
			return false
		}
		if node.Name == "none" {
			return func(a message.Attrs) bool { return !anyMatch(a) }, nil
		}
		return anyMatch, nil

	case "all":
		if len(node.Args) < 2 {
			return nil, fmt.Errorf("all() requires at least 2 arguments")
		}
		field := fmt.Sprintf("%v", node.Args[0])
		values := make([]any, 0, len(node.Args)-1)
		for _, v := range node.Args[1:] {
			values = append(values, e.resolveValue(v))
		}
		return func(a message.Attrs) bool {
			fv := Lookup(a, field)
			for _, v := range values {
				if !matchesOrContains(fv, v) {
					return false
				}
			}
			return true
		}, nil

	default:
		return nil, fmt.Errorf("unknown function: %s", node.Name)
	}
}

// matchesOrContains compares scalars for equality and lists for membership.
func matchesOrContains(field, v any) bool {
	if list, ok := field.([]any); ok {
		for _, item := range list {
			if compareEqual(item, v) {
				return true
			}
		}
		return false
	}
	return compareEqual(field, v)
}

// compareLoose is CompareValues with numeric strings coerced to numbers when
// the other side is a number.
func compareLoose(a, b any) int {
	if na, ok := toNumber(a); ok {
		if s, ok := b.(string); ok {
			if nb, ok := parseFloat(s); ok {
				return compareFloat(na, nb)
			}
		}
	}
	if nb, ok := toNumber(b); ok {
		if s, ok := a.(string); ok {
			if na, ok := parseFloat(s); ok {
				return compareFloat(na, nb)
			}
		}
	}
	return CompareValues(a, b)
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	}
	return 0, false
}

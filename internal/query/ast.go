package query

import (
	"fmt"
	"strings"
)

// Node is a filter expression.
type Node interface {
	String() string
	isNode()
}

// Boolean connectives.
const (
	OpAnd = "AND"
	OpOr  = "OR"
	OpNot = "NOT"
)

// Comparison operators.
const (
	OpEq          = "="
	OpNeq         = "!="
	OpLt          = "<"
	OpGt          = ">"
	OpLte         = "<="
	OpGte         = ">="
	OpContains    = "~"
	OpNotContains = "!~"
	OpIn          = "IN"
	OpNotIn       = "NOT IN"
)

type BinaryExpr struct {
	Op          string
	Left, Right Node
}

type UnaryExpr struct {
	Op   string
	Expr Node
}

// FieldExpr compares a record attribute with a value. Field may be a dotted
// path into nested objects, e.g. "owner.name". Value is a string, int64,
// float64, bool, *DateValue, Special or *ListValue.
type FieldExpr struct {
	Field    string
	Operator string
	Value    any
}

type FunctionCall struct {
	Name string
	Args []any
}

// TextSearch matches against every string attribute of a record.
type TextSearch struct {
	Text string
}

func (*BinaryExpr) isNode()   {}
func (*UnaryExpr) isNode()    {}
func (*FieldExpr) isNode()    {}
func (*FunctionCall) isNode() {}
func (*TextSearch) isNode()   {}

func (b *BinaryExpr) String() string { return "(" + b.Left.String() + " " + b.Op + " " + b.Right.String() + ")" }
func (u *UnaryExpr) String() string  { return "(" + u.Op + " " + u.Expr.String() + ")" }
func (f *FieldExpr) String() string  { return fmt.Sprintf("%s %s %v", f.Field, f.Operator, f.Value) }
func (t *TextSearch) String() string { return `"` + t.Text + `"` }

func (fn *FunctionCall) String() string {
	return fn.Name + "(" + joinValues(fn.Args) + ")"
}

// DateValue is an ISO date or a relative one ("-7d", "today") resolved at
// evaluation time.
type DateValue struct {
	Raw      string
	Relative bool
}

func (d *DateValue) String() string { return d.Raw }

// Special is a value keyword.
type Special string

const (
	SpecialMe    Special = "@me"
	SpecialEmpty Special = "EMPTY"
	SpecialNull  Special = "NULL"
)

type ListValue struct {
	Values []any
}

func (l *ListValue) String() string { return "(" + joinValues(l.Values) + ")" }

func joinValues(vs []any) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}

// Signature bounds the argument count of a filter function. MaxArgs < 0 means
// unbounded.
type Signature struct {
	MinArgs, MaxArgs int
}

// KnownFunctions lists the functions the evaluator implements.
var KnownFunctions = map[string]Signature{
	"has":  {1, 1},
	"any":  {2, -1},
	"all":  {2, -1},
	"none": {2, -1},
}

// SortClause is one key of a sort order.
type SortClause struct {
	Field      string
	Descending bool
}

func (s SortClause) String() string {
	if s.Descending {
		return "-" + s.Field
	}
	return s.Field
}

// ParseSort parses "field,-other" into sort clauses. Empty input yields nil.
func ParseSort(s string) []SortClause {
	var out []SortClause
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "-" {
			continue
		}
		if field, ok := strings.CutPrefix(part, "-"); ok {
			out = append(out, SortClause{Field: field, Descending: true})
		} else {
			out = append(out, SortClause{Field: strings.TrimPrefix(part, "+")})
		}
	}
	return out
}

// Query is a parsed filter. Raw keeps the input; Sort holds any sort: clause
// keys in priority order.
type Query struct {
	Root Node
	Raw  string
	Sort []SortClause
}

func (q *Query) String() string {
	var parts []string
	if q.Root != nil {
		parts = append(parts, q.Root.String())
	}
	if len(q.Sort) > 0 {
		keys := make([]string, len(q.Sort))
		for i, s := range q.Sort {
			keys[i] = s.String()
		}
		parts = append(parts, "sort:"+strings.Join(keys, ","))
	}
	return strings.Join(parts, " ")
}

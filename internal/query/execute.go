package query

import (
	"fmt"
	"sort"

	"github.com/marcus/replica/internal/message"
)

// DefaultMaxResults limits how many records are scanned in memory.
const DefaultMaxResults = 10000

// ExecuteOptions contains options for query execution
type ExecuteOptions struct {
	Identity   string // resolves @me
	Where      string // optional CEL expression, ANDed with the query
	Sort       string // used when the query has no sort: clause
	Offset     int
	Limit      int
	MaxResults int // max records scanned (0 = DefaultMaxResults)
}

// Compiled is a parsed query with its matcher and comparator built once.
type Compiled struct {
	Query   *Query
	Match   Matcher
	Compare Comparator
	Sort    []SortClause
}

// Compile parses queryStr and an optional CEL expression into a Compiled
// filter. A sort: clause in the query takes precedence over sortStr.
func Compile(queryStr, where, sortStr, identity string) (*Compiled, error) {
	q, err := Parse(queryStr)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if errs := q.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("validation error: %v", errs[0])
	}

	match, err := NewEvaluator(NewEvalContext(identity), q).ToMatcher()
	if err != nil {
		return nil, err
	}
	if where != "" {
		celMatch, err := CompileWhere(where)
		if err != nil {
			return nil, fmt.Errorf("where: %w", err)
		}
		base := match
		match = func(a message.Attrs) bool { return base(a) && celMatch(a) }
	}

	clauses := q.Sort
	if len(clauses) == 0 {
		clauses = ParseSort(sortStr)
	}
	return &Compiled{
		Query:   q,
		Match:   match,
		Compare: NewComparator(clauses),
		Sort:    clauses,
	}, nil
}

// Filter returns the matching records in their original order.
func (c *Compiled) Filter(records []message.Attrs) []message.Attrs {
	out := make([]message.Attrs, 0, len(records))
	for _, r := range records {
		if c.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// SortRecords orders records in place. Equal records keep their relative order.
func (c *Compiled) SortRecords(records []message.Attrs) {
	if len(c.Sort) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		return c.Compare(records[i], records[j]) < 0
	})
}

// Execute filters, sorts and windows records with a query string.
func Execute(records []message.Attrs, queryStr string, opts ExecuteOptions) ([]message.Attrs, error) {
	c, err := Compile(queryStr, opts.Where, opts.Sort, opts.Identity)
	if err != nil {
		return nil, err
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if len(records) > maxResults {
		records = records[:maxResults]
	}

	out := c.Filter(records)
	c.SortRecords(out)
	return Window(out, opts.Offset, opts.Limit), nil
}

// Window returns records[offset:offset+limit], clamped. limit <= 0 means no limit.
func Window(records []message.Attrs, offset, limit int) []message.Attrs {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []message.Attrs{}
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

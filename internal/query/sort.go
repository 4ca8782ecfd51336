package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marcus/replica/internal/message"
)

// Comparator orders two records. It returns a negative number when a sorts
// before b, zero when they are equal under the sort keys, positive otherwise.
type Comparator func(a, b message.Attrs) int

// NoOrder treats every pair as equal.
func NoOrder(a, b message.Attrs) int { return 0 }

// NewComparator compiles sort clauses into a Comparator. Keys are compared in
// order; later keys only break ties of earlier ones. No clauses yields NoOrder.
func NewComparator(clauses []SortClause) Comparator {
	if len(clauses) == 0 {
		return NoOrder
	}
	keys := append([]SortClause(nil), clauses...)
	return func(a, b message.Attrs) int {
		for _, k := range keys {
			c := CompareValues(Lookup(a, k.Field), Lookup(b, k.Field))
			if c == 0 {
				continue
			}
			if k.Descending {
				return -c
			}
			return c
		}
		return 0
	}
}

// valueRank orders values of different kinds: nil < bool < number < string <
// everything else.
func valueRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int64, float64, float32:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// CompareValues is a total order over decoded JSON values.
func CompareValues(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(av, b.(string))
	}
	if na, ok := toNumber(a); ok {
		nb, _ := toNumber(b)
		return compareFloat(na, nb)
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

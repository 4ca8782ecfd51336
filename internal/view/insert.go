package view

import (
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/query"
)

// inserter finds insertion points in a sorted list. It remembers the last
// index it returned and probes around it first, so runs of records arriving
// in sort order cost a few comparisons instead of a full search.
type inserter struct {
	cmp  query.Comparator
	last int
}

func newInserter(cmp query.Comparator) *inserter {
	return &inserter{cmp: cmp, last: -1}
}

// index returns the upper bound of attrs in list: the position after every
// element that does not sort after attrs. list must already be sorted.
func (in *inserter) index(attrs message.Attrs, list []message.Attrs) int {
	n := len(list)
	lo, hi := 0, n

	if i := in.last; i >= 0 && i <= n {
		// Upper bound u is i exactly when list[i-1] <= attrs < list[i].
		leftOK := i == 0 || in.cmp(list[i-1], attrs) <= 0
		rightOK := i == n || in.cmp(list[i], attrs) > 0
		switch {
		case leftOK && rightOK:
			return in.remember(i)
		case !leftOK:
			// list[i-1] > attrs, so u <= i-1.
			if i-1 == 0 || in.cmp(list[i-2], attrs) <= 0 {
				return in.remember(i - 1)
			}
			hi = i - 2
		default:
			// list[i] <= attrs, so u >= i+1.
			if i+1 == n || in.cmp(list[i+1], attrs) > 0 {
				return in.remember(i + 1)
			}
			lo = i + 2
		}
	}

	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if in.cmp(list[mid], attrs) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return in.remember(lo)
}

func (in *inserter) remember(i int) int {
	in.last = i
	return i
}

func (in *inserter) reset() { in.last = -1 }

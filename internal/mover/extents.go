package mover

import (
	"slices"
	"sort"
)

type span struct{ lo, hi int64 }

// extents is a set of disjoint, sorted half-open byte ranges. Archive reads
// may repeat or arrive out of order, so completeness is judged on the
// union of what was sent.
type extents struct {
	spans []span
}

// add records [lo, hi), merging it with every range it touches.
func (e *extents) add(lo, hi int64) {
	if hi <= lo {
		return
	}
	i := sort.Search(len(e.spans), func(i int) bool { return e.spans[i].hi >= lo })
	j := i
	for j < len(e.spans) && e.spans[j].lo <= hi {
		lo = min(lo, e.spans[j].lo)
		hi = max(hi, e.spans[j].hi)
		j++
	}
	e.spans = slices.Replace(e.spans, i, j, span{lo, hi})
}

// total is the number of distinct bytes recorded.
func (e *extents) total() int64 {
	var n int64
	for _, s := range e.spans {
		n += s.hi - s.lo
	}
	return n
}

// covers reports whether [0, size) was recorded in full.
func (e *extents) covers(size int64) bool {
	if size <= 0 {
		return true
	}
	return len(e.spans) > 0 && e.spans[0].lo <= 0 && e.spans[0].hi >= size
}

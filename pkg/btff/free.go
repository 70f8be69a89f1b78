package btff

import (
	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/runcode"
)

// free releases the used run starting at p and coalesces it with free neighbours.
func (t *tree) free(st *stack, p addr.Addr) {
	if t.root == addr.Null {
		panic(fatal(ErrInvalidAddress, p, "heap is empty"))
	}
	again := t.releaseRun(st, p, false)
	if again != addr.Null {
		// The run was alone in its leaf between two free separators. The leaf is gone now and
		// the run still has a free left neighbour.
		t.releaseRun(st, again, true)
	}
	t.trimTail(st)
}

// releaseRun marks the run at p free and folds in free neighbours. With coalesce set the run
// may already be free. A non-null result is a free run that still needs coalescing.
func (t *tree) releaseRun(st *stack, p addr.Addr, coalesce bool) addr.Addr {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		level, i := t.searchAddress(st, t.rootLevel, p, false)
		if level == leafLevel {
			return t.releaseLeaf(st, p, coalesce)
		}
		next, done := t.releaseSeparator(st, level, i, coalesce)
		if done {
			return addr.Null
		}
		p = next
	}
	panic(fatal(ErrCorrupt, p, "free did not settle"))
}

// releaseSeparator frees separator i of the node at level. Folding in a neighbour can leave
// a leaf underflowed; after rebalancing it the separator may have moved, so done is false and
// the caller searches again for the returned start of the run.
func (t *tree) releaseSeparator(st *stack, level, i int, coalesce bool) (addr.Addr, bool) {
	n := t.node(st[level].ref)
	p := n.slot(i)
	if !coalesce && n.avail(i) > 0 {
		panic(fatal(ErrDoubleFree, p, "separator at level %d", level))
	}

	r := t.rightLeaf(st, level, i)
	if first, ok := r.first(); ok && first.free {
		r.splice(first.begin, first.end, nil)
		r.setBase(r.base().Add(first.length))
		t.propagate(st, leafLevel)
		if t.isUnderflow(st, leafLevel) {
			t.rebalance(st, leafLevel)
			return p, false
		}
	}

	l := t.leftLeaf(st, level, i)
	if last, _, ok := l.last(); ok && last.free {
		l.splice(last.begin, last.end, nil)
		p = last.addr
		n.setSlot(i, p)
		t.propagate(st, leafLevel)
		if t.isUnderflow(st, leafLevel) {
			t.rebalance(st, leafLevel)
			return p, false
		}
	}

	n.setAvail(i, t.sepLength(level, n, i))
	t.propagate(st, level)
	return addr.Null, true
}

// releaseLeaf frees the record at p in the leaf on the stack.
func (t *tree) releaseLeaf(st *stack, p addr.Addr, coalesce bool) addr.Addr {
	l := t.leaf(st[leafLevel].ref)
	prev, cur, hasPrev, ok := l.searchAddr(p)
	if !ok {
		panic(fatal(ErrInvalidAddress, p, "no run starts here"))
	}
	if cur.free && !coalesce {
		panic(fatal(ErrDoubleFree, p, "leaf at %v", l.base()))
	}

	start, begin, end, length := cur.addr, cur.begin, cur.end, cur.length
	next, hasNext := l.next(cur)
	if hasNext && next.free {
		end = next.end
		length += next.length
	}
	if hasPrev && prev.free {
		start, begin = prev.addr, prev.begin
		length += prev.length
	}

	// A run at the edge of the leaf may border a free separator instead.
	var rightLevel, ri, leftLevel, li int
	var rightFree, leftFree bool
	if !hasNext {
		if lvl, i, ok := t.rightSeparator(st); ok && t.node(st[lvl].ref).avail(i) > 0 {
			rightLevel, ri, rightFree = lvl, i, true
		}
	}
	if !hasPrev {
		if lvl, i, ok := t.leftSeparator(st); ok && t.node(st[lvl].ref).avail(i) > 0 {
			leftLevel, li, leftFree = lvl, i, true
		}
	}

	var again addr.Addr
	switch {
	case rightFree:
		// The separator moves down to the start of the run and takes it over.
		rn := t.node(st[rightLevel].ref)
		l.splice(begin, end, nil)
		rn.setSlot(ri, start)
		rn.setAvail(ri, t.sepLength(rightLevel, rn, ri))
		t.propagate(st, leafLevel)
		t.propagate(st, rightLevel)
		if leftFree {
			again = start
		}
	case leftFree:
		// The leaf gives the run to the separator before it.
		ln := t.node(st[leftLevel].ref)
		l.splice(begin, end, nil)
		l.setBase(start.Add(length))
		ln.setAvail(li, t.sepLength(leftLevel, ln, li))
		t.propagate(st, leafLevel)
		t.propagate(st, leftLevel)
	default:
		var rec [runcode.MaxWidth]byte
		w := runcode.Encode(rec[:], length, true)
		l.splice(begin, end, rec[:w])
		t.propagate(st, leafLevel)
	}

	if t.isUnderflow(st, leafLevel) {
		t.rebalance(st, leafLevel)
	}
	return again
}

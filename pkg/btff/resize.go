package btff

import (
	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/runcode"
)

type resizeResult int

const (
	resized resizeResult = iota
	// relocate means the run cannot change size where it is.
	relocate
	// retrySplit means the leaf on the stack was forced full and must be split on the next
	// descent.
	retrySplit
	// retryRoot means a neighbouring leaf was split and the search starts over.
	retryRoot
)

// resize changes the used run at p to size bytes, in place when its right neighbour allows it.
// Otherwise a new run is allocated, the contents are copied and p is freed, in that order, so
// a failed allocation leaves p intact.
func (t *tree) resize(st *stack, p addr.Addr, size uint64) (addr.Addr, error) {
	if t.root == addr.Null {
		panic(fatal(ErrInvalidAddress, p, "heap is empty"))
	}
	level, split := t.rootLevel, false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		at, i := t.searchAddress(st, level, p, split)
		var res resizeResult
		var old uint64
		if at < leafLevel {
			res, old = t.resizeSeparator(st, at, i, size)
		} else {
			res, old = t.resizeLeaf(st, p, size)
		}
		switch res {
		case resized:
			t.stats.InPlaceResizes++
			t.trimTail(st)
			return p, nil
		case relocate:
			return t.relocate(st, p, old, size)
		case retrySplit:
			level, split = t.overflow(st, leafLevel), true
		case retryRoot:
			level, split = t.rootLevel, false
		}
	}
	panic(fatal(ErrCorrupt, p, "resize did not settle"))
}

func (t *tree) relocate(st *stack, p addr.Addr, old, size uint64) (addr.Addr, error) {
	q, err := t.malloc(st, size)
	if err != nil {
		return addr.Null, err
	}
	n := min(old, size)
	copy(t.heap.Bytes(q, n), t.heap.Bytes(p, n))
	t.free(st, p)
	t.stats.Moves++
	return q, nil
}

func (t *tree) resizeSeparator(st *stack, level, i int, size uint64) (resizeResult, uint64) {
	n := t.node(st[level].ref)
	p := n.slot(i)
	if n.avail(i) > 0 {
		panic(fatal(ErrInvalidAddress, p, "run is free"))
	}
	old := t.sepLength(level, n, i)
	if size == old {
		return resized, old
	}

	var rec [runcode.MaxWidth]byte
	r := t.rightLeaf(st, level, i)
	first, hasFirst := r.first()
	if size < old {
		// The released tail goes to the front of the following leaf.
		rem, end := old-size, 0
		if hasFirst && first.free {
			rem += first.length
			end = first.end
		}
		w := runcode.Encode(rec[:], rem, true)
		if !r.fits(0, end, w) {
			r.overflow()
			t.splitPath(st, t.overflow(st, leafLevel))
			return retryRoot, old
		}
		r.splice(0, end, rec[:w])
		r.setBase(p.Add(size))
		t.propagate(st, leafLevel)
		return resized, old
	}

	delta := size - old
	if !hasFirst || !first.free || first.length < delta {
		return relocate, old
	}
	w := 0
	if first.length > delta {
		w = runcode.Encode(rec[:], first.length-delta, true)
	}
	r.splice(first.begin, first.end, rec[:w])
	r.setBase(r.base().Add(delta))
	t.propagate(st, leafLevel)
	if t.isUnderflow(st, leafLevel) {
		t.rebalance(st, leafLevel)
	}
	return resized, old
}

func (t *tree) resizeLeaf(st *stack, p addr.Addr, size uint64) (resizeResult, uint64) {
	l := t.leaf(st[leafLevel].ref)
	_, cur, _, ok := l.searchAddr(p)
	if !ok {
		panic(fatal(ErrInvalidAddress, p, "no run starts here"))
	}
	if cur.free {
		panic(fatal(ErrInvalidAddress, p, "run is free"))
	}
	old := cur.length
	if size == old {
		return resized, old
	}

	var rec [2 * runcode.MaxWidth]byte
	replace := func(begin, end, n int) resizeResult {
		if !l.fits(begin, end, n) {
			l.overflow()
			return retrySplit
		}
		l.splice(begin, end, rec[:n])
		t.propagate(st, leafLevel)
		if t.isUnderflow(st, leafLevel) {
			t.rebalance(st, leafLevel)
		}
		return resized
	}

	next, hasNext := l.next(cur)
	if size < old {
		delta := old - size
		n := runcode.Encode(rec[:], size, false)
		if hasNext && next.free {
			n += runcode.Encode(rec[n:], delta+next.length, true)
			return replace(cur.begin, next.end, n), old
		}
		if !hasNext {
			if lvl, ri, ok := t.rightSeparator(st); ok {
				if sn := t.node(st[lvl].ref); sn.avail(ri) > 0 {
					// The free separator after the run moves down over the released tail.
					l.splice(cur.begin, cur.end, rec[:n])
					sn.set(ri, p.Add(size), sn.avail(ri)+delta)
					t.propagate(st, leafLevel)
					t.propagate(st, lvl)
					return resized, old
				}
			} else if cur.limit() == t.heap.Break() {
				if err := t.heap.SetBreak(p.Add(size)); err == nil {
					t.stats.Shrinks++
					return replace(cur.begin, cur.end, n), old
				}
			}
		}
		n += runcode.Encode(rec[n:], delta, true)
		return replace(cur.begin, cur.end, n), old
	}

	delta := size - old
	if hasNext {
		if !next.free || next.length < delta {
			return relocate, old
		}
		n := runcode.Encode(rec[:], size, false)
		if next.length > delta {
			n += runcode.Encode(rec[n:], next.length-delta, true)
		}
		return replace(cur.begin, next.end, n), old
	}

	if lvl, ri, ok := t.rightSeparator(st); ok {
		sn := t.node(st[lvl].ref)
		free := sn.avail(ri)
		switch {
		case free > delta:
			n := runcode.Encode(rec[:], size, false)
			if !l.fits(cur.begin, cur.end, n) {
				l.overflow()
				return retrySplit, old
			}
			l.splice(cur.begin, cur.end, rec[:n])
			sn.set(ri, sn.slot(ri).Add(delta), free-delta)
			t.propagate(st, leafLevel)
			t.propagate(st, lvl)
			return resized, old
		case free == delta:
			// The separator takes the grown run over and the record goes away.
			l.splice(cur.begin, cur.end, nil)
			sn.set(ri, p, 0)
			t.propagate(st, leafLevel)
			t.propagate(st, lvl)
			if t.isUnderflow(st, leafLevel) {
				t.rebalance(st, leafLevel)
			}
			return resized, old
		}
		return relocate, old
	}

	// The run is the last one of the heap.
	end := p.Add(size)
	if cur.limit() != t.heap.Break() || end < p {
		return relocate, old
	}
	n := runcode.Encode(rec[:], size, false)
	if !l.fits(cur.begin, cur.end, n) {
		l.overflow()
		return retrySplit, old
	}
	if err := t.heap.SetBreak(end); err != nil {
		return relocate, old
	}
	t.stats.Grows++
	return replace(cur.begin, cur.end, n), old
}

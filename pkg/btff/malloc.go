package btff

import (
	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/runcode"
)

// malloc returns the lowest addressed free run of at least size bytes, growing the heap when
// there is none. size is a positive multiple of Alignment.
func (t *tree) malloc(st *stack, size uint64) (addr.Addr, error) {
	if t.root == addr.Null || st[t.rootLevel].available < size {
		return t.growTail(st, Alignment, size)
	}

	level, split := t.rootLevel, false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		at, i, ok := t.searchAvailable(st, level, size, split)
		if !ok {
			panic(corrupt("no free run of %d bytes below level %d, root advertises %d", size, level, st[t.rootLevel].available))
		}
		if at < leafLevel {
			if p, ok := t.carveSeparator(st, at, i, size); ok {
				return p, nil
			}
			level, split = t.rootLevel, false
			continue
		}
		if p, ok := t.carveLeaf(st, size); ok {
			return p, nil
		}
		level, split = t.overflow(st, leafLevel), true
	}
	panic(corrupt("allocation of %d bytes did not settle", size))
}

// carveSeparator allocates from free separator i of the node at level. A remainder moves to
// the front of the following leaf. When that leaf has no room it is split and ok is false.
func (t *tree) carveSeparator(st *stack, level, i int, size uint64) (addr.Addr, bool) {
	n := t.node(st[level].ref)
	p, length := n.slot(i), n.avail(i)
	if length == size {
		n.setAvail(i, 0)
		t.propagate(st, level)
		return p, true
	}

	l := t.rightLeaf(st, level, i)
	rem, end := length-size, 0
	if first, ok := l.first(); ok && first.free {
		rem += first.length
		end = first.end
	}
	var rec [runcode.MaxWidth]byte
	w := runcode.Encode(rec[:], rem, true)
	if !l.fits(0, end, w) {
		l.overflow()
		t.splitPath(st, t.overflow(st, leafLevel))
		return addr.Null, false
	}
	l.splice(0, end, rec[:w])
	l.setBase(p.Add(size))
	n.setAvail(i, 0)
	t.propagate(st, leafLevel)
	t.propagate(st, level)
	return p, true
}

// carveLeaf allocates from the first large enough free record of the leaf on the stack. When
// the remainder does not fit the leaf is forced full and ok is false.
func (t *tree) carveLeaf(st *stack, size uint64) (addr.Addr, bool) {
	l := t.leaf(st[leafLevel].ref)
	r, ok := l.searchFree(size)
	if !ok {
		panic(corrupt("leaf at %v advertises %d free bytes but has no such run", l.base(), st[leafLevel].available))
	}
	if r.length == size {
		runcode.SetFree(l.data()[r.begin:r.end], false)
		t.propagate(st, leafLevel)
		return r.addr, true
	}

	var rec [2 * runcode.MaxWidth]byte
	n := runcode.Encode(rec[:], size, false)
	n += runcode.Encode(rec[n:], r.length-size, true)
	if !l.fits(r.begin, r.end, n) {
		l.overflow()
		return addr.Null, false
	}
	last := r.end == l.size()
	l.splice(r.begin, r.end, rec[:n])
	t.propagate(st, leafLevel)
	if last && t.atFarRight(st) {
		t.trimTail(st)
	}
	return r.addr, true
}

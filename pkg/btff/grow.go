package btff

import (
	"fmt"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/runcode"
)

// growTail serves size bytes at alignment from the end of the heap. The break is moved before
// the tree is touched, so on failure the tree is unchanged.
func (t *tree) growTail(st *stack, alignment, size uint64) (addr.Addr, error) {
	brk := t.heap.Break()
	aligned, ok := addr.CheckedAlignUp(uint64(brk), Alignment)
	if !ok {
		return addr.Null, ErrSizeOverflow
	}

	start := addr.Addr(aligned)
	var gap uint64
	var tail record
	var reuse bool
	if t.root != addr.Null {
		l := t.farRightLeaf(st, t.rootLevel)
		end := l.end()
		switch {
		case end > brk:
			panic(corrupt("tree ends at %v above the break %v", end, brk))
		case end < brk:
			// Someone else moved the break; the gap becomes a used run.
			gap = start.Sub(end)
		default:
			if last, _, ok := l.last(); ok && last.free {
				tail, reuse = last, true
				start = last.addr
			}
		}
	}

	p, ok := addr.CheckedAlignUp(uint64(start), alignment)
	if !ok {
		return addr.Null, ErrSizeOverflow
	}
	newBrk := p + size
	if newBrk < p {
		return addr.Null, ErrSizeOverflow
	}
	// A reused tail can be larger than the request; the break only ever moves up here.
	grow := addr.Addr(newBrk) > brk
	if grow {
		if err := t.heap.SetBreak(addr.Addr(newBrk)); err != nil {
			return addr.Null, fmt.Errorf("%w: grow to %v: %w", ErrHeapExhausted, addr.Addr(newBrk), err)
		}
		t.stats.Grows++
		t.log.Debug("btff: heap grown", "from", brk, "to", addr.Addr(newBrk), "size", size)
	}

	if t.root == addr.Null {
		ref, _ := t.newLeaf(start)
		t.root, t.rootLevel = ref, leafLevel
		st[leafLevel] = frame{ref: ref, child: -1}
	}
	if gap > 0 {
		t.appendTail(st, gap, false)
	}
	if reuse {
		l := t.leaf(st[leafLevel].ref)
		l.splice(tail.begin, tail.end, nil)
		t.propagate(st, leafLevel)
	}
	if pad := addr.Addr(p).Sub(start); pad > 0 {
		t.appendTail(st, pad, true)
	}
	t.appendTail(st, size, false)
	if !grow && addr.Addr(newBrk) < brk {
		t.appendTail(st, brk.Sub(addr.Addr(newBrk)), true)
	}
	return addr.Addr(p), nil
}

// appendTail appends a run to the rightmost leaf, splitting it first when it is full. The
// stack must lead to the rightmost leaf.
func (t *tree) appendTail(st *stack, length uint64, free bool) {
	var rec [runcode.MaxWidth]byte
	n := runcode.Encode(rec[:], length, free)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		l := t.leaf(st[leafLevel].ref)
		if l.fits(l.size(), l.size(), n) {
			l.splice(l.size(), l.size(), rec[:n])
			t.propagate(st, leafLevel)
			return
		}
		l.overflow()
		t.splitPath(st, t.overflow(st, leafLevel))
		t.farRightLeaf(st, t.rootLevel)
	}
	panic(corrupt("no room for a run at the end of the heap"))
}

// trimTail gives a free run at the very end of the heap back to the break.
func (t *tree) trimTail(st *stack) {
	for t.root != addr.Null {
		l := t.farRightLeaf(st, t.rootLevel)
		last, _, ok := l.last()
		if !ok || !last.free || last.limit() != t.heap.Break() {
			return
		}
		if err := t.heap.SetBreak(last.addr); err != nil {
			t.log.Warn("btff: heap shrink refused", "to", last.addr, "err", err)
			return
		}
		t.stats.Shrinks++
		t.log.Debug("btff: heap shrunk", "to", last.addr, "released", last.length)
		l.splice(last.begin, last.end, nil)
		t.propagate(st, leafLevel)
		if t.isUnderflow(st, leafLevel) {
			t.rebalance(st, leafLevel)
		}
	}
}

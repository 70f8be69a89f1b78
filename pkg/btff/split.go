package btff

import (
	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/runcode"
)

const (
	// A pair of siblings is rebalanced only when one exceeds the other by this much.
	nodeShiftThreshold = 4
	leafShiftThreshold = 10
)

func freeLength(r record) uint64 {
	if r.free {
		return r.length
	}
	return 0
}

// split splits the full child i of the node at level. The child keeps its lower half, the
// middle slot or run moves up into the parent as a separator and a new sibling right of it
// takes the rest. The parent must have room for two more slots.
func (t *tree) split(st *stack, level, i int) {
	p := t.node(st[level].ref)
	if p.size()+2 > nodeSize {
		panic(corrupt("split below a full node at level %d", level))
	}

	if level+1 < leafLevel {
		lref := p.slot(i)
		l := t.node(lref)
		rref, r := t.newNode(level + 1)
		r.copySlots(0, l, nodeMiddle+1, nodeMiddle)
		r.setSize(nodeMiddle)

		p.copySlots(i+3, p, i+1, p.size()-(i+1))
		p.setSize(p.size() + 2)
		p.set(i+1, l.slot(nodeMiddle), l.avail(nodeMiddle))
		p.set(i+2, rref, r.maxAvail(0, nodeMiddle))

		l.clearSlots(nodeMiddle, nodeSize)
		l.setSize(nodeMiddle)
		p.setAvail(i, l.maxAvail(0, nodeMiddle))
	} else {
		lref := p.slot(i)
		l := t.leaf(lref)

		// The record crossing the middle becomes the separator.
		var sep record
		var found bool
		var leftMax uint64
		for r := range l.records() {
			if r.end > leafMiddle {
				sep, found = r, true
				break
			}
			leftMax = max(leftMax, freeLength(r))
		}
		if !found || sep.length == 0 {
			panic(corrupt("leaf at %v: no run to promote at offset %d", l.base(), leafMiddle))
		}

		rref, r := t.newLeaf(sep.limit())
		for rec := range l.scan(sep.end, sep.limit()) {
			if rec.length == 0 {
				continue
			}
			r.splice(r.size(), r.size(), l.data()[rec.begin:rec.end])
		}
		l.setSize(sep.begin)

		p.copySlots(i+3, p, i+1, p.size()-(i+1))
		p.setSize(p.size() + 2)
		p.setAvail(i, leftMax)
		p.set(i+1, sep.addr, freeLength(sep))
		p.set(i+2, rref, r.maxFree())
	}
	t.stats.Splits++
}

// splitPath splits every full cell on the stack below level, which must not be full itself.
// The stack keeps pointing at the half that holds the original path; the leaf it ends on
// afterwards is one of the two halves of the split leaf.
func (t *tree) splitPath(st *stack, level int) {
	for ; level < leafLevel; level++ {
		if !t.isFull(st, level+1) {
			continue
		}
		i, j := st[level].child, st[level+1].child
		t.split(st, level, i)
		if level+1 < leafLevel && j > nodeMiddle {
			i += 2
			j -= nodeMiddle + 1
		}
		n := t.node(st[level].ref)
		st[level].child = i
		st[level+1] = frame{available: n.avail(i), ref: n.slot(i), child: j}
	}
}

// overflow returns the deepest level at or above level whose cell on the stack is not full.
// When every cell up to the root is full the tree grows a new root.
func (t *tree) overflow(st *stack, level int) int {
	for ; level >= t.rootLevel; level-- {
		if !t.isFull(st, level) {
			return level
		}
	}
	if t.rootLevel == 0 {
		panic(corrupt("tree height limit reached"))
	}
	ref, n := t.newNode(t.rootLevel - 1)
	n.set(0, t.root, st[t.rootLevel].available)
	n.setSize(1)
	t.root = ref
	t.rootLevel--
	st[t.rootLevel] = frame{available: st[t.rootLevel+1].available, ref: ref, child: 0}
	t.stats.RootGrowths++
	t.log.Debug("btff: root grown", "height", t.height())
	return t.rootLevel
}

// merge fuses the children around separator middle of the node at level if the result fits.
func (t *tree) merge(st *stack, level, middle int) bool {
	p := t.node(st[level].ref)
	if level+1 < leafLevel {
		l, r := t.node(p.slot(middle-1)), t.node(p.slot(middle+1))
		ls, rs := l.size(), r.size()
		if ls+1+rs > nodeSize {
			return false
		}
		l.set(ls, p.slot(middle), p.avail(middle))
		l.copySlots(ls+1, r, 0, rs)
		l.setSize(ls + 1 + rs)
	} else {
		l, r := t.leaf(p.slot(middle-1)), t.leaf(p.slot(middle+1))
		var sep [runcode.MaxWidth]byte
		w := runcode.Encode(sep[:], r.base().Sub(p.slot(middle)), p.avail(middle) > 0)
		if l.size()+w+r.size() > leafCapacity {
			return false
		}
		l.splice(l.size(), l.size(), sep[:w])
		l.splice(l.size(), l.size(), r.data())
	}
	t.release(p.slot(middle + 1))

	p.setAvail(middle-1, p.maxAvail(middle-1, middle+2))
	p.copySlots(middle, p, middle+2, p.size()-(middle+2))
	p.clearSlots(p.size()-2, p.size())
	p.setSize(p.size() - 2)
	t.stats.Merges++
	return true
}

type shiftRun struct {
	length uint64
	free   bool
	width  int
}

// shift moves slots or runs across separator middle of the node at level until both children
// are about even. It does nothing when they already differ by less than the threshold.
func (t *tree) shift(st *stack, level, middle int) {
	p := t.node(st[level].ref)
	if level+1 < leafLevel {
		t.shiftNodes(p, middle)
	} else {
		t.shiftLeaves(p, middle)
	}
}

func (t *tree) shiftNodes(p node, middle int) {
	l, r := t.node(p.slot(middle-1)), t.node(p.slot(middle+1))
	ls, rs := l.size(), r.size()
	if ls+nodeShiftThreshold > rs && rs+nodeShiftThreshold > ls {
		return
	}

	var slots [2*nodeSize + 1]addr.Addr
	var avails [2*nodeSize + 1]uint64
	n := 0
	for i := 0; i < ls; i++ {
		slots[n], avails[n] = l.slot(i), l.avail(i)
		n++
	}
	slots[n], avails[n] = p.slot(middle), p.avail(middle)
	n++
	for i := 0; i < rs; i++ {
		slots[n], avails[n] = r.slot(i), r.avail(i)
		n++
	}

	k := (n - 1) / 2
	if k%2 == 0 {
		k--
	}
	l.clearSlots(0, nodeSize)
	r.clearSlots(0, nodeSize)
	for i := 0; i < k; i++ {
		l.set(i, slots[i], avails[i])
	}
	for i := k + 1; i < n; i++ {
		r.set(i-k-1, slots[i], avails[i])
	}
	l.setSize(k)
	r.setSize(n - k - 1)

	p.setAvail(middle-1, l.maxAvail(0, l.size()))
	p.set(middle, slots[k], avails[k])
	p.setAvail(middle+1, r.maxAvail(0, r.size()))
	t.stats.Shifts++
}

func (t *tree) shiftLeaves(p node, middle int) {
	l, r := t.leaf(p.slot(middle-1)), t.leaf(p.slot(middle+1))
	ls, rs := l.size(), r.size()
	if ls+leafShiftThreshold > rs && rs+leafShiftThreshold > ls {
		return
	}

	var runs [2*leafCapacity + 1]shiftRun
	n := 0
	for rec := range l.records() {
		runs[n] = shiftRun{rec.length, rec.free, rec.end - rec.begin}
		n++
	}
	sepIdx := n
	sepLen := r.base().Sub(p.slot(middle))
	runs[n] = shiftRun{sepLen, p.avail(middle) > 0, runcode.Width(sepLen)}
	n++
	for rec := range r.records() {
		runs[n] = shiftRun{rec.length, rec.free, rec.end - rec.begin}
		n++
	}

	total := 0
	for _, run := range runs[:n] {
		total += run.width
	}

	// Pick the separator that leaves the two leaves closest in size.
	best, bestCost := sepIdx, ls-rs
	if bestCost < 0 {
		bestCost = -bestCost
	}
	left := 0
	for q := 0; q < n; q++ {
		right := total - left - runs[q].width
		if left <= leafCapacity && right <= leafCapacity {
			cost := left - right
			if cost < 0 {
				cost = -cost
			}
			if cost < bestCost {
				best, bestCost = q, cost
			}
		}
		left += runs[q].width
	}
	if best == sepIdx {
		return
	}

	base := l.base()
	sepAddr := base
	for _, run := range runs[:best] {
		sepAddr = sepAddr.Add(run.length)
	}
	l.setSize(0)
	for _, run := range runs[:best] {
		appendRun(l, run.length, run.free)
	}
	r.setSize(0)
	r.setBase(sepAddr.Add(runs[best].length))
	for _, run := range runs[best+1 : n] {
		appendRun(r, run.length, run.free)
	}

	p.setAvail(middle-1, l.maxFree())
	sepFree := uint64(0)
	if runs[best].free {
		sepFree = runs[best].length
	}
	p.set(middle, sepAddr, sepFree)
	p.setAvail(middle+1, r.maxFree())
	t.stats.Shifts++
}

func appendRun(l leaf, length uint64, free bool) {
	var rec [runcode.MaxWidth]byte
	n := runcode.Encode(rec[:], length, free)
	l.splice(l.size(), l.size(), rec[:n])
}

// rebalance repairs underflow from the cell at level upwards by merging with or shifting from
// a sibling, then collapses the root if it was left with a single child. Frames below the
// returned level are no longer valid; the root frame is.
func (t *tree) rebalance(st *stack, level int) int {
	for level > t.rootLevel {
		if !t.isUnderflow(st, level) {
			return level
		}
		level--
		n := t.node(st[level].ref)
		i := st[level].child
		if i < 0 || i >= n.size() || i%2 != 0 {
			panic(corrupt("rebalance through slot %d of a %d slot node at level %d", i, n.size(), level))
		}
		var middle int
		switch {
		case i+2 < n.size():
			middle = i + 1
		case i >= 2:
			middle = i - 1
		default:
			return level
		}
		if t.merge(st, level, middle) {
			st[level].child = middle - 1
			st[level+1] = frame{available: n.avail(middle - 1), ref: n.slot(middle - 1), child: -1}
		} else {
			t.shift(st, level, middle)
			st[level].child = -1
			st[level+1] = frame{child: -1}
		}
	}
	t.collapse(st)
	return t.rootLevel
}

func (t *tree) collapse(st *stack) {
	if t.rootLevel < leafLevel {
		n := t.node(t.root)
		if n.size() > 1 {
			return
		}
		child, avail := n.slot(0), n.avail(0)
		t.release(t.root)
		t.root = child
		t.rootLevel++
		st[t.rootLevel] = frame{available: avail, ref: child, child: -1}
		t.stats.RootCollapses++
		t.log.Debug("btff: root collapsed", "height", t.height())
		return
	}
	if t.root != addr.Null && t.leaf(t.root).size() == 0 {
		t.release(t.root)
		t.root = addr.Null
		st[leafLevel] = frame{child: -1}
		t.log.Debug("btff: tree emptied")
	}
}

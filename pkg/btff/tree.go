package btff

import (
	"log/slog"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/cellarena"
	"github.com/garethgeorge/gobtff/internal/heap"
)

// maxAttempts bounds every search and retry loop. Each retry is caused by a split, and a
// path never holds more splits than the tree has levels.
const maxAttempts = leafLevel + 4

// frame records one level of a descent: the cell, the index of the child taken from it and
// the largest free run below the cell, which is also the value cached for it in its parent.
type frame struct {
	available uint64
	ref       addr.Addr
	child     int
}

type stack [leafLevel + 1]frame

type tree struct {
	cells *cellarena.Arena
	heap  heap.Heap
	log   *slog.Logger

	root      addr.Addr
	rootLevel int
	available uint64

	stats Stats
}

func newTree(cells *cellarena.Arena, h heap.Heap, log *slog.Logger) *tree {
	return &tree{cells: cells, heap: h, log: log, rootLevel: leafLevel}
}

func (t *tree) begin(st *stack) {
	st[t.rootLevel] = frame{available: t.available, ref: t.root, child: -1}
}

func (t *tree) commit(st *stack) {
	if t.root == addr.Null {
		t.available = 0
		return
	}
	t.available = st[t.rootLevel].available
}

func (t *tree) node(ref addr.Addr) node {
	return node(t.cells.Bytes(ref))
}

func (t *tree) leaf(ref addr.Addr) leaf {
	return leaf(t.cells.Bytes(ref))
}

func (t *tree) alloc() addr.Addr {
	ref, err := t.cells.Alloc()
	if err != nil {
		panic(&FatalError{Err: ErrMetadataExhausted, Detail: err.Error()})
	}
	return ref
}

func (t *tree) newNode(level int) (addr.Addr, node) {
	ref := t.alloc()
	n := t.node(ref)
	n.setLevel(level)
	return ref, n
}

func (t *tree) newLeaf(base addr.Addr) (addr.Addr, leaf) {
	ref := t.alloc()
	l := t.leaf(ref)
	l.setBase(base)
	return ref, l
}

func (t *tree) release(ref addr.Addr) {
	t.cells.Release(ref)
}

func (t *tree) isFull(st *stack, level int) bool {
	if level == leafLevel {
		return t.leaf(st[level].ref).size() >= leafCapacity
	}
	return t.node(st[level].ref).size() >= nodeSize
}

func (t *tree) isUnderflow(st *stack, level int) bool {
	if level == leafLevel {
		return t.leaf(st[level].ref).size() <= leafMiddle
	}
	return t.node(st[level].ref).size() <= nodeMiddle
}

// height is the number of levels, 0 for an empty tree.
func (t *tree) height() int {
	if t.root == addr.Null {
		return 0
	}
	return leafLevel - t.rootLevel + 1
}

// sepEnd returns the end of separator i of n, which sits at level: the base of the leftmost
// leaf of the following child.
func (t *tree) sepEnd(level int, n node, i int) addr.Addr {
	ref := n.slot(i + 1)
	for lvl := level + 1; lvl < leafLevel; lvl++ {
		ref = t.node(ref).slot(0)
	}
	return t.leaf(ref).base()
}

// sepLength is the length of separator i of n, free or not.
func (t *tree) sepLength(level int, n node, i int) uint64 {
	return t.sepEnd(level, n, i).Sub(n.slot(i))
}

// propagate recomputes the cached maximum of the cell at level and of every ancestor on the
// stack, stopping at the first one whose value did not change.
func (t *tree) propagate(st *stack, level int) {
	for ; level >= t.rootLevel; level-- {
		var v uint64
		if level == leafLevel {
			v = t.leaf(st[level].ref).maxFree()
		} else {
			n := t.node(st[level].ref)
			v = n.maxAvail(0, n.size())
		}
		if v == st[level].available {
			return
		}
		st[level].available = v
		if level > t.rootLevel {
			t.node(st[level-1].ref).setAvail(st[level-1].child, v)
		}
	}
}

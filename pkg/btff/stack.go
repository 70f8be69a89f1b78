package btff

// enter descends from the node at level into its child i. With split set a full child is split
// instead and enter returns false; the caller rescans the node, whose slots moved.
func (t *tree) enter(st *stack, level, i int, split bool) bool {
	n := t.node(st[level].ref)
	st[level].child = i
	st[level+1] = frame{available: n.avail(i), ref: n.slot(i), child: -1}
	if split && t.isFull(st, level+1) {
		t.split(st, level, i)
		return false
	}
	return true
}

func (t *tree) farLeftLeaf(st *stack, level int) leaf {
	for ; level < leafLevel; level++ {
		t.enter(st, level, 0, false)
	}
	return t.leaf(st[leafLevel].ref)
}

func (t *tree) farRightLeaf(st *stack, level int) leaf {
	for ; level < leafLevel; level++ {
		t.enter(st, level, t.node(st[level].ref).size()-1, false)
	}
	return t.leaf(st[leafLevel].ref)
}

// rightLeaf and leftLeaf descend to the leaf right after and right before separator i of the
// node at level.
func (t *tree) rightLeaf(st *stack, level, i int) leaf {
	t.enter(st, level, i+1, false)
	return t.farLeftLeaf(st, level+1)
}

func (t *tree) leftLeaf(st *stack, level, i int) leaf {
	t.enter(st, level, i-1, false)
	return t.farRightLeaf(st, level+1)
}

// rightSeparator finds the separator that follows the leaf on the stack, at the deepest level
// that has one.
func (t *tree) rightSeparator(st *stack) (level, i int, ok bool) {
	for level = leafLevel - 1; level >= t.rootLevel; level-- {
		if c := st[level].child; c+1 < t.node(st[level].ref).size() {
			return level, c + 1, true
		}
	}
	return 0, 0, false
}

func (t *tree) leftSeparator(st *stack) (level, i int, ok bool) {
	for level = leafLevel - 1; level >= t.rootLevel; level-- {
		if c := st[level].child; c > 0 {
			return level, c - 1, true
		}
	}
	return 0, 0, false
}

// atFarRight reports whether the stack leads to the rightmost leaf.
func (t *tree) atFarRight(st *stack) bool {
	for level := t.rootLevel; level < leafLevel; level++ {
		if st[level].child != t.node(st[level].ref).size()-1 {
			return false
		}
	}
	return true
}

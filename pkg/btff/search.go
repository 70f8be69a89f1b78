package btff

import "github.com/garethgeorge/gobtff/internal/addr"

// searchAvailable descends from level to the first run, in address order, of at least size
// free bytes. It returns the level and slot of a separator, or leafLevel when the run is in
// the leaf left on the stack. ok is false if no run below level is large enough.
func (t *tree) searchAvailable(st *stack, level int, size uint64, split bool) (int, int, bool) {
	for ; level < leafLevel; level++ {
		n := t.node(st[level].ref)
		i := 0
		for {
			for i < n.size() && n.avail(i) < size {
				i++
			}
			if i == n.size() {
				return 0, 0, false
			}
			if i%2 == 1 {
				return level, i, true
			}
			if t.enter(st, level, i, split) {
				break
			}
		}
	}
	return leafLevel, 0, true
}

// searchAddress descends from level towards the run starting at p. It returns the level and
// slot of a separator starting at p, otherwise leafLevel with the leaf that would hold p on
// the stack. Free separators are returned too; callers decide whether that is an error.
func (t *tree) searchAddress(st *stack, level int, p addr.Addr, split bool) (int, int) {
	for ; level < leafLevel; level++ {
		n := t.node(st[level].ref)
		i := 1
		for {
			for i < n.size() && n.slot(i) < p {
				i += 2
			}
			if i < n.size() && n.slot(i) == p {
				return level, i
			}
			if t.enter(st, level, i-1, split) {
				break
			}
		}
	}
	return leafLevel, 0
}

package btff

import (
	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/runcode"
)

// LeafLevel is the Level of runs held in leaves.
const LeafLevel = leafLevel

// Run is one tile of the managed range.
type Run struct {
	Addr   Addr   `json:"addr"`
	Length uint64 `json:"length"`
	Free   bool   `json:"free"`
	// Level is LeafLevel for runs held in a leaf, lower for separators.
	Level int `json:"level"`
}

func (r Run) End() Addr {
	return r.Addr.Add(r.Length)
}

// decodeLeaf decodes a leaf without trusting it.
func decodeLeaf(v *Violations, l leaf) []record {
	if l.size() > leafCapacity {
		v.add("leaf at %v: %d bytes of records exceed capacity %d", l.base(), l.size(), leafCapacity)
		return nil
	}
	var out []record
	data := l.data()
	at := l.base()
	for off := 0; off < len(data); {
		length, free, n := runcode.Decode(data[off:])
		if n == 0 {
			v.add("leaf at %v: truncated record at offset %d of %d", l.base(), off, len(data))
			break
		}
		out = append(out, record{begin: off, end: off + n, addr: at, length: length, free: free})
		off += n
		at = at.Add(length)
	}
	return out
}

func (t *tree) checkAvailable() error {
	v := &Violations{Title: "max-free check"}
	if t.root == addr.Null {
		if t.available != 0 {
			v.add("empty tree caches %d free bytes", t.available)
		}
		return v.err()
	}
	if got := t.walkAvailable(v, t.root, t.rootLevel); got != t.available {
		v.add("root caches %d free bytes, tree holds %d", t.available, got)
	}
	return v.err()
}

func (t *tree) walkAvailable(v *Violations, ref addr.Addr, level int) uint64 {
	var m uint64
	if level == leafLevel {
		for _, r := range decodeLeaf(v, t.leaf(ref)) {
			m = max(m, freeLength(r))
		}
		return m
	}
	n := t.node(ref)
	if n.size() > nodeSize {
		v.add("node %v: %d slots", ref, n.size())
		return n.maxAvail(0, nodeSize)
	}
	for i := 0; i < n.size(); i++ {
		got := n.avail(i)
		if i%2 == 0 {
			if want := t.walkAvailable(v, n.slot(i), level+1); got != want {
				v.add("node %v slot %d: caches %d free bytes, subtree holds %d", ref, i, got, want)
			}
		} else if got > 0 {
			if end := t.sepEnd(level, n, i); end <= n.slot(i) || end.Sub(n.slot(i)) != got {
				v.add("node %v slot %d: free separator at %v caches %d bytes, runs to %v", ref, i, n.slot(i), got, end)
			}
		}
		m = max(m, got)
	}
	return m
}

// walker visits every run in address order and checks that the runs tile the range.
type walker struct {
	t *tree
	v *Violations

	started  bool
	next     addr.Addr
	prevFree bool

	emit func(Run)
}

func (w *walker) run(r Run) {
	switch {
	case !w.started:
	case r.Addr != w.next:
		w.v.add("run at %v: expected the next run at %v", r.Addr, w.next)
	case w.prevFree && r.Free:
		w.v.add("run at %v: free run follows a free run", r.Addr)
	}
	if r.Length == 0 {
		w.v.add("run at %v: zero length", r.Addr)
	}
	w.started = true
	w.next = r.End()
	w.prevFree = r.Free
	if w.emit != nil {
		w.emit(r)
	}
}

func (w *walker) walk(ref addr.Addr, level int, root bool) {
	if level == leafLevel {
		l := w.t.leaf(ref)
		if w.started && l.base() != w.next {
			w.v.add("leaf at %v: expected base %v", l.base(), w.next)
		}
		if !w.started {
			w.started, w.next = true, l.base()
		}
		for _, r := range decodeLeaf(w.v, l) {
			w.run(Run{Addr: r.addr, Length: r.length, Free: r.free, Level: leafLevel})
		}
		return
	}

	n := w.t.node(ref)
	if n.level() != level {
		w.v.add("node %v: stored level %d, found at %d", ref, n.level(), level)
	}
	size := n.size()
	switch {
	case size%2 == 0 || size > nodeSize:
		w.v.add("node %v: invalid slot count %d", ref, size)
		return
	case root && size < 3:
		w.v.add("node %v: root with %d slots", ref, size)
	case !root && size < nodeMiddle:
		w.v.add("node %v: %d slots, minimum is %d", ref, size, nodeMiddle)
	}
	for i := 0; i < size; i++ {
		if i%2 == 0 {
			w.walk(n.slot(i), level+1, false)
			continue
		}
		sep, end := n.slot(i), w.t.sepEnd(level, n, i)
		if end <= sep {
			w.v.add("node %v slot %d: separator at %v does not end before %v", ref, i, sep, end)
			w.started, w.next = true, end
			continue
		}
		w.run(Run{Addr: sep, Length: end.Sub(sep), Free: n.avail(i) > 0, Level: level})
	}
}

func (t *tree) checkStructure() error {
	v := &Violations{Title: "structure check"}
	if t.root == addr.Null {
		return v.err()
	}
	w := walker{t: t, v: v}
	w.walk(t.root, t.rootLevel, true)
	if brk := t.heap.Break(); w.next != brk {
		v.add("runs end at %v, break is %v", w.next, brk)
	}
	return v.err()
}

func (t *tree) runs() []Run {
	var out []Run
	if t.root == addr.Null {
		return out
	}
	w := walker{t: t, v: &Violations{}, emit: func(r Run) { out = append(out, r) }}
	w.walk(t.root, t.rootLevel, true)
	return out
}

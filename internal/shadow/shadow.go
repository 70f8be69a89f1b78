// Package shadow is a reference model of a first-fit heap: free ranges coalesce eagerly, a
// free range at the end of the heap is given back to the break and allocation picks the
// lowest addressed free range that fits, growing the heap at the break otherwise.
//
// It is used as an oracle for the allocator: after every call the runs the allocator reports
// must match the model's live and free ranges exactly.
package shadow

import (
	"fmt"

	"github.com/google/btree"

	"github.com/garethgeorge/gobtff/internal/addr"
)

type freeRangeBySize struct {
	size  uint64
	start addr.Addr
}

// Model tracks one heap. It is not thread-safe.
type Model struct {
	Base  addr.Addr
	Break addr.Addr

	LiveBytes uint64
	FreeBytes uint64

	// Live and free hold ranges ordered by start address.
	live     *btree.BTreeG[addr.Range]
	free     *btree.BTreeG[addr.Range]
	freeSize *btree.BTreeG[freeRangeBySize]
}

func byStart(a, b addr.Range) bool {
	return a.Start < b.Start
}

// New returns a model of an empty heap whose break is at base.
func New(base addr.Addr) *Model {
	base = base.AlignUp(addr.Alignment)
	return &Model{
		Base:  base,
		Break: base,
		live:  btree.NewG[addr.Range](32, byStart),
		free:  btree.NewG[addr.Range](32, byStart),
		freeSize: btree.NewG[freeRangeBySize](32, func(a, b freeRangeBySize) bool {
			if a.size != b.size {
				return a.size < b.size
			}
			return a.start < b.start
		}),
	}
}

func (m *Model) addFree(r addr.Range) {
	if r.Size() == 0 {
		return
	}
	m.free.ReplaceOrInsert(r)
	m.freeSize.ReplaceOrInsert(freeRangeBySize{size: r.Size(), start: r.Start})
	m.FreeBytes += r.Size()
}

func (m *Model) removeFree(r addr.Range) {
	m.free.Delete(r)
	m.freeSize.Delete(freeRangeBySize{size: r.Size(), start: r.Start})
	m.FreeBytes -= r.Size()
}

// Largest returns the size of the largest free range.
func (m *Model) Largest() uint64 {
	if item, ok := m.freeSize.Max(); ok {
		return item.size
	}
	return 0
}

// FirstFit returns the lowest addressed free range of at least size bytes.
func (m *Model) FirstFit(size uint64) (addr.Range, bool) {
	if m.Largest() < size {
		return addr.Range{}, false
	}
	var found addr.Range
	var ok bool
	m.free.Ascend(func(r addr.Range) bool {
		if r.Size() >= size {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

// Allocate predicts and records a first-fit allocation of size bytes, which is rounded up
// to the alignment.
func (m *Model) Allocate(size uint64) addr.Range {
	size = addr.AlignUp(size, addr.Alignment)
	r := addr.RangeOf(m.Break, size)
	if f, ok := m.FirstFit(size); ok {
		r = addr.RangeOf(f.Start, size)
	}
	if err := m.MarkLive(r); err != nil {
		panic(fmt.Sprintf("shadow: predicted range %v: %v", r, err))
	}
	return r
}

func (m *Model) containingFree(r addr.Range) (addr.Range, bool) {
	var found addr.Range
	var ok bool
	m.free.DescendLessOrEqual(addr.Range{Start: r.Start}, func(item addr.Range) bool {
		if item.End >= r.End {
			found, ok = item, true
		}
		return false
	})
	return found, ok
}

// MarkLive records an allocation observed at r. r must lie in free space or above the break;
// the break moves up to r.End and the skipped part becomes free.
func (m *Model) MarkLive(r addr.Range) error {
	if r.Size() == 0 {
		return nil
	}
	if !r.Start.IsAligned(addr.Alignment) || r.Size()%addr.Alignment != 0 {
		return fmt.Errorf("%w: %v", ErrUnaligned, r)
	}
	if r.Start < m.Base {
		return fmt.Errorf("%w: %v", ErrNotFree, r)
	}
	if r.End > m.Break {
		tail := addr.Range{Start: m.Break, End: r.End}
		if last, ok := m.free.Max(); ok && last.End == m.Break {
			m.removeFree(last)
			tail = last.Merge(tail)
		}
		m.addFree(tail)
		m.Break = r.End
	}

	f, ok := m.containingFree(r)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFree, r)
	}
	m.removeFree(f)
	m.addFree(addr.Range{Start: f.Start, End: r.Start})
	m.addFree(addr.Range{Start: r.End, End: f.End})
	m.live.ReplaceOrInsert(r)
	m.LiveBytes += r.Size()
	return nil
}

// Free releases the live allocation at start, coalesces it and trims the heap tail.
func (m *Model) Free(start addr.Addr) (addr.Range, error) {
	r, ok := m.live.Get(addr.Range{Start: start})
	if !ok {
		return addr.Range{}, fmt.Errorf("%w: %v", ErrNotLive, start)
	}
	m.live.Delete(r)
	m.LiveBytes -= r.Size()

	merged := r
	m.free.DescendLessOrEqual(addr.Range{Start: r.Start}, func(item addr.Range) bool {
		if item.End == r.Start {
			m.removeFree(item)
			merged = merged.Merge(item)
		}
		return false
	})
	if after, ok := m.free.Get(addr.Range{Start: r.End}); ok {
		m.removeFree(after)
		merged = merged.Merge(after)
	}

	if merged.End == m.Break {
		m.Break = merged.Start
	} else {
		m.addFree(merged)
	}
	return r, nil
}

// Resize records a resize of the allocation at old that ended up at r. In place resizes
// release first; moves allocate first, exactly like the allocator.
func (m *Model) Resize(old addr.Addr, r addr.Range) error {
	if r.Start == old {
		if _, err := m.Free(old); err != nil {
			return err
		}
		return m.MarkLive(r)
	}
	if _, ok := m.live.Get(addr.Range{Start: old}); !ok {
		return fmt.Errorf("%w: %v", ErrNotLive, old)
	}
	if err := m.MarkLive(r); err != nil {
		return err
	}
	_, err := m.Free(old)
	return err
}

func (m *Model) Lookup(start addr.Addr) (addr.Range, bool) {
	return m.live.Get(addr.Range{Start: start})
}

func (m *Model) Len() int {
	return m.live.Len()
}

// Overlapping returns a live allocation that overlaps r, if any.
func (m *Model) Overlapping(r addr.Range) (addr.Range, bool) {
	var found addr.Range
	var ok bool
	m.live.DescendLessOrEqual(addr.Range{Start: r.End}, func(item addr.Range) bool {
		if item.Overlaps(r) {
			found, ok = item, true
			return false
		}
		return item.End > r.Start
	})
	return found, ok
}

// Live returns every live allocation in address order.
func (m *Model) Live() []addr.Range {
	out := make([]addr.Range, 0, m.live.Len())
	m.live.Ascend(func(r addr.Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Free ranges in address order.
func (m *Model) FreeRanges() []addr.Range {
	out := make([]addr.Range, 0, m.free.Len())
	m.free.Ascend(func(r addr.Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

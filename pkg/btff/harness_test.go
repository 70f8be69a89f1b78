package btff

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/heap"
	"github.com/garethgeorge/gobtff/internal/pagesource"
	"github.com/garethgeorge/gobtff/internal/shadow"
)

const (
	testHeapBase  = Addr(0x10_0000)
	testHeapLimit = 1 << 30
	testPageBase  = Addr(0x7f00_0000_0000)
	testPageSize  = 4096
)

// harness drives an allocator over a simulated heap and checks every call against a shadow
// model of the same heap.
type harness struct {
	*Allocator
	t      testing.TB
	heap   *heap.Simulated
	pages  *pagesource.Simulated
	model  *shadow.Model
	fatals []error
}

func newHarness(t testing.TB, opts ...Option) *harness {
	return newHarnessWith(t, heap.NewSimulated(testHeapBase, testHeapLimit), pagesource.NewSimulated(testPageBase, testPageSize, 0), opts...)
}

func newHarnessWith(t testing.TB, h *heap.Simulated, src *pagesource.Simulated, opts ...Option) *harness {
	t.Helper()
	hs := &harness{t: t, heap: h, pages: src}
	opts = append([]Option{
		WithHeap(h),
		WithPageSource(src),
		WithChecks(true),
		WithFatalHandler(func(err error) { hs.fatals = append(hs.fatals, err) }),
	}, opts...)
	a, err := New(opts...)
	require.NoError(t, err)
	hs.Allocator = a
	hs.model = shadow.New(h.Break())
	t.Cleanup(func() { _ = a.Close() })
	return hs
}

func (h *harness) alloc(size uint64) Addr {
	h.t.Helper()
	p, err := h.Allocate(size)
	require.NoError(h.t, err)
	want := h.model.Allocate(size)
	require.Equal(h.t, want.Start, p, "first fit for %d bytes", size)
	h.verify()
	return p
}

func (h *harness) allocAligned(alignment, size uint64) Addr {
	h.t.Helper()
	p, err := h.AlignedAllocate(alignment, size)
	require.NoError(h.t, err)
	require.True(h.t, p.IsAligned(alignment), "%v is not aligned to %d", p, alignment)
	require.NoError(h.t, h.model.MarkLive(addr.RangeOf(p, addr.AlignUp(size, alignment))))
	h.verify()
	return p
}

func (h *harness) free(p Addr) {
	h.t.Helper()
	require.NoError(h.t, h.Free(p))
	_, err := h.model.Free(p)
	require.NoError(h.t, err)
	h.verify()
}

func (h *harness) resize(p Addr, size uint64) Addr {
	h.t.Helper()
	q, err := h.Resize(p, size)
	require.NoError(h.t, err)
	require.NoError(h.t, h.model.Resize(p, addr.RangeOf(q, addr.AlignUp(size, Alignment))))
	h.verify()
	return q
}

// verify compares the runs of the tree with the model: every used run is a live allocation,
// every free run is a maximal free range, and the break matches.
func (h *harness) verify() {
	h.t.Helper()
	require.Empty(h.t, h.fatals)
	used, free := []addr.Range{}, []addr.Range{}
	for r := range h.Runs() {
		if r.Free {
			free = append(free, addr.RangeOf(r.Addr, r.Length))
		} else {
			used = append(used, addr.RangeOf(r.Addr, r.Length))
		}
	}
	require.Equal(h.t, h.model.Live(), used, "used runs")
	require.Equal(h.t, h.model.FreeRanges(), free, "free runs")
	require.Equal(h.t, h.model.Break, h.Break(), "break")
}

// fill writes a pattern derived from seed over the allocation at p.
func (h *harness) fill(p Addr, n uint64, seed byte) {
	b := h.heap.Bytes(p, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
}

func (h *harness) requirePattern(p Addr, n uint64, seed byte) {
	h.t.Helper()
	b := h.heap.Bytes(p, n)
	for i := range b {
		if b[i] != seed+byte(i) {
			require.Failf(h.t, "content lost", "byte %d of %v is %#x, want %#x", i, p, b[i], seed+byte(i))
		}
	}
}

// stickyHeap refuses to give memory back.
type stickyHeap struct {
	*heap.Simulated
}

func (h stickyHeap) SetBreak(brk addr.Addr) error {
	if brk < h.Break() {
		return heap.ErrOutOfRange
	}
	return h.Simulated.SetBreak(brk)
}

package btff

import (
	"errors"
	"math"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/heap"
	"github.com/garethgeorge/gobtff/internal/pagesource"
)

func TestAllocator_ReuseFreedMiddle(t *testing.T) {
	h := newHarness(t)
	a := h.alloc(16)
	b := h.alloc(32)
	c := h.alloc(16)
	assert.Equal(t, testHeapBase, a)
	assert.Equal(t, testHeapBase+16, b)
	assert.Equal(t, testHeapBase+48, c)

	h.free(b)
	assert.Equal(t, b, h.alloc(32), "exact fit reuses the freed run")
	assert.Equal(t, testHeapBase+64, h.Break())
}

func TestAllocator_RandomAllocFreeReturnsHeap(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewSource(seed))

	h := newHarness(t)
	start := h.Break()

	ptrs := make([]Addr, 1000)
	for i := range ptrs {
		ptrs[i] = h.alloc(uint64(rng.Intn(512)+1) * 8)
	}
	rng.Shuffle(len(ptrs), func(i, j int) { ptrs[i], ptrs[j] = ptrs[j], ptrs[i] })
	for _, p := range ptrs {
		h.free(p)
	}

	assert.Equal(t, start, h.Break())
	assert.Empty(t, slices.Collect(h.Runs()))
	stats := h.Stats()
	assert.Zero(t, stats.Height)
	assert.Zero(t, stats.Arena.CellsInUse)
	assert.Equal(t, uint64(1000), stats.Allocs)
	assert.Equal(t, uint64(1000), stats.Frees)
}

func TestAllocator_RandomAllocFreeCoalescesWithoutShrink(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewSource(seed))

	sim := heap.NewSimulated(testHeapBase, testHeapLimit)
	a, err := New(
		WithHeap(stickyHeap{sim}),
		WithPageSource(pagesource.NewSimulated(testPageBase, testPageSize, 0)),
		WithChecks(true),
		WithFatalHandler(func(err error) { t.Errorf("fatal: %v", err) }),
	)
	require.NoError(t, err)

	ptrs := make([]Addr, 1000)
	for i := range ptrs {
		ptrs[i], err = a.Allocate(uint64(rng.Intn(512)+1) * 8)
		require.NoError(t, err)
	}
	grown := a.Break()
	rng.Shuffle(len(ptrs), func(i, j int) { ptrs[i], ptrs[j] = ptrs[j], ptrs[i] })
	for _, p := range ptrs {
		require.NoError(t, a.Free(p))
	}

	runs := slices.Collect(a.Runs())
	require.Len(t, runs, 1, "the whole range coalesces into one run")
	assert.True(t, runs[0].Free)
	assert.Equal(t, testHeapBase, runs[0].Addr)
	assert.Equal(t, grown, runs[0].End())
	assert.Equal(t, grown, a.Break())
	assert.Zero(t, a.Stats().Shrinks)
	require.NoError(t, a.Check())
}

func TestAllocator_GrowReusesFreeTail(t *testing.T) {
	sim := heap.NewSimulated(testHeapBase, testHeapLimit)
	a, err := New(WithHeap(stickyHeap{sim}), WithPageSource(pagesource.NewSimulated(testPageBase, testPageSize, 0)), WithChecks(true))
	require.NoError(t, err)

	_, err = a.Allocate(64)
	require.NoError(t, err)
	b, err := a.Allocate(16)
	require.NoError(t, err)
	require.NoError(t, a.Free(b))
	assert.Equal(t, b+16, a.Break(), "the break stays where it was")

	c, err := a.Allocate(32)
	require.NoError(t, err)
	assert.Equal(t, b, c)
	assert.Equal(t, c+32, a.Break())
	assert.Equal(t, []Run{
		{Addr: testHeapBase, Length: 64, Level: leafLevel},
		{Addr: c, Length: 32, Level: leafLevel},
	}, slices.Collect(a.Runs()))
}

func TestAllocator_AlignedAllocateInsideFreeTail(t *testing.T) {
	sim := heap.NewSimulated(testHeapBase, testHeapLimit)
	a, err := New(
		WithHeap(stickyHeap{sim}),
		WithPageSource(pagesource.NewSimulated(testPageBase, testPageSize, 0)),
		WithChecks(true),
		WithFatalHandler(func(err error) { t.Errorf("fatal: %v", err) }),
	)
	require.NoError(t, err)

	_, err = a.Allocate(64)
	require.NoError(t, err)
	b, err := a.Allocate(4096)
	require.NoError(t, err)
	require.NoError(t, a.Free(b))
	brk := a.Break()
	grows := a.Stats().Grows

	// The free tail already covers the request, so the break stays put.
	p, err := a.AlignedAllocate(16, 16)
	require.NoError(t, err)
	assert.Equal(t, b, p)
	q, err := a.AlignedAllocate(256, 8)
	require.NoError(t, err)
	assert.Equal(t, Addr(0x10_0100), q)

	assert.Equal(t, brk, a.Break())
	assert.Equal(t, grows, a.Stats().Grows)
	assert.Equal(t, []Run{
		{Addr: testHeapBase, Length: 64, Level: leafLevel},
		{Addr: p, Length: 16, Level: leafLevel},
		{Addr: p + 16, Length: 0xb0, Free: true, Level: leafLevel},
		{Addr: q, Length: 256, Level: leafLevel},
		{Addr: q + 256, Length: brk.Sub(q + 256), Free: true, Level: leafLevel},
	}, slices.Collect(a.Runs()))
	require.NoError(t, a.Check())
}

func TestAllocator_ResizeKeepsContent(t *testing.T) {
	h := newHarness(t)
	a := h.alloc(64)
	h.fill(a, 64, 1)
	h.alloc(16)

	a2 := h.resize(a, 8)
	assert.Equal(t, a, a2, "shrinking works in place")
	h.requirePattern(a2, 8, 1)
	size, err := h.UsableSize(a2)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), size)

	a3 := h.resize(a2, 256)
	assert.NotEqual(t, a2, a3, "the freed tail is too small to grow into")
	h.requirePattern(a3, 8, 1)
	assert.Equal(t, uint64(1), h.Stats().Moves)
}

func TestAllocator_ResizeInPlace(t *testing.T) {
	h := newHarness(t)
	a := h.alloc(64)
	b := h.alloc(64)
	h.alloc(64)
	h.free(b)

	h.fill(a, 64, 7)
	assert.Equal(t, a, h.resize(a, 128), "grows into the free neighbour")
	h.requirePattern(a, 64, 7)

	last := h.alloc(32)
	assert.Equal(t, last, h.resize(last, 4096), "grows at the end of the heap")
	assert.Equal(t, last, h.resize(last, 16), "shrinks at the end of the heap")
	assert.Equal(t, last+16, h.Break())

	stats := h.Stats()
	assert.Equal(t, uint64(3), stats.InPlaceResizes)
	assert.Zero(t, stats.Moves)
}

func TestAllocator_ResizeEdgeCases(t *testing.T) {
	h := newHarness(t)

	p, err := h.Resize(Null, 24)
	require.NoError(t, err)
	assert.Equal(t, h.model.Allocate(24).Start, p)
	h.verify()

	q, err := h.Resize(p, 0)
	require.NoError(t, err)
	assert.Equal(t, Null, q)
	_, err = h.model.Free(p)
	require.NoError(t, err)
	h.verify()

	p = h.alloc(8)
	_, err = h.Resize(p, math.MaxUint64)
	assert.ErrorIs(t, err, ErrSizeOverflow)
	assert.NoError(t, h.Err())
	h.verify()
}

func TestAllocator_MetadataStaysOutOfTheHeap(t *testing.T) {
	h := newHarnessWith(t,
		heap.NewSimulated(testHeapBase, testHeapLimit),
		pagesource.NewSimulated(testPageBase, 1024, 0),
		WithRefillPages(1),
	)

	var ptrs []Addr
	for i := 0; h.Stats().Arena.Refills < 3; i++ {
		require.Less(t, i, 20000, "arena never refilled")
		ptrs = append(ptrs, h.alloc(8))
	}
	assert.GreaterOrEqual(t, h.pages.Mapped(), 3)

	pages := h.MetadataPages()
	require.Len(t, pages, h.pages.Mapped())
	for _, p := range ptrs {
		r := addr.RangeOf(p, 8)
		for _, page := range pages {
			require.False(t, page.Overlaps(r), "allocation %v inside metadata page %v", r, page)
		}
	}
}

func TestAllocator_AlignedAllocate(t *testing.T) {
	h := newHarness(t)
	h.alloc(8)

	p := h.allocAligned(64, 100)
	assert.True(t, p.IsAligned(64))
	size, err := h.UsableSize(p)
	require.NoError(t, err)
	assert.Equal(t, uint64(128), size)

	pg, err := h.AllocatePages(5000)
	require.NoError(t, err)
	assert.True(t, pg.IsAligned(testPageSize))
	require.NoError(t, h.model.MarkLive(addr.RangeOf(pg, 8192)))
	h.verify()

	whole, err := h.AllocateWholePages(2 * testPageSize)
	require.NoError(t, err)
	assert.True(t, whole.IsAligned(testPageSize))
	size, err = h.UsableSize(whole)
	require.NoError(t, err)
	assert.Equal(t, uint64(3*testPageSize), size)
	require.NoError(t, h.model.MarkLive(addr.RangeOf(whole, 3*testPageSize)))
	h.verify()

	// The padding in front of the aligned runs is ordinary free space.
	q := h.alloc(16)
	assert.Equal(t, testHeapBase+8, q)

	h.free(p)
	h.free(pg)
	h.free(whole)
	h.free(q)

	for _, alignment := range []uint64{0, 1, 4, 24, 100} {
		_, err := h.AlignedAllocate(alignment, 8)
		assert.ErrorIs(t, err, ErrInvalidAlignment, "alignment %d", alignment)
	}
	_, err = h.AlignedAllocate(64, math.MaxUint64-8)
	assert.ErrorIs(t, err, ErrSizeOverflow)
	assert.NoError(t, h.Err())
	h.verify()
}

func TestAllocator_AllocateZeroed(t *testing.T) {
	h := newHarness(t)
	p := h.alloc(64)
	h.fill(p, 64, 0xa0)
	h.free(p)

	z, err := h.AllocateZeroed(4, 16)
	require.NoError(t, err)
	assert.Equal(t, h.model.Allocate(64).Start, z)
	h.verify()
	assert.Equal(t, make([]byte, 64), h.heap.Bytes(z, 64))

	_, err = h.AllocateZeroed(math.MaxUint64, 2)
	assert.ErrorIs(t, err, ErrSizeOverflow)
	null, err := h.AllocateZeroed(0, 16)
	require.NoError(t, err)
	assert.Equal(t, Null, null)
}

func TestAllocator_TrivialCalls(t *testing.T) {
	h := newHarness(t)

	p, err := h.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, Null, p)
	assert.NoError(t, h.Free(Null))
	size, err := h.UsableSize(Null)
	require.NoError(t, err)
	assert.Zero(t, size)

	_, err = h.Allocate(math.MaxUint64)
	assert.ErrorIs(t, err, ErrSizeOverflow)

	assert.Equal(t, h.alloc(100)+104, h.Break(), "sizes round up to the alignment")
	assert.Equal(t, 1, h.Stats().Height)
	h.verify()
}

func TestAllocator_HeapExhausted(t *testing.T) {
	h := newHarnessWith(t, heap.NewSimulated(testHeapBase, 4096), pagesource.NewSimulated(testPageBase, testPageSize, 0))
	p := h.alloc(1024)
	h.fill(p, 1024, 3)

	_, err := h.Allocate(8192)
	require.ErrorIs(t, err, ErrHeapExhausted)
	var fe *FatalError
	assert.False(t, errors.As(err, &fe))
	h.verify()

	_, err = h.Resize(p, 8192)
	require.ErrorIs(t, err, ErrHeapExhausted)
	h.requirePattern(p, 1024, 3)
	h.verify()

	assert.NoError(t, h.Err())
	h.alloc(2048)
}

func TestAllocator_DoubleFreeIsFatal(t *testing.T) {
	h := newHarness(t)
	p := h.alloc(32)
	h.alloc(32)
	h.free(p)

	err := h.Free(p)
	require.ErrorIs(t, err, ErrDoubleFree)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "free", fe.Op)
	assert.Equal(t, p, fe.Addr)
	require.Len(t, h.fatals, 1)
	assert.Same(t, fe, h.fatals[0])

	// The allocator refuses everything from now on.
	_, err = h.Allocate(8)
	assert.ErrorIs(t, err, ErrDoubleFree)
	assert.ErrorIs(t, h.Err(), ErrDoubleFree)
	assert.ErrorIs(t, h.Fork(func() error { return nil }), ErrDoubleFree)
	require.Len(t, h.fatals, 1, "the handler runs once")
}

func TestAllocator_InvalidFreeIsFatal(t *testing.T) {
	t.Run("empty heap", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.Free(testHeapBase), ErrInvalidAddress)
		assert.Len(t, h.fatals, 1)
	})

	t.Run("inside a run", func(t *testing.T) {
		h := newHarness(t)
		p := h.alloc(32)
		h.alloc(32)
		assert.ErrorIs(t, h.Free(p+8), ErrInvalidAddress)
		assert.Len(t, h.fatals, 1)
	})

	t.Run("usable size of a free run", func(t *testing.T) {
		h := newHarness(t)
		p := h.alloc(32)
		h.alloc(32)
		h.free(p)
		_, err := h.UsableSize(p)
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})

	t.Run("resize of a free run", func(t *testing.T) {
		h := newHarness(t)
		p := h.alloc(32)
		h.alloc(32)
		h.free(p)
		_, err := h.Resize(p, 64)
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})
}

func TestAllocator_MetadataExhaustedIsFatal(t *testing.T) {
	h := newHarnessWith(t, heap.NewSimulated(testHeapBase, testHeapLimit), pagesource.NewSimulated(testPageBase, 1024, 1))

	var err error
	for i := 0; i < 10000 && err == nil; i++ {
		_, err = h.Allocate(8)
	}
	require.ErrorIs(t, err, ErrMetadataExhausted)
	assert.Len(t, h.fatals, 1)
	assert.Len(t, h.MetadataPages(), 1)
}

func TestAllocator_Fork(t *testing.T) {
	h := newHarness(t)
	h.alloc(8)

	ran := false
	require.NoError(t, h.Fork(func() error {
		ran = true
		assert.False(t, h.mu.TryLock(), "the lock is held while fn runs")
		return nil
	}))
	assert.True(t, ran)

	boom := errors.New("boom")
	assert.ErrorIs(t, h.Fork(func() error { return boom }), boom)
	h.alloc(8)
}

func TestAllocator_Concurrent(t *testing.T) {
	a, err := New(
		WithHeap(heap.NewSimulated(testHeapBase, testHeapLimit)),
		WithPageSource(pagesource.NewSimulated(testPageBase, testPageSize, 0)),
		WithFatalHandler(func(err error) { t.Errorf("fatal: %v", err) }),
	)
	require.NoError(t, err)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			var live []Addr
			for i := 0; i < 500; i++ {
				if len(live) > 0 && rng.Intn(2) == 0 {
					j := rng.Intn(len(live))
					if err := a.Free(live[j]); err != nil {
						return err
					}
					live = slices.Delete(live, j, j+1)
					continue
				}
				p, err := a.Allocate(uint64(rng.Intn(300) + 1))
				if err != nil {
					return err
				}
				live = append(live, p)
			}
			for _, p := range live {
				if err := a.Free(p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, a.Check())
	assert.Empty(t, slices.Collect(a.Runs()))
	assert.Equal(t, testHeapBase, a.Break())
}

func TestAllocator_ChecksDoNotPoison(t *testing.T) {
	h := newHarness(t, WithChecks(false))
	for i := 0; i < 200; i++ {
		h.alloc(uint64(i%7+1) * 8)
	}
	require.NoError(t, h.Check())

	tr := h.Allocator.t
	tr.available += 8
	err := h.CheckAvailable()
	require.ErrorIs(t, err, ErrCorrupt)
	var v *Violations
	require.ErrorAs(t, err, &v)
	assert.NotEmpty(t, v.Problems)
	assert.NoError(t, h.CheckStructure())
	tr.available -= 8

	ref := tr.root
	for level := tr.rootLevel; level < leafLevel; level++ {
		ref = tr.node(ref).slot(0)
	}
	l := tr.leaf(ref)
	l.setBase(l.base() + 8)
	assert.ErrorIs(t, h.CheckStructure(), ErrCorrupt)
	l.setBase(l.base() - 8)

	assert.NoError(t, h.Check())
	assert.NoError(t, h.Err())
	assert.Empty(t, h.fatals)
}

func TestAllocator_ChecksFromEnvironment(t *testing.T) {
	t.Setenv(CheckEnv, "1")
	assert.True(t, defaultOptions().checks)
	t.Setenv(CheckEnv, "")
	assert.False(t, defaultOptions().checks)
}

func TestFatalError_Format(t *testing.T) {
	fe := fatal(ErrDoubleFree, 0x1000, "leaf at %v", Addr(0x2000))
	fe.Op = "free"
	assert.Equal(t, "btff: free 0x1000: address is already free (leaf at 0x2000)", fe.Error())
	assert.ErrorIs(t, fe, ErrDoubleFree)
	assert.NotErrorIs(t, fe, ErrInvalidAddress)

	assert.Equal(t, "btff: allocator metadata is inconsistent", (&FatalError{Err: ErrCorrupt}).Error())
}

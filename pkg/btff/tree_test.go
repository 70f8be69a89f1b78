package btff

import (
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garethgeorge/gobtff/internal/heap"
	"github.com/garethgeorge/gobtff/internal/pagesource"
)

func separators(a *Allocator) []Run {
	var out []Run
	for r := range a.Runs() {
		if r.Level < leafLevel {
			out = append(out, r)
		}
	}
	return out
}

func TestTree_GrowsAndCollapses(t *testing.T) {
	h := newHarness(t)
	ptrs := make([]Addr, 3000)
	for i := range ptrs {
		ptrs[i] = h.alloc(8)
	}
	stats := h.Stats()
	assert.GreaterOrEqual(t, stats.Height, 3)
	assert.Greater(t, stats.Splits, uint64(0))
	assert.GreaterOrEqual(t, stats.RootGrowths, uint64(2))
	assert.NotEmpty(t, separators(h.Allocator))

	// Every other run becomes free without anything to coalesce with.
	for i := 0; i < len(ptrs); i += 2 {
		h.free(ptrs[i])
	}
	for r := range h.Runs() {
		if r.Free {
			assert.Equal(t, uint64(8), r.Length)
		}
	}

	for i := 1; i < len(ptrs); i += 2 {
		h.free(ptrs[i])
	}
	stats = h.Stats()
	assert.Zero(t, stats.Height)
	assert.Greater(t, stats.Merges, uint64(0))
	assert.Greater(t, stats.RootCollapses, uint64(0))
	assert.Zero(t, stats.Arena.CellsInUse)
}

func TestTree_ThreeWayCoalesce(t *testing.T) {
	h := newHarness(t)
	a := h.alloc(16)
	b := h.alloc(16)
	c := h.alloc(16)
	h.alloc(16)

	h.free(a)
	h.free(c)
	h.free(b)
	runs := slices.Collect(h.Runs())
	require.Len(t, runs, 2)
	assert.Equal(t, Run{Addr: a, Length: 48, Free: true, Level: leafLevel}, runs[0])
}

func TestTree_SeparatorDoubleFree(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 1000; i++ {
		h.alloc(16)
	}
	seps := separators(h.Allocator)
	require.NotEmpty(t, seps)
	sep := seps[len(seps)/2]
	require.False(t, sep.Free)

	h.free(sep.Addr)
	freed := slices.Collect(h.Runs())
	i := slices.IndexFunc(freed, func(r Run) bool { return r.Addr == sep.Addr })
	require.GreaterOrEqual(t, i, 0)
	assert.True(t, freed[i].Free)
	assert.Less(t, freed[i].Level, leafLevel, "a separator stays in its node when freed")

	assert.ErrorIs(t, h.Free(sep.Addr), ErrDoubleFree)
	assert.Len(t, h.fatals, 1)
}

func TestTree_SeparatorReuse(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 1000; i++ {
		h.alloc(16)
	}
	seps := separators(h.Allocator)
	require.NotEmpty(t, seps)

	// A freed separator is the lowest free run, so it is found first.
	sep := seps[0]
	h.free(sep.Addr)
	assert.Equal(t, sep.Addr, h.alloc(8))
	assert.Equal(t, sep.Addr+8, h.alloc(8))
	h.free(sep.Addr + 8)
	assert.Equal(t, sep.Addr, h.resize(sep.Addr, 16))
	assert.Equal(t, sep.Addr, h.resize(sep.Addr, 8))
}

// randomOps runs a random mix of calls and checks each one against the shadow model.
func randomOps(t testing.TB, h *harness, rng *rand.Rand, ops int) {
	var live []Addr
	size := func() uint64 {
		if rng.Intn(10) == 0 {
			return uint64(rng.Intn(8192) + 1)
		}
		return uint64(rng.Intn(64) + 1)
	}
	for i := 0; i < ops; i++ {
		switch op := rng.Intn(10); {
		case op < 4 || len(live) == 0:
			live = append(live, h.alloc(size()))
		case op < 7:
			j := rng.Intn(len(live))
			h.free(live[j])
			live = slices.Delete(live, j, j+1)
		case op < 9:
			j := rng.Intn(len(live))
			live[j] = h.resize(live[j], size())
		default:
			live = append(live, h.allocAligned(uint64(8)<<rng.Intn(6), size()))
		}
	}

	for _, p := range live {
		r, ok := h.model.Lookup(p)
		require.True(t, ok)
		n, err := h.UsableSize(p)
		require.NoError(t, err)
		require.Equal(t, r.Size(), n)
	}
	rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	for _, p := range live {
		h.free(p)
	}
	require.Empty(t, slices.Collect(h.Runs()))
	require.Equal(t, h.model.Base, h.Break())
}

func TestTree_RandomOps(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	h := newHarness(t)
	randomOps(t, h, rand.New(rand.NewSource(seed)), 4000)
	assert.Zero(t, h.Stats().Arena.CellsInUse)
}

func TestTree_RandomOpsSmallPages(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	h := newHarnessWith(t, heap.NewSimulated(testHeapBase, testHeapLimit), pagesource.NewSimulated(testPageBase, 1024, 0), WithRefillPages(2))
	randomOps(t, h, rand.New(rand.NewSource(seed)), 4000)
	assert.Greater(t, h.Stats().Arena.Refills, 1)
}

func FuzzAllocator(f *testing.F) {
	f.Add(100, int64(1))
	f.Add(2000, time.Now().UnixNano())

	f.Fuzz(func(t *testing.T, numOps int, seed int64) {
		if numOps < 0 {
			t.Skip()
		}
		if numOps > 3000 {
			numOps = 3000
		}
		h := newHarness(t)
		randomOps(t, h, rand.New(rand.NewSource(seed)), numOps)
	})
}

func newBenchAllocator(b *testing.B) *Allocator {
	a, err := New(
		WithHeap(heap.NewSimulated(testHeapBase, 1<<40)),
		WithPageSource(pagesource.NewSimulated(testPageBase, testPageSize, 0)),
		WithChecks(false),
	)
	require.NoError(b, err)
	return a
}

func BenchmarkAllocate(b *testing.B) {
	a := newBenchAllocator(b)
	b.ReportAllocs()
	b.SetBytes(100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := a.Allocate(100); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFree(b *testing.B) {
	a := newBenchAllocator(b)
	ptrs := make([]Addr, b.N)
	for i := range ptrs {
		p, err := a.Allocate(100)
		if err != nil {
			b.Fatal(err)
		}
		ptrs[i] = p
	}
	rand.New(rand.NewSource(1)).Shuffle(len(ptrs), func(i, j int) { ptrs[i], ptrs[j] = ptrs[j], ptrs[i] })

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := a.Free(ptrs[i]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkChurn(b *testing.B) {
	a := newBenchAllocator(b)
	rng := rand.New(rand.NewSource(1))
	live := make([]Addr, 0, 4096)
	for i := 0; i < cap(live); i++ {
		p, err := a.Allocate(uint64(rng.Intn(256) + 1))
		if err != nil {
			b.Fatal(err)
		}
		live = append(live, p)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := rng.Intn(len(live))
		if err := a.Free(live[j]); err != nil {
			b.Fatal(err)
		}
		p, err := a.Allocate(uint64(rng.Intn(256) + 1))
		if err != nil {
			b.Fatal(err)
		}
		live[j] = p
	}
}

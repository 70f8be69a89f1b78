package trace

import (
	"math/rand"
	"slices"
)

type GenOptions struct {
	Ops     int
	Seed    int64
	MaxSize uint64
	// MaxLive caps the number of live allocations; beyond it the generator only frees.
	MaxLive int
}

// Generate returns a random workload. Every free and resize refers to a live slot and every
// slot still live at the end is freed, so a correct allocator ends with an empty heap.
func Generate(opts GenOptions) []Op {
	if opts.MaxSize == 0 {
		opts.MaxSize = 4096
	}
	if opts.MaxLive == 0 {
		opts.MaxLive = 1 << 16
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	size := func() uint64 {
		// Mostly small requests with a long tail, like real programs.
		if rng.Intn(8) == 0 {
			return uint64(rng.Int63n(int64(opts.MaxSize))) + 1
		}
		return uint64(rng.Int63n(int64(min(opts.MaxSize, 128)))) + 1
	}

	var ops []Op
	var live []int
	var spare []int
	next := 0
	slot := func() int {
		if n := len(spare); n > 0 {
			s := spare[n-1]
			spare = spare[:n-1]
			return s
		}
		next++
		return next - 1
	}

	for i := 0; i < opts.Ops; i++ {
		roll := rng.Intn(100)
		switch {
		case len(live) == 0 || (roll < 45 && len(live) < opts.MaxLive):
			s := slot()
			live = append(live, s)
			switch {
			case roll < 3:
				ops = append(ops, Op{Kind: Aligned, Slot: s, Align: 8 << rng.Intn(10), Size: size()})
			case roll < 6:
				ops = append(ops, Op{Kind: Zeroed, Slot: s, Count: uint64(rng.Intn(16) + 1), Size: size()/16 + 1})
			default:
				ops = append(ops, Op{Kind: Alloc, Slot: s, Size: size()})
			}
		case roll < 80:
			j := rng.Intn(len(live))
			ops = append(ops, Op{Kind: Free, Slot: live[j]})
			spare = append(spare, live[j])
			live = slices.Delete(live, j, j+1)
		default:
			j := rng.Intn(len(live))
			ops = append(ops, Op{Kind: Resize, Slot: live[j], Size: size()})
		}
	}
	rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	for _, s := range live {
		ops = append(ops, Op{Kind: Free, Slot: s})
	}
	return ops
}

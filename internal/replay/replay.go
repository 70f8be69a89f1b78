// Package replay drives an allocator with a trace over a simulated heap and checks every call:
// plain allocations must be first fit, no allocation may overlap a live one, and block
// contents must survive every other call.
package replay

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/heap"
	"github.com/garethgeorge/gobtff/internal/pagesource"
	"github.com/garethgeorge/gobtff/internal/progress"
	"github.com/garethgeorge/gobtff/internal/shadow"
	"github.com/garethgeorge/gobtff/internal/sliceutil"
	"github.com/garethgeorge/gobtff/internal/trace"
	"github.com/garethgeorge/gobtff/pkg/btff"
)

const (
	DefaultHeapBase  = addr.Addr(0x1000_0000)
	DefaultHeapLimit = 1 << 36
	DefaultPageBase  = addr.Addr(0x7f00_0000_0000)
	DefaultPageSize  = 4096

	progressEvery = 1024
)

type Options struct {
	Hash HashKind
	// Check runs the allocator's consistency walkers after every call.
	Check     bool
	HeapLimit uint64
	PageSize  int
	Logger    *slog.Logger
	Progress  progress.BarProgressTracker
}

type Result struct {
	Ops       int           `json:"ops"`
	PeakLive  int           `json:"peak_live"`
	PeakBytes uint64        `json:"peak_bytes"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Stats     btff.Stats    `json:"stats"`
}

// Mismatch is a call whose outcome breaks an allocator guarantee.
type Mismatch struct {
	Index int
	Op    trace.Op
	Msg   string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("op %d (%v): %s", m.Index, m.Op, m.Msg)
}

type block struct {
	addr   addr.Addr
	size   uint64
	digest Digest
}

type Replayer struct {
	a     *btff.Allocator
	heap  *heap.Simulated
	model *shadow.Model
	hash  HashFunc
	opts  Options

	slots     map[int]block
	liveBytes uint64
	result    Result
	fatal     error
}

func New(opts Options) (*Replayer, error) {
	hash, err := Hasher(opts.Hash)
	if err != nil {
		return nil, err
	}
	if opts.HeapLimit == 0 {
		opts.HeapLimit = DefaultHeapLimit
	}
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Progress == nil {
		opts.Progress = progress.NoopBarProgressTracker{}
	}

	r := &Replayer{
		heap:  heap.NewSimulated(DefaultHeapBase, opts.HeapLimit),
		hash:  hash,
		opts:  opts,
		slots: make(map[int]block),
	}
	r.model = shadow.New(r.heap.Break())
	r.a, err = btff.New(
		btff.WithHeap(r.heap),
		btff.WithPageSource(pagesource.NewSimulated(DefaultPageBase, opts.PageSize, 0)),
		btff.WithLogger(opts.Logger),
		btff.WithChecks(opts.Check),
		btff.WithFatalHandler(func(err error) { r.fatal = err }),
	)
	if err != nil {
		return nil, fmt.Errorf("new allocator: %w", err)
	}
	return r, nil
}

func (r *Replayer) Allocator() *btff.Allocator {
	return r.a
}

// Run applies every op, verifies the final heap and returns the statistics.
func (r *Replayer) Run(ops []trace.Op) (Result, error) {
	start := time.Now()
	r.opts.Progress.SetTotal(int64(len(ops)))
	for i, op := range ops {
		if err := r.Apply(i, op); err != nil {
			r.opts.Progress.SetError(err)
			return r.finish(start), err
		}
		if i%progressEvery == 0 {
			r.opts.Progress.SetDone(i)
		}
	}
	r.opts.Progress.SetDone(len(ops))
	if err := r.Verify(); err != nil {
		r.opts.Progress.SetError(err)
		return r.finish(start), err
	}
	r.opts.Progress.MarkFinished()
	return r.finish(start), nil
}

func (r *Replayer) finish(start time.Time) Result {
	r.result.Elapsed = time.Since(start)
	r.result.Stats = r.a.Stats()
	return r.result
}

// Apply runs one op.
func (r *Replayer) Apply(i int, op trace.Op) error {
	mismatch := func(format string, args ...any) error {
		return &Mismatch{Index: i, Op: op, Msg: fmt.Sprintf(format, args...)}
	}
	r.result.Ops++

	switch op.Kind {
	case trace.Alloc, trace.Zeroed, trace.Aligned:
		if _, ok := r.slots[op.Slot]; ok {
			return mismatch("slot is still live")
		}
		var p addr.Addr
		var err error
		var want addr.Range
		size := addr.AlignUp(op.Bytes(), btff.Alignment)
		switch op.Kind {
		case trace.Alloc:
			want = r.predict(size)
			p, err = r.a.Allocate(op.Size)
		case trace.Zeroed:
			want = r.predict(size)
			p, err = r.a.AllocateZeroed(op.Count, op.Size)
		case trace.Aligned:
			size = addr.AlignUp(op.Size, op.Align)
			p, err = r.a.AlignedAllocate(op.Align, op.Size)
		}
		if err != nil {
			return fmt.Errorf("op %d (%v): %w", i, op, err)
		}
		if p == addr.Null {
			r.slots[op.Slot] = block{}
			return nil
		}
		if op.Kind != trace.Aligned && p != want.Start {
			return mismatch("allocated at %v, first fit is %v", p, want.Start)
		}
		if op.Kind == trace.Aligned && !p.IsAligned(op.Align) {
			return mismatch("%v is not aligned to %d", p, op.Align)
		}
		if err := r.model.MarkLive(addr.RangeOf(p, size)); err != nil {
			return mismatch("%v", err)
		}
		if op.Kind == trace.Zeroed && !isZero(r.heap.Bytes(p, op.Bytes())) {
			return mismatch("zeroed allocation at %v is not zero", p)
		}
		r.live(op.Slot, block{addr: p, size: size})

	case trace.Resize:
		b, ok := r.slots[op.Slot]
		if !ok {
			return mismatch("slot is not live")
		}
		if err := r.verifyBlock(b); err != nil {
			return mismatch("%v", err)
		}
		size := addr.AlignUp(op.Size, btff.Alignment)
		keep := min(b.size, size)
		var before Digest
		if b.addr != addr.Null {
			before = r.hash(r.heap.Bytes(b.addr, keep))
		}
		q, err := r.a.Resize(b.addr, op.Size)
		if err != nil {
			return fmt.Errorf("op %d (%v): %w", i, op, err)
		}
		r.dead(op.Slot)
		if q == addr.Null {
			if b.addr != addr.Null {
				if _, err := r.model.Free(b.addr); err != nil {
					return mismatch("%v", err)
				}
			}
			r.slots[op.Slot] = block{}
			return nil
		}
		var merr error
		if b.addr == addr.Null {
			merr = r.model.MarkLive(addr.RangeOf(q, size))
		} else {
			merr = r.model.Resize(b.addr, addr.RangeOf(q, size))
		}
		if merr != nil {
			return mismatch("resized to %v: %v", q, merr)
		}
		if b.addr != addr.Null && r.hash(r.heap.Bytes(q, keep)) != before {
			return mismatch("first %d bytes changed moving %v to %v", keep, b.addr, q)
		}
		r.live(op.Slot, block{addr: q, size: size})

	case trace.Free:
		b, ok := r.slots[op.Slot]
		if !ok {
			return mismatch("slot is not live")
		}
		if err := r.verifyBlock(b); err != nil {
			return mismatch("%v", err)
		}
		if err := r.a.Free(b.addr); err != nil {
			return fmt.Errorf("op %d (%v): %w", i, op, err)
		}
		r.dead(op.Slot)
		delete(r.slots, op.Slot)
		if b.addr != addr.Null {
			if _, err := r.model.Free(b.addr); err != nil {
				return mismatch("%v", err)
			}
		}

	default:
		return mismatch("unknown op")
	}
	return nil
}

func (r *Replayer) predict(size uint64) addr.Range {
	if f, ok := r.model.FirstFit(size); ok {
		return addr.RangeOf(f.Start, size)
	}
	return addr.RangeOf(r.model.Break, size)
}

// live fills a new block with a pattern and records its digest.
func (r *Replayer) live(slot int, b block) {
	buf := mcache.Malloc(int(b.size))
	fillPattern(buf, uint64(b.addr)^uint64(slot)<<32^uint64(r.result.Ops))
	copy(r.heap.Bytes(b.addr, b.size), buf)
	b.digest = r.hash(buf)
	mcache.Free(buf)

	r.slots[slot] = b
	r.liveBytes += b.size
	r.result.PeakLive = max(r.result.PeakLive, len(r.slots))
	r.result.PeakBytes = max(r.result.PeakBytes, r.liveBytes)
}

func (r *Replayer) dead(slot int) {
	r.liveBytes -= r.slots[slot].size
}

func (r *Replayer) verifyBlock(b block) error {
	if b.addr == addr.Null {
		return nil
	}
	if r.hash(r.heap.Bytes(b.addr, b.size)) != b.digest {
		return fmt.Errorf("content of %d bytes at %v was overwritten", b.size, b.addr)
	}
	return nil
}

// Verify compares the allocator's runs with the model of the heap.
func (r *Replayer) Verify() error {
	if r.fatal != nil {
		return r.fatal
	}
	var used, free []addr.Range
	for run := range r.a.Runs() {
		if run.Free {
			free = append(free, addr.RangeOf(run.Addr, run.Length))
		} else {
			used = append(used, addr.RangeOf(run.Addr, run.Length))
		}
	}

	var errs []error
	diff := func(state string, got, want []addr.Range) {
		for g, w := range sliceutil.OuterJoin(got, want, compareRanges) {
			switch {
			case w == nil:
				errs = append(errs, fmt.Errorf("unexpected %s run %v", state, *g))
			case g == nil:
				errs = append(errs, fmt.Errorf("missing %s run %v", state, *w))
			}
		}
	}
	diff("used", used, r.model.Live())
	diff("free", free, r.model.FreeRanges())
	if brk := r.a.Break(); brk != r.model.Break {
		errs = append(errs, fmt.Errorf("break is %v, model %v", brk, r.model.Break))
	}
	return errors.Join(errs...)
}

func compareRanges(a, b addr.Range) int {
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	return cmp.Compare(a.End, b.End)
}

func fillPattern(b []byte, seed uint64) {
	x := seed | 1
	for i := range b {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		b[i] = byte(x)
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Replay runs ops on a fresh allocator.
func Replay(ops []trace.Op, opts Options) (Result, []btff.Run, error) {
	r, err := New(opts)
	if err != nil {
		return Result{}, nil, err
	}
	res, err := r.Run(ops)
	var runs []btff.Run
	for run := range r.a.Runs() {
		runs = append(runs, run)
	}
	return res, runs, err
}

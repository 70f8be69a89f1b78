package btff

import (
	"errors"
	"fmt"
	"iter"
	"math/bits"
	"slices"
	"sync"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/cellarena"
	"github.com/garethgeorge/gobtff/internal/heap"
	"github.com/garethgeorge/gobtff/internal/pagesource"
)

type (
	Addr       = addr.Addr
	Heap       = heap.Heap
	PageSource = pagesource.Source
)

const (
	Null      = addr.Null
	Alignment = addr.Alignment
)

// Allocator is a heap allocator context. All methods are safe for concurrent use; they are
// serialized by one lock.
type Allocator struct {
	mu sync.Mutex
	t  *tree

	cells    *cellarena.Arena
	pageSize uint64
	opts     options
	failed   *FatalError
	closers  []func() error
}

// New returns an allocator over an empty heap.
func New(opts ...Option) (*Allocator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	a := &Allocator{opts: o}
	if o.heap == nil {
		h, err := heap.NewReserved(o.heapLimit)
		if err != nil {
			return nil, fmt.Errorf("reserve heap: %w", err)
		}
		o.heap = h
		a.closers = append(a.closers, h.Close)
	}
	if o.pages == nil {
		src, err := pagesource.NewMmap()
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("page source: %w", err)
		}
		o.pages = src
		a.closers = append(a.closers, src.Close)
	}
	a.opts = o
	a.pageSize = uint64(o.pages.PageSize())

	a.cells = cellarena.New(o.pages, o.refillPages)
	a.cells.OnRefill = func(base addr.Addr, pages int) {
		o.logger.Debug("btff: metadata arena refilled", "base", base, "pages", pages)
	}
	a.t = newTree(a.cells, o.heap, o.logger)
	return a, nil
}

// Close releases the default heap and metadata pages, if New created them. The allocator
// must not be used afterwards.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// do runs fn on a fresh traversal stack with the lock held. A panicking fn is turned into a
// fatal error.
func (a *Allocator) do(op string, at Addr, fn func(st *stack) error) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed != nil {
		return a.failed
	}
	defer func() {
		if r := recover(); r != nil {
			err = a.poison(op, at, r)
		}
	}()

	var st stack
	a.t.begin(&st)
	err = fn(&st)
	a.t.commit(&st)
	if a.opts.checks {
		if cerr := a.check(); cerr != nil {
			panic(&FatalError{Err: ErrCorrupt, Detail: cerr.Error()})
		}
	}
	return err
}

func (a *Allocator) poison(op string, at Addr, r any) *FatalError {
	fe, ok := r.(*FatalError)
	if !ok {
		fe = &FatalError{Err: ErrCorrupt, Detail: fmt.Sprint(r)}
	}
	if fe.Op == "" {
		fe.Op = op
	}
	if fe.Addr == Null {
		fe.Addr = at
	}
	a.failed = fe
	a.opts.logger.Error("btff: fatal allocator error", "op", fe.Op, "addr", fe.Addr, "err", fe.Err, "detail", fe.Detail)
	a.opts.onFatal(fe)
	return fe
}

// Allocate returns the lowest addressed free run of at least size bytes, rounded up to
// Alignment. Allocate(0) returns Null.
func (a *Allocator) Allocate(size uint64) (Addr, error) {
	if size == 0 {
		return Null, nil
	}
	n, ok := addr.CheckedAlignUp(size, Alignment)
	if !ok {
		return Null, ErrSizeOverflow
	}
	var p Addr
	err := a.do("allocate", Null, func(st *stack) (err error) {
		p, err = a.t.malloc(st, n)
		if err == nil {
			a.t.stats.Allocs++
		}
		return err
	})
	if err != nil {
		return Null, err
	}
	return p, nil
}

// AllocateZeroed allocates count*size bytes and clears them.
func (a *Allocator) AllocateZeroed(count, size uint64) (Addr, error) {
	hi, total := bits.Mul64(count, size)
	if hi != 0 {
		return Null, ErrSizeOverflow
	}
	if total == 0 {
		return Null, nil
	}
	n, ok := addr.CheckedAlignUp(total, Alignment)
	if !ok {
		return Null, ErrSizeOverflow
	}
	var p Addr
	err := a.do("allocate", Null, func(st *stack) (err error) {
		p, err = a.t.malloc(st, n)
		if err != nil {
			return err
		}
		a.t.stats.Allocs++
		clear(a.t.heap.Bytes(p, total))
		return nil
	})
	if err != nil {
		return Null, err
	}
	return p, nil
}

// AlignedAllocate returns size bytes rounded up to alignment, starting at a multiple of
// alignment. The run is always carved from the end of the heap.
func (a *Allocator) AlignedAllocate(alignment, size uint64) (Addr, error) {
	if alignment < Alignment || !addr.IsPowerOfTwo(alignment) {
		return Null, ErrInvalidAlignment
	}
	if size == 0 {
		return Null, nil
	}
	n, ok := addr.CheckedAlignUp(size, alignment)
	if !ok {
		return Null, ErrSizeOverflow
	}
	var p Addr
	err := a.do("aligned allocate", Null, func(st *stack) (err error) {
		p, err = a.t.growTail(st, alignment, n)
		if err == nil {
			a.t.stats.Allocs++
		}
		return err
	})
	if err != nil {
		return Null, err
	}
	return p, nil
}

// AllocatePages returns a page aligned run of size bytes.
func (a *Allocator) AllocatePages(size uint64) (Addr, error) {
	return a.AlignedAllocate(a.pageSize, size)
}

// AllocateWholePages returns a page aligned run of size/pageSize+1 whole pages, so even a
// zero size gets a page.
func (a *Allocator) AllocateWholePages(size uint64) (Addr, error) {
	pages := size/a.pageSize + 1
	hi, n := bits.Mul64(pages, a.pageSize)
	if hi != 0 {
		return Null, ErrSizeOverflow
	}
	return a.AlignedAllocate(a.pageSize, n)
}

// Free releases a run returned by one of the allocating methods. Free(Null) does nothing.
// Freeing anything else is fatal.
func (a *Allocator) Free(p Addr) error {
	if p == Null {
		return nil
	}
	return a.do("free", p, func(st *stack) error {
		a.t.free(st, p)
		a.t.stats.Frees++
		return nil
	})
}

// Resize changes the size of the run at p, moving it if it cannot change in place. The
// contents up to the smaller of both sizes are kept. Resize(Null, n) allocates and
// Resize(p, 0) frees p and returns Null. On error p is left untouched.
func (a *Allocator) Resize(p Addr, size uint64) (Addr, error) {
	if p == Null {
		return a.Allocate(size)
	}
	if size == 0 {
		return Null, a.Free(p)
	}
	n, ok := addr.CheckedAlignUp(size, Alignment)
	if !ok {
		return Null, ErrSizeOverflow
	}
	var q Addr
	err := a.do("resize", p, func(st *stack) (err error) {
		q, err = a.t.resize(st, p, n)
		if err == nil {
			a.t.stats.Resizes++
		}
		return err
	})
	if err != nil {
		return Null, err
	}
	return q, nil
}

// UsableSize returns the length of the used run at p, 0 for Null.
func (a *Allocator) UsableSize(p Addr) (uint64, error) {
	if p == Null {
		return 0, nil
	}
	var n uint64
	err := a.do("usable size", p, func(st *stack) error {
		n = a.t.usableSize(st, p)
		return nil
	})
	return n, err
}

// Fork runs fn with the allocator locked, so a process duplicated inside fn never sees a
// half updated tree.
func (a *Allocator) Fork(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed != nil {
		return a.failed
	}
	return fn()
}

// Err returns the fatal error that poisoned the allocator, if any.
func (a *Allocator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed == nil {
		return nil
	}
	return a.failed
}

// CheckAvailable verifies every cached largest free run against the runs below it.
func (a *Allocator) CheckAvailable() error {
	return a.inspect(a.t.checkAvailable)
}

// CheckStructure verifies that the runs tile the heap up to the break and that every cell is
// within its fill bounds.
func (a *Allocator) CheckStructure() error {
	return a.inspect(a.t.checkStructure)
}

func (a *Allocator) Check() error {
	return a.inspect(a.check)
}

func (a *Allocator) check() error {
	return errors.Join(a.t.checkStructure(), a.t.checkAvailable())
}

// inspect runs a read-only walk with the lock held. Walks over broken metadata can fault; that
// is reported as a violation and does not poison the allocator.
func (a *Allocator) inspect(fn func() error) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = &Violations{Title: "check aborted", Problems: []string{fmt.Sprint(r)}}
		}
	}()
	return fn()
}

// Runs yields a snapshot of every run in address order.
func (a *Allocator) Runs() iter.Seq[Run] {
	return slices.Values(a.snapshot())
}

func (a *Allocator) snapshot() []Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t.runs()
}

// Break returns the current end of the heap.
func (a *Allocator) Break() Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t.heap.Break()
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.t.stats
	s.Height = a.t.height()
	s.Break = a.t.heap.Break()
	s.Arena = a.cells.Stats()
	return s
}

// MetadataPages returns the pages holding the tree. No run ever overlaps them.
func (a *Allocator) MetadataPages() []addr.Range {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cells.Pages()
}

func (t *tree) usableSize(st *stack, p Addr) uint64 {
	if t.root == addr.Null {
		panic(fatal(ErrInvalidAddress, p, "heap is empty"))
	}
	level, i := t.searchAddress(st, t.rootLevel, p, false)
	if level < leafLevel {
		n := t.node(st[level].ref)
		if n.avail(i) > 0 {
			panic(fatal(ErrInvalidAddress, p, "run is free"))
		}
		return t.sepLength(level, n, i)
	}
	_, cur, _, ok := t.leaf(st[leafLevel].ref).searchAddr(p)
	if !ok || cur.free {
		panic(fatal(ErrInvalidAddress, p, "not a used run"))
	}
	return cur.length
}

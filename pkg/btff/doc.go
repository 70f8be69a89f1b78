// Package btff is a first-fit heap allocator that keeps the heap's runs in an augmented
// B-tree.
//
// # Overview
//
// The allocator manages a single range [base, brk) of a Heap that grows and shrinks only at
// its upper end. Every byte of that range belongs to exactly one run, free or used. Runs are
// stored in address order:
//
//   - Leaves hold a packed stream of run records (see internal/runcode) and the address of
//     their first run. A leaf is one 128-byte metadata cell.
//   - Nodes hold up to seven slots. Even slots reference children, odd slots hold the address
//     of a separator run that sits between the two neighbouring children. Each slot also
//     caches the largest free run below it, which is what makes first-fit search logarithmic.
//
// Metadata cells come from a PageSource and never live inside the heap.
//
// # Operations
//
//	a, err := btff.New(btff.WithHeap(h), btff.WithPageSource(src))
//	if err != nil {
//	    return err
//	}
//	p, err := a.Allocate(100) // rounded up to 104
//	p, err = a.Resize(p, 4096)
//	err = a.Free(p)
//
// Allocate picks the run with the lowest address that is large enough, splitting off the
// remainder. When no free run is large enough the heap grows at its end. Free coalesces with
// both neighbours and returns a trailing free run to the heap. Resize works in place when the
// following run allows it.
//
// # Failure model
//
// Misuse (freeing an address twice or freeing an address that was never returned), metadata
// page exhaustion and internal inconsistencies are fatal. The violation is logged, the
// allocator refuses every later call, and the fatal handler runs; by default it exits the
// process. Caller input errors and a heap that refuses to grow are reported as ordinary
// errors.
//
// # Debugging
//
// Setting BTFF_CHECK to a non-empty value (or passing WithChecks(true)) runs the full
// consistency walkers after every mutating call:
//
//	BTFF_CHECK=1 go test ./...
package btff

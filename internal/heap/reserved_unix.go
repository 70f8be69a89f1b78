//go:build unix

package heap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/garethgeorge/gobtff/internal/addr"
)

// Reserved reserves address space up front and commits pages below the break with mprotect,
// the way a process break is backed by the kernel.
type Reserved struct {
	mem       []byte
	base      addr.Addr
	brk       uint64
	committed uint64
	pageSize  uint64
}

var _ Heap = (*Reserved)(nil)

// NewReserved reserves limit bytes of inaccessible address space.
func NewReserved(limit uint64) (*Reserved, error) {
	pageSize := uint64(unix.Getpagesize())
	limit = addr.AlignUp(limit, pageSize)
	mem, err := unix.Mmap(-1, 0, int(limit), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("heap: reserve %d bytes: %w", limit, err)
	}
	return &Reserved{
		mem:      mem,
		base:     addr.Addr(uintptr(unsafe.Pointer(&mem[0]))),
		pageSize: pageSize,
	}, nil
}

func (h *Reserved) Base() addr.Addr {
	return h.base
}

func (h *Reserved) Break() addr.Addr {
	return h.base.Add(h.brk)
}

func (h *Reserved) SetBreak(brk addr.Addr) error {
	if brk < h.base || brk.Sub(h.base) > uint64(len(h.mem)) {
		return fmt.Errorf("%w: %v", ErrOutOfRange, brk)
	}
	n := brk.Sub(h.base)
	commit := addr.AlignUp(n, h.pageSize)
	switch {
	case commit > h.committed:
		if err := unix.Mprotect(h.mem[h.committed:commit], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("heap: commit [%d, %d): %w", h.committed, commit, err)
		}
	case commit < h.committed:
		released := h.mem[commit:h.committed]
		if err := unix.Madvise(released, unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("heap: release [%d, %d): %w", commit, h.committed, err)
		}
		if err := unix.Mprotect(released, unix.PROT_NONE); err != nil {
			return fmt.Errorf("heap: protect [%d, %d): %w", commit, h.committed, err)
		}
	}
	h.committed = commit
	h.brk = n
	return nil
}

func (h *Reserved) Bytes(a addr.Addr, n uint64) []byte {
	if a < h.base || a.Add(n) > h.Break() {
		panic(fmt.Sprintf("heap: [%v, %v) is outside [%v, %v)", a, a.Add(n), h.base, h.Break()))
	}
	off := a.Sub(h.base)
	return h.mem[off : off+n : off+n]
}

// Close unmaps the whole reservation.
func (h *Reserved) Close() error {
	if h.mem == nil {
		return nil
	}
	err := unix.Munmap(h.mem)
	h.mem = nil
	return err
}

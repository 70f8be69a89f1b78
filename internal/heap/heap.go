// Package heap provides the break-pointer primitive the allocator grows and shrinks.
package heap

import (
	"errors"
	"fmt"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/garethgeorge/gobtff/internal/addr"
)

var ErrOutOfRange = errors.New("heap: break outside the reserved range")

// Heap is a contiguous range [Base, Break) that only changes at its upper end.
type Heap interface {
	Break() addr.Addr
	// SetBreak moves the upper end of the range. Memory above the old break is not zeroed.
	SetBreak(brk addr.Addr) error
	// Bytes exposes n bytes at a, which must lie below the break.
	Bytes(a addr.Addr, n uint64) []byte
}

// Simulated is a heap backed by a Go byte slice and numbered from an arbitrary base.
type Simulated struct {
	base  addr.Addr
	limit uint64
	mem   []byte
}

var _ Heap = (*Simulated)(nil)

// NewSimulated returns an empty heap at base that can grow to limit bytes.
func NewSimulated(base addr.Addr, limit uint64) *Simulated {
	return &Simulated{base: base, limit: limit}
}

func (h *Simulated) Base() addr.Addr {
	return h.base
}

func (h *Simulated) Break() addr.Addr {
	return h.base.Add(uint64(len(h.mem)))
}

func (h *Simulated) SetBreak(brk addr.Addr) error {
	if brk < h.base || brk.Sub(h.base) > h.limit {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrOutOfRange, brk, h.base, h.base.Add(h.limit))
	}
	n := int(brk.Sub(h.base))
	if n > cap(h.mem) {
		grown := dirtmake.Bytes(n, max(n, 2*cap(h.mem)))
		copy(grown, h.mem)
		h.mem = grown
		return nil
	}
	h.mem = h.mem[:n]
	return nil
}

func (h *Simulated) Bytes(a addr.Addr, n uint64) []byte {
	if a < h.base || a.Add(n) > h.Break() {
		panic(fmt.Sprintf("heap: [%v, %v) is outside [%v, %v)", a, a.Add(n), h.base, h.Break()))
	}
	off := a.Sub(h.base)
	return h.mem[off : off+n : off+n]
}

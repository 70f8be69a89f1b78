//go:build !unix

package heap

import (
	"errors"

	"github.com/garethgeorge/gobtff/internal/addr"
)

type Reserved struct{}

var _ Heap = (*Reserved)(nil)

func NewReserved(limit uint64) (*Reserved, error) {
	return nil, errors.ErrUnsupported
}

func (h *Reserved) Base() addr.Addr {
	return addr.Null
}

func (h *Reserved) Break() addr.Addr {
	return addr.Null
}

func (h *Reserved) SetBreak(addr.Addr) error {
	return errors.ErrUnsupported
}

func (h *Reserved) Bytes(a addr.Addr, n uint64) []byte {
	return nil
}

func (h *Reserved) Close() error {
	return nil
}

//go:build !unix

package pagesource

import (
	"errors"

	"github.com/garethgeorge/gobtff/internal/addr"
)

type Mmap struct{}

var _ Source = (*Mmap)(nil)

func NewMmap() (*Mmap, error) {
	return nil, errors.ErrUnsupported
}

func (m *Mmap) MapPages(count int) (addr.Addr, []byte, error) {
	return addr.Null, nil, errors.ErrUnsupported
}

func (m *Mmap) PageSize() int {
	return 4096
}

func (m *Mmap) Close() error {
	return nil
}

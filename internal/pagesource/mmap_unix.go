//go:build unix

package pagesource

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/garethgeorge/gobtff/internal/addr"
)

// Mmap maps anonymous private pages from the operating system.
type Mmap struct {
	pageSize int
	mapped   int
	regions  [][]byte
}

var _ Source = (*Mmap)(nil)

func NewMmap() (*Mmap, error) {
	return &Mmap{pageSize: unix.Getpagesize()}, nil
}

func (m *Mmap) MapPages(count int) (addr.Addr, []byte, error) {
	mem, err := unix.Mmap(-1, 0, count*m.pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return addr.Null, nil, fmt.Errorf("pagesource: mmap %d pages: %w", count, err)
	}
	m.mapped += count
	m.regions = append(m.regions, mem)
	return addr.Addr(uintptr(unsafe.Pointer(&mem[0]))), mem, nil
}

func (m *Mmap) PageSize() int {
	return m.pageSize
}

// Close unmaps every page handed out. Nothing may touch them afterwards.
func (m *Mmap) Close() error {
	var errs []error
	for _, mem := range m.regions {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("pagesource: munmap: %w", err))
		}
	}
	m.regions, m.mapped = nil, 0
	return errors.Join(errs...)
}

// Package pagesource supplies raw pages for allocator metadata.
package pagesource

import (
	"errors"

	"github.com/garethgeorge/gobtff/internal/addr"
)

var ErrExhausted = errors.New("pagesource: no more pages")

// Source maps fresh, zeroed pages. Mapped pages are never returned.
type Source interface {
	// MapPages maps count contiguous pages and returns their base address and contents.
	MapPages(count int) (addr.Addr, []byte, error)
	PageSize() int
}

// Simulated hands out pages from a fixed window of fake addresses. Page contents are
// ordinary Go memory; the addresses only identify pages.
type Simulated struct {
	next     addr.Addr
	limit    addr.Addr
	pageSize int
	mapped   int
}

var _ Source = (*Simulated)(nil)

// NewSimulated returns a source numbering pages from base. maxPages bounds the number of
// pages it will ever map; zero means unbounded.
func NewSimulated(base addr.Addr, pageSize int, maxPages int) *Simulated {
	s := &Simulated{
		next:     base.AlignUp(uint64(pageSize)),
		pageSize: pageSize,
	}
	if maxPages > 0 {
		s.limit = s.next.Add(uint64(maxPages) * uint64(pageSize))
	}
	return s
}

func (s *Simulated) MapPages(count int) (addr.Addr, []byte, error) {
	size := uint64(count) * uint64(s.pageSize)
	if s.limit != 0 && s.next.Add(size) > s.limit {
		return addr.Null, nil, ErrExhausted
	}
	base := s.next
	s.next = s.next.Add(size)
	s.mapped += count
	return base, make([]byte, size), nil
}

func (s *Simulated) PageSize() int {
	return s.pageSize
}

// Mapped reports how many pages have been handed out.
func (s *Simulated) Mapped() int {
	return s.mapped
}

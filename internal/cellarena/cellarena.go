// Package cellarena carves fixed-size metadata cells out of raw pages.
//
// Free cells form an intrusive singly linked list: the first eight bytes of a free cell hold
// the address of the next free cell. Pages are never returned to the page source.
package cellarena

import (
	"encoding/binary"
	"fmt"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/pagesource"
)

// CellSize is the size of one node or leaf, two 64-byte cache lines.
const CellSize = 128

type Stats struct {
	CellsInUse  int `json:"cells_in_use"`
	CellsFree   int `json:"cells_free"`
	PagesMapped int `json:"pages_mapped"`
	Refills     int `json:"refills"`
}

// Arena hands out cells. It is not thread-safe; the allocator lock covers it.
type Arena struct {
	src         pagesource.Source
	pageSize    int
	refillPages int

	pages map[addr.Addr][]byte
	free  addr.Addr
	stats Stats

	// OnRefill, if set, is called after fresh pages were mapped.
	OnRefill func(base addr.Addr, pages int)
}

// New returns an arena drawing refillPages pages at a time from src.
func New(src pagesource.Source, refillPages int) *Arena {
	if refillPages < 1 {
		refillPages = 1
	}
	if src.PageSize()%CellSize != 0 {
		panic(fmt.Sprintf("cellarena: page size %d is not a multiple of the cell size", src.PageSize()))
	}
	return &Arena{
		src:         src,
		pageSize:    src.PageSize(),
		refillPages: refillPages,
		pages:       make(map[addr.Addr][]byte),
	}
}

// Alloc returns a zeroed cell, mapping more pages when the free list is empty.
func (a *Arena) Alloc() (addr.Addr, error) {
	if a.free == addr.Null {
		if err := a.refill(); err != nil {
			return addr.Null, err
		}
	}
	c := a.free
	b := a.Bytes(c)
	a.free = addr.Addr(binary.LittleEndian.Uint64(b))
	clear(b)
	a.stats.CellsInUse++
	a.stats.CellsFree--
	return c, nil
}

// Release puts c back on the free list.
func (a *Arena) Release(c addr.Addr) {
	b := a.Bytes(c)
	binary.LittleEndian.PutUint64(b, uint64(a.free))
	a.free = c
	a.stats.CellsInUse--
	a.stats.CellsFree++
}

// Bytes returns the storage of cell c.
func (a *Arena) Bytes(c addr.Addr) []byte {
	base := c &^ addr.Addr(a.pageSize-1)
	page, ok := a.pages[base]
	off := int(c - base)
	if !ok || off%CellSize != 0 {
		panic(fmt.Sprintf("cellarena: %v is not a cell", c))
	}
	return page[off : off+CellSize : off+CellSize]
}

// Contains reports whether p lies inside a page owned by the arena.
func (a *Arena) Contains(p addr.Addr) bool {
	_, ok := a.pages[p&^addr.Addr(a.pageSize-1)]
	return ok
}

// Pages returns the address range of every mapped page.
func (a *Arena) Pages() []addr.Range {
	ranges := make([]addr.Range, 0, len(a.pages))
	for base := range a.pages {
		ranges = append(ranges, addr.RangeOf(base, uint64(a.pageSize)))
	}
	return ranges
}

func (a *Arena) Stats() Stats {
	return a.stats
}

func (a *Arena) refill() error {
	base, mem, err := a.src.MapPages(a.refillPages)
	if err != nil {
		return fmt.Errorf("cellarena: refill %d pages: %w", a.refillPages, err)
	}
	if !base.IsAligned(uint64(a.pageSize)) || len(mem) != a.refillPages*a.pageSize {
		return fmt.Errorf("cellarena: page source returned a misaligned mapping at %v", base)
	}
	for i := 0; i < a.refillPages; i++ {
		a.pages[base.Add(uint64(i*a.pageSize))] = mem[i*a.pageSize : (i+1)*a.pageSize]
	}
	// Push in reverse so cells are handed out in address order.
	for off := len(mem) - CellSize; off >= 0; off -= CellSize {
		c := base.Add(uint64(off))
		binary.LittleEndian.PutUint64(mem[off:], uint64(a.free))
		a.free = c
	}
	cells := len(mem) / CellSize
	a.stats.CellsFree += cells
	a.stats.PagesMapped += a.refillPages
	a.stats.Refills++
	if a.OnRefill != nil {
		a.OnRefill(base, a.refillPages)
	}
	return nil
}

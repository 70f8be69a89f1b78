package btff

import (
	"encoding/binary"
	"iter"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/cellarena"
	"github.com/garethgeorge/gobtff/internal/runcode"
)

const (
	leafHeader   = 9
	leafCapacity = cellarena.CellSize - leafHeader
	leafMiddle   = 59
)

// leaf is a view of a leaf cell:
//
//	[0:8]   address of the first run
//	[8]     bytes of encoded records in use
//	[9:128] run records
type leaf []byte

// record is one decoded run. begin and end are byte offsets into the record area.
type record struct {
	begin, end int
	addr       addr.Addr
	length     uint64
	free       bool
}

func (r record) limit() addr.Addr {
	return r.addr.Add(r.length)
}

func (l leaf) base() addr.Addr {
	return addr.Addr(binary.LittleEndian.Uint64(l))
}

func (l leaf) setBase(a addr.Addr) {
	binary.LittleEndian.PutUint64(l, uint64(a))
}

func (l leaf) size() int {
	return int(l[8])
}

func (l leaf) setSize(n int) {
	l[8] = byte(n)
}

// buf is the whole record area, data the part of it in use.
func (l leaf) buf() []byte {
	return l[leafHeader:cellarena.CellSize]
}

func (l leaf) data() []byte {
	return l[leafHeader : leafHeader+l.size()]
}

// scan yields the records starting at byte off, whose run starts at at.
func (l leaf) scan(off int, at addr.Addr) iter.Seq[record] {
	return func(yield func(record) bool) {
		data := l.data()
		for pos, a := off, at; pos < len(data); {
			length, free, n := runcode.Decode(data[pos:])
			if n == 0 {
				panic(corrupt("leaf at %v: truncated record at offset %d", l.base(), pos))
			}
			r := record{begin: pos, end: pos + n, addr: a, length: length, free: free}
			if !yield(r) {
				return
			}
			pos += n
			a = a.Add(length)
		}
	}
}

func (l leaf) records() iter.Seq[record] {
	return l.scan(0, l.base())
}

func (l leaf) first() (record, bool) {
	for r := range l.records() {
		return r, true
	}
	return record{}, false
}

func (l leaf) next(cur record) (record, bool) {
	for r := range l.scan(cur.end, cur.limit()) {
		return r, true
	}
	return record{}, false
}

// last returns the final record and the largest free run before it.
func (l leaf) last() (last record, maxBefore uint64, ok bool) {
	for r := range l.records() {
		if ok && last.free {
			maxBefore = max(maxBefore, last.length)
		}
		last, ok = r, true
	}
	return last, maxBefore, ok
}

// searchFree returns the first free record of at least size bytes.
func (l leaf) searchFree(size uint64) (record, bool) {
	for r := range l.records() {
		if r.free && r.length >= size {
			return r, true
		}
	}
	return record{}, false
}

// searchAddr returns the record starting exactly at p and the one before it.
func (l leaf) searchAddr(p addr.Addr) (prev, cur record, hasPrev, ok bool) {
	for r := range l.records() {
		if r.addr == p {
			return prev, r, hasPrev, true
		}
		if r.addr > p {
			break
		}
		prev, hasPrev = r, true
	}
	return record{}, record{}, false, false
}

func (l leaf) maxFree() uint64 {
	var m uint64
	for r := range l.records() {
		if r.free {
			m = max(m, r.length)
		}
	}
	return m
}

// end returns the address right after the last run.
func (l leaf) end() addr.Addr {
	end := l.base()
	for r := range l.records() {
		end = r.limit()
	}
	return end
}

// fits reports whether replacing bytes [begin, end) with n bytes stays within capacity.
func (l leaf) fits(begin, end, n int) bool {
	return l.size()-(end-begin)+n <= leafCapacity
}

// splice replaces bytes [begin, end) of the record area with repl.
func (l leaf) splice(begin, end int, repl []byte) {
	size := l.size()
	newSize := size - (end - begin) + len(repl)
	if newSize > leafCapacity {
		panic(corrupt("leaf at %v: splice to %d bytes", l.base(), newSize))
	}
	buf := l.buf()
	copy(buf[begin+len(repl):newSize], buf[end:size])
	copy(buf[begin:], repl)
	l.setSize(newSize)
}

// overflow pads the leaf with zero-length used records until it is full, which makes the
// next descent with splitting enabled split it.
func (l leaf) overflow() {
	clear(l.buf()[l.size():])
	l.setSize(leafCapacity)
}

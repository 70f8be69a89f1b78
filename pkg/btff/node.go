package btff

import (
	"encoding/binary"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/cellarena"
)

const (
	nodeSize   = 7
	nodeMiddle = 3

	// Leaves sit at a fixed level and the root grows towards level 0, so a level names the
	// same depth from the bottom for the whole life of the tree.
	leafLevel = 30

	nodeSlotsOff = 8
	nodeAvailOff = nodeSlotsOff + 8*nodeSize
)

// node is a view of an interior cell:
//
//	[0]      level
//	[1]      slot count (odd)
//	[8:64]   slots: children at even indexes, separator addresses at odd ones
//	[64:120] largest free run below each slot
type node []byte

var _ = [cellarena.CellSize - nodeAvailOff - 8*nodeSize]struct{}{}

func (n node) level() int {
	return int(n[0])
}

func (n node) setLevel(level int) {
	n[0] = byte(level)
}

func (n node) size() int {
	return int(n[1])
}

func (n node) setSize(size int) {
	n[1] = byte(size)
}

func (n node) slot(i int) addr.Addr {
	return addr.Addr(binary.LittleEndian.Uint64(n[nodeSlotsOff+8*i:]))
}

func (n node) setSlot(i int, a addr.Addr) {
	binary.LittleEndian.PutUint64(n[nodeSlotsOff+8*i:], uint64(a))
}

func (n node) avail(i int) uint64 {
	return binary.LittleEndian.Uint64(n[nodeAvailOff+8*i:])
}

func (n node) setAvail(i int, v uint64) {
	binary.LittleEndian.PutUint64(n[nodeAvailOff+8*i:], v)
}

func (n node) set(i int, a addr.Addr, v uint64) {
	n.setSlot(i, a)
	n.setAvail(i, v)
}

// maxAvail returns the largest cached value in slots [from, to).
func (n node) maxAvail(from, to int) uint64 {
	var m uint64
	for i := from; i < to; i++ {
		m = max(m, n.avail(i))
	}
	return m
}

// copySlots copies count slots of src starting at from into n starting at dst. src may be n.
func (n node) copySlots(dst int, src node, from, count int) {
	if count <= 0 {
		return
	}
	copy(n[nodeSlotsOff+8*dst:nodeSlotsOff+8*(dst+count)], src[nodeSlotsOff+8*from:])
	copy(n[nodeAvailOff+8*dst:nodeAvailOff+8*(dst+count)], src[nodeAvailOff+8*from:])
}

func (n node) clearSlots(from, to int) {
	for i := from; i < to; i++ {
		n.set(i, addr.Null, 0)
	}
}

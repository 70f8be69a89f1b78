// Package runcode encodes a run of the managed heap, its length and a free flag, into a
// self-delimiting byte sequence.
//
// The payload is (length/8)<<1 | free. The number of leading one bits of the first byte is
// the number of bytes that follow it, and the payload is stored big-endian after that prefix,
// so the free flag is always bit 0 of the last byte. One byte covers lengths below 512.
package runcode

import (
	"fmt"
	"math/bits"
)

const (
	// Granularity is the unit of every encoded length.
	Granularity = 8
	// MaxWidth is the widest record, a 0xff prefix followed by eight payload bytes.
	MaxWidth = 9

	flagFree = 0x01
)

// Width returns the number of bytes Encode uses for length.
func Width(length uint64) int {
	p := payload(length, false)
	n := (bits.Len64(p) + 6) / 7
	if n == 0 {
		return 1
	}
	if n > 8 {
		return MaxWidth
	}
	return n
}

// Encode writes the record for (length, free) to the start of buf and returns its width.
// buf must hold at least Width(length) bytes.
func Encode(buf []byte, length uint64, free bool) int {
	p := payload(length, free)
	n := Width(length)
	if n == MaxWidth {
		buf[0] = 0xff
		for i := 8; i >= 1; i-- {
			buf[i] = byte(p)
			p >>= 8
		}
		return n
	}
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(p)
		p >>= 8
	}
	buf[0] |= ^byte(0xff >> (n - 1))
	return n
}

// Append appends the record for (length, free) to dst.
func Append(dst []byte, length uint64, free bool) []byte {
	var tmp [MaxWidth]byte
	n := Encode(tmp[:], length, free)
	return append(dst, tmp[:n]...)
}

// Decode reads the record at the start of b. It returns n == 0 if b is empty or ends in the
// middle of a record.
func Decode(b []byte) (length uint64, free bool, n int) {
	if len(b) == 0 {
		return 0, false, 0
	}
	extra := bits.LeadingZeros8(^b[0])
	if extra >= 8 {
		extra = 8
	}
	n = extra + 1
	if len(b) < n {
		return 0, false, 0
	}
	var p uint64
	if extra < 8 {
		p = uint64(b[0] & (0xff >> (extra + 1)))
	}
	for i := 1; i < n; i++ {
		p = p<<8 | uint64(b[i])
	}
	return (p >> 1) * Granularity, p&flagFree != 0, n
}

// IsFree reports the flag of the record occupying rec exactly.
func IsFree(rec []byte) bool {
	return rec[len(rec)-1]&flagFree != 0
}

// SetFree rewrites the flag of the record occupying rec exactly, in place.
func SetFree(rec []byte, free bool) {
	if free {
		rec[len(rec)-1] |= flagFree
	} else {
		rec[len(rec)-1] &^= flagFree
	}
}

func payload(length uint64, free bool) uint64 {
	if length%Granularity != 0 {
		panic(fmt.Sprintf("runcode: length %d is not a multiple of %d", length, Granularity))
	}
	p := (length / Granularity) << 1
	if free {
		p |= flagFree
	}
	return p
}

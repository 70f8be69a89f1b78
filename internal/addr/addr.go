// Package addr holds the integer address handle used for heap runs and metadata cells.
package addr

import (
	"fmt"
	"math/bits"
)

// Alignment is the granularity of every run length and every returned address.
const Alignment = 8

// Addr is an address in the managed range or in the metadata pages.
type Addr uint64

// Null is the address returned when nothing was allocated.
const Null Addr = 0

func (a Addr) Add(n uint64) Addr {
	return a + Addr(n)
}

// Sub returns a - b in bytes. It panics if b > a.
func (a Addr) Sub(b Addr) uint64 {
	if b > a {
		panic(fmt.Sprintf("address underflow: %v - %v", a, b))
	}
	return uint64(a - b)
}

func (a Addr) IsAligned(alignment uint64) bool {
	return uint64(a)&(alignment-1) == 0
}

func (a Addr) AlignUp(alignment uint64) Addr {
	return Addr(AlignUp(uint64(a), alignment))
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// AlignUp rounds n up to a multiple of alignment, which must be a power of two.
func AlignUp(n, alignment uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// CheckedAlignUp is AlignUp with overflow detection.
func CheckedAlignUp(n, alignment uint64) (uint64, bool) {
	sum, carry := bits.Add64(n, alignment-1, 0)
	if carry != 0 {
		return 0, false
	}
	return sum &^ (alignment - 1), true
}

func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

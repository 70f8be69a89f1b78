package addr

import "fmt"

var EmptyRange = Range{}

type Range struct {
	Start Addr // inclusive
	End   Addr // exclusive
}

func RangeOf(start Addr, size uint64) Range {
	return Range{Start: start, End: start.Add(size)}
}

func (r Range) Size() uint64 {
	return uint64(r.End - r.Start)
}

func (r Range) Less(other Range) bool {
	return r.Start < other.Start
}

func (r Range) Contains(a Addr) bool {
	return r.Start <= a && a < r.End
}

func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

func (r Range) Adjacent(other Range) bool {
	return r.End == other.Start || other.End == r.Start
}

func (r Range) Merge(other Range) Range {
	if !r.Overlaps(other) && !r.Adjacent(other) {
		panic("cannot merge non-overlapping, non-adjacent ranges")
	}
	return Range{Start: min(r.Start, other.Start), End: max(r.End, other.End)}
}

func (r Range) String() string {
	return fmt.Sprintf("[%v, %v)", r.Start, r.End)
}

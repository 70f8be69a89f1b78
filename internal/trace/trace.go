// Package trace reads and writes allocator workloads.
//
// A trace is a text file with one call per line, preceded by a header line:
//
//	btff-trace 1
//	a 0 64        allocate 64 bytes into slot 0
//	z 1 4 16      allocate 4*16 zeroed bytes into slot 1
//	m 2 4096 100  allocate 100 bytes aligned to 4096 into slot 2
//	r 0 200       resize slot 0 to 200 bytes
//	f 1           free slot 1
//
// Slots name allocations so a trace does not depend on the addresses it produced. Blank lines
// and lines starting with # are ignored.
//
// Files ending in BinaryExt hold the same ops in a compact binary form, see BinaryWriter.
package trace

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	Header  = "btff-trace"
	Version = 1
)

var ErrSyntax = errors.New("trace: syntax error")

type Kind byte

const (
	Alloc   Kind = 'a'
	Zeroed  Kind = 'z'
	Aligned Kind = 'm'
	Resize  Kind = 'r'
	Free    Kind = 'f'
)

func (k Kind) String() string {
	switch k {
	case Alloc:
		return "alloc"
	case Zeroed:
		return "zeroed"
	case Aligned:
		return "aligned"
	case Resize:
		return "resize"
	case Free:
		return "free"
	}
	return fmt.Sprintf("Kind(%q)", byte(k))
}

// Op is one allocator call. Count is only used by Zeroed, Align only by Aligned.
type Op struct {
	Kind  Kind
	Slot  int
	Size  uint64
	Count uint64
	Align uint64
}

func (op Op) String() string {
	switch op.Kind {
	case Free:
		return fmt.Sprintf("%c %d", op.Kind, op.Slot)
	case Zeroed:
		return fmt.Sprintf("%c %d %d %d", op.Kind, op.Slot, op.Count, op.Size)
	case Aligned:
		return fmt.Sprintf("%c %d %d %d", op.Kind, op.Slot, op.Align, op.Size)
	default:
		return fmt.Sprintf("%c %d %d", op.Kind, op.Slot, op.Size)
	}
}

// Bytes is the number of bytes the op asks for.
func (op Op) Bytes() uint64 {
	if op.Kind == Zeroed {
		return op.Count * op.Size
	}
	return op.Size
}

func (op Op) validate() error {
	switch op.Kind {
	case Alloc, Zeroed, Aligned, Resize, Free:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrSyntax, byte(op.Kind))
	}
	if op.Slot < 0 {
		return fmt.Errorf("%w: bad slot %d", ErrSyntax, op.Slot)
	}
	return nil
}

// Parse parses one op line.
func Parse(line string) (Op, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields[0]) != 1 {
		return Op{}, fmt.Errorf("%w: %q", ErrSyntax, line)
	}
	op := Op{Kind: Kind(fields[0][0])}
	want := 3
	switch op.Kind {
	case Free:
		want = 2
	case Zeroed, Aligned:
		want = 4
	case Alloc, Resize:
	default:
		return Op{}, fmt.Errorf("%w: unknown op %q", ErrSyntax, fields[0])
	}
	if len(fields) != want {
		return Op{}, fmt.Errorf("%w: %s takes %d fields, got %q", ErrSyntax, op.Kind, want-1, line)
	}

	slot, err := strconv.Atoi(fields[1])
	if err != nil || slot < 0 {
		return Op{}, fmt.Errorf("%w: bad slot %q", ErrSyntax, fields[1])
	}
	op.Slot = slot

	nums := make([]uint64, 0, 2)
	for _, f := range fields[2:] {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Op{}, fmt.Errorf("%w: bad number %q: %w", ErrSyntax, f, err)
		}
		nums = append(nums, n)
	}
	switch op.Kind {
	case Alloc, Resize:
		op.Size = nums[0]
	case Zeroed:
		op.Count, op.Size = nums[0], nums[1]
	case Aligned:
		op.Align, op.Size = nums[0], nums[1]
	}
	return op, nil
}

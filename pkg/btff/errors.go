package btff

import (
	"fmt"
	"strings"

	"github.com/garethgeorge/gobtff/internal/addr"
)

var (
	ErrInvalidAlignment = &AllocError{"alignment must be a power of two and at least 8"}
	ErrSizeOverflow     = &AllocError{"requested size overflows the address space"}
	ErrHeapExhausted    = &AllocError{"heap break could not be moved"}

	// Fatal conditions, delivered wrapped in a *FatalError.
	ErrInvalidAddress    = &AllocError{"address is not an outstanding allocation"}
	ErrDoubleFree        = &AllocError{"address is already free"}
	ErrCorrupt           = &AllocError{"allocator metadata is inconsistent"}
	ErrMetadataExhausted = &AllocError{"no pages left for allocator metadata"}
)

type AllocError struct {
	Msg string
}

func (e *AllocError) Error() string {
	return e.Msg
}

func (e *AllocError) Is(target error) bool {
	if targetErr, ok := target.(*AllocError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}

// FatalError reports a condition the allocator cannot recover from. Once one was returned
// the allocator is poisoned.
type FatalError struct {
	Op     string
	Addr   addr.Addr
	Err    error
	Detail string
}

func (e *FatalError) Error() string {
	var b strings.Builder
	b.WriteString("btff: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Addr != addr.Null {
			fmt.Fprintf(&b, " %v", e.Addr)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	return b.String()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(err error, at addr.Addr, format string, args ...any) *FatalError {
	return &FatalError{Addr: at, Err: err, Detail: fmt.Sprintf(format, args...)}
}

func corrupt(format string, args ...any) *FatalError {
	return fatal(ErrCorrupt, addr.Null, format, args...)
}

// Violations collects every inconsistency found by a consistency walk.
type Violations struct {
	Title    string
	Problems []string
}

func (v *Violations) add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *Violations) err() error {
	if len(v.Problems) == 0 {
		return nil
	}
	return v
}

func (v *Violations) Error() string {
	builder := strings.Builder{}
	if v.Title != "" {
		builder.WriteString(v.Title + ":\n")
	} else {
		builder.WriteString("Violations:\n")
	}
	for _, p := range v.Problems {
		builder.WriteString("  ")
		builder.WriteString(p)
		builder.WriteString("\n")
	}
	return builder.String()
}

func (v *Violations) Unwrap() error {
	return ErrCorrupt
}

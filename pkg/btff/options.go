package btff

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/garethgeorge/gobtff/internal/heap"
	"github.com/garethgeorge/gobtff/internal/pagesource"
)

// CheckEnv, when set to a non-empty value, turns on WithChecks for every allocator.
const CheckEnv = "BTFF_CHECK"

const (
	defaultHeapLimit   = 1 << 32
	defaultRefillPages = 1
)

type options struct {
	heap        heap.Heap
	pages       pagesource.Source
	logger      *slog.Logger
	onFatal     func(error)
	checks      bool
	heapLimit   uint64
	refillPages int
}

type Option = func(*options)

// WithHeap sets the heap to manage. The default is a reserved region of WithHeapLimit bytes.
func WithHeap(h heap.Heap) func(*options) {
	return func(o *options) {
		o.heap = h
	}
}

// WithPageSource sets where metadata cells come from. The default maps anonymous pages.
func WithPageSource(src pagesource.Source) func(*options) {
	return func(o *options) {
		o.pages = src
	}
}

// WithRefillPages sets how many pages the metadata arena maps at a time.
func WithRefillPages(pages int) func(*options) {
	return func(o *options) {
		o.refillPages = pages
	}
}

func WithLogger(logger *slog.Logger) func(*options) {
	return func(o *options) {
		o.logger = logger
	}
}

// WithFatalHandler replaces the default reaction to a fatal error, exiting with status 2.
// The handler runs with the allocator lock held and must not call back into the allocator.
func WithFatalHandler(fn func(error)) func(*options) {
	return func(o *options) {
		o.onFatal = fn
	}
}

// WithChecks runs both consistency walkers after every mutating call. A violation is fatal.
func WithChecks(enabled bool) func(*options) {
	return func(o *options) {
		o.checks = enabled
	}
}

// WithHeapLimit sizes the default heap.
func WithHeapLimit(limit uint64) func(*options) {
	return func(o *options) {
		o.heapLimit = limit
	}
}

func defaultOptions() options {
	return options{
		logger:      slog.New(slog.DiscardHandler),
		onFatal:     exitOnFatal,
		checks:      os.Getenv(CheckEnv) != "",
		heapLimit:   defaultHeapLimit,
		refillPages: defaultRefillPages,
	}
}

func exitOnFatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}

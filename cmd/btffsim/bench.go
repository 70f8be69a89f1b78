package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/garethgeorge/gobtff/internal/addr"
	"github.com/garethgeorge/gobtff/internal/heap"
	"github.com/garethgeorge/gobtff/internal/pagesource"
	"github.com/garethgeorge/gobtff/internal/replay"
	"github.com/garethgeorge/gobtff/internal/trace"
	"github.com/garethgeorge/gobtff/pkg/btff"
)

var (
	benchWorkers int
	benchOps     int
	benchSeed    int64
	benchMaxSize uint64
)

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVar(&benchWorkers, "workers", 4, "Independent allocators run in parallel")
	cmd.Flags().IntVar(&benchOps, "ops", 100000, "Calls per worker")
	cmd.Flags().Int64Var(&benchSeed, "seed", 1, "Seed of the first worker; worker i uses seed+i")
	cmd.Flags().Uint64Var(&benchMaxSize, "max-size", 4096, "Largest request in bytes")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time independent allocators driven in parallel",
		Long: `The bench command generates one workload per worker and drives a separate
allocator with each, all at once. Calls are not verified; use replay for that.

Example:
  btffsim bench --workers 8 --ops 1000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	return cmd
}

type benchResult struct {
	Worker    int           `json:"worker"`
	Ops       int           `json:"ops"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	NsPerCall float64       `json:"ns_per_call"`
	Stats     btff.Stats    `json:"stats"`
}

func runBench(stdout, stderr io.Writer) error {
	if benchWorkers < 1 {
		return fmt.Errorf("--workers must be at least 1, got %d", benchWorkers)
	}
	log := newLogger(stderr)

	results := make([]benchResult, benchWorkers)
	var eg errgroup.Group
	for i := range benchWorkers {
		eg.Go(func() error {
			ops := trace.Generate(trace.GenOptions{Ops: benchOps, Seed: benchSeed + int64(i), MaxSize: benchMaxSize})
			res, err := benchWorker(ops, log.With("worker", i))
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			res.Worker = i
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if jsonOut {
		return printJSON(stdout, results)
	}
	for _, r := range results {
		fmt.Fprintf(stdout, "worker %d: %d ops in %v (%.1f ns/call), height %d, %d moves\n",
			r.Worker, r.Ops, r.Elapsed.Round(time.Microsecond), r.NsPerCall, r.Stats.Height, r.Stats.Moves)
	}
	return nil
}

// benchWorker drives a fresh allocator with ops, without any verification.
func benchWorker(ops []trace.Op, log *slog.Logger) (benchResult, error) {
	a, err := btff.New(
		btff.WithHeap(heap.NewSimulated(replay.DefaultHeapBase, replay.DefaultHeapLimit)),
		btff.WithPageSource(pagesource.NewSimulated(replay.DefaultPageBase, replay.DefaultPageSize, 0)),
		btff.WithLogger(log),
		btff.WithChecks(false),
		btff.WithFatalHandler(func(error) {}),
	)
	if err != nil {
		return benchResult{}, err
	}
	defer a.Close()

	slots := make(map[int]addr.Addr)
	start := time.Now()
	for i, op := range ops {
		var p addr.Addr
		switch op.Kind {
		case trace.Alloc:
			p, err = a.Allocate(op.Size)
		case trace.Zeroed:
			p, err = a.AllocateZeroed(op.Count, op.Size)
		case trace.Aligned:
			p, err = a.AlignedAllocate(op.Align, op.Size)
		case trace.Resize:
			p, err = a.Resize(slots[op.Slot], op.Size)
		case trace.Free:
			err = a.Free(slots[op.Slot])
			delete(slots, op.Slot)
		}
		if err != nil {
			return benchResult{}, fmt.Errorf("op %d (%v): %w", i, op, err)
		}
		if op.Kind != trace.Free {
			slots[op.Slot] = p
		}
	}
	elapsed := time.Since(start)

	res := benchResult{Ops: len(ops), Elapsed: elapsed, Stats: a.Stats()}
	if len(ops) > 0 {
		res.NsPerCall = float64(elapsed.Nanoseconds()) / float64(len(ops))
	}
	return res, nil
}

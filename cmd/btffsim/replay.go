package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/garethgeorge/gobtff/internal/progress"
	"github.com/garethgeorge/gobtff/internal/replay"
	"github.com/garethgeorge/gobtff/internal/trace"
)

var (
	replayHash     string
	replayCheck    bool
	replayPageSize int
)

func init() {
	cmd := newReplayCmd()
	cmd.Flags().StringVar(&replayHash, "hash", string(replay.XXHash), "Block checksum: xxhash, blake3 or sha256")
	cmd.Flags().BoolVar(&replayCheck, "check", false, "Run the allocator consistency checks after every call")
	cmd.Flags().IntVar(&replayPageSize, "page-size", replay.DefaultPageSize, "Metadata page size in bytes")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <trace>",
		Short: "Replay a trace against a simulated heap",
		Long: `The replay command runs every call of a trace and verifies it: plain
allocations must land on the lowest fitting free run, no block may overlap a
live one, and every block keeps its content until it is freed.

Example:
  btffsim replay work.trace.zst
  btffsim replay work.trace --hash blake3 --check --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
		},
	}
	return cmd
}

func runReplay(stdout, stderr io.Writer, path string) error {
	log := newLogger(stderr)
	ops, err := trace.ReadFile(path)
	if err != nil {
		return err
	}

	var bar progress.BarProgressTracker = progress.NoopBarProgressTracker{}
	if verbose {
		bar = progress.NewLogBar(log, time.Second)
		bar.SetMessage("replaying " + path)
	}
	res, _, err := replay.Replay(ops, replay.Options{
		Hash:     replay.HashKind(replayHash),
		Check:    replayCheck,
		PageSize: replayPageSize,
		Logger:   log,
		Progress: bar,
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", path, err)
	}

	if jsonOut {
		return printJSON(stdout, res)
	}
	printResult(stdout, res)
	return nil
}

func printResult(w io.Writer, res replay.Result) {
	s := res.Stats
	fmt.Fprintf(w, "ops:        %d in %v\n", res.Ops, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "peak live:  %d blocks, %d bytes\n", res.PeakLive, res.PeakBytes)
	fmt.Fprintf(w, "calls:      %d allocs, %d frees, %d resizes (%d in place, %d moved)\n",
		s.Allocs, s.Frees, s.Resizes, s.InPlaceResizes, s.Moves)
	fmt.Fprintf(w, "heap:       break %v, %d grows, %d shrinks\n", s.Break, s.Grows, s.Shrinks)
	fmt.Fprintf(w, "tree:       height %d, %d splits, %d merges, %d shifts\n", s.Height, s.Splits, s.Merges, s.Shifts)
	fmt.Fprintf(w, "metadata:   %d cells in use, %d pages mapped\n", s.Arena.CellsInUse, s.Arena.PagesMapped)
}

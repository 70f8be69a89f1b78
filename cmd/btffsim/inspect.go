package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/garethgeorge/gobtff/internal/replay"
	"github.com/garethgeorge/gobtff/internal/trace"
	"github.com/garethgeorge/gobtff/pkg/btff"
)

var inspectOps int

func init() {
	cmd := newInspectCmd()
	cmd.Flags().IntVar(&inspectOps, "ops", 0, "Stop after this many calls (0 replays the whole trace)")
	rootCmd.AddCommand(cmd)
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <trace>",
		Short: "Print the run map left by a trace",
		Long: `The inspect command replays a trace, or its first --ops calls, and prints
every run of the heap in address order with the tree level that holds it.

Example:
  btffsim inspect work.trace --ops 500`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
		},
	}
	return cmd
}

func runInspect(stdout, stderr io.Writer, path string) error {
	ops, err := trace.ReadFile(path)
	if err != nil {
		return err
	}
	if inspectOps > 0 && inspectOps < len(ops) {
		ops = ops[:inspectOps]
	}

	r, err := replay.New(replay.Options{Logger: newLogger(stderr)})
	if err != nil {
		return err
	}
	for i, op := range ops {
		if err := r.Apply(i, op); err != nil {
			return fmt.Errorf("inspect %s: %w", path, err)
		}
	}
	if err := r.Verify(); err != nil {
		return fmt.Errorf("inspect %s: %w", path, err)
	}

	a := r.Allocator()
	runs := []btff.Run{}
	for run := range a.Runs() {
		runs = append(runs, run)
	}
	if jsonOut {
		return printJSON(stdout, map[string]any{"break": a.Break(), "runs": runs})
	}

	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDR\tLENGTH\tSTATE\tLEVEL")
	for _, run := range runs {
		state := "used"
		if run.Free {
			state = "free"
		}
		level := "leaf"
		if run.Level != btff.LeafLevel {
			level = fmt.Sprint(run.Level)
		}
		fmt.Fprintf(tw, "%v\t%d\t%s\t%s\n", run.Addr, run.Length, state, level)
	}
	fmt.Fprintf(tw, "break\t%v\t\t\n", a.Break())
	return tw.Flush()
}

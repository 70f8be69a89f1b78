package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/garethgeorge/gobtff/internal/ioutil"
	"github.com/garethgeorge/gobtff/internal/trace"
)

var (
	genOps     int
	genSeed    int64
	genMaxSize uint64
	genMaxLive int
	genOutputs []string
)

func init() {
	cmd := newGenCmd()
	cmd.Flags().IntVar(&genOps, "ops", 100000, "Number of calls before the final frees")
	cmd.Flags().Int64Var(&genSeed, "seed", 1, "Random seed")
	cmd.Flags().Uint64Var(&genMaxSize, "max-size", 4096, "Largest request in bytes")
	cmd.Flags().IntVar(&genMaxLive, "max-live", 1<<16, "Most blocks live at once")
	cmd.Flags().StringArrayVarP(&genOutputs, "output", "o", nil, "Trace file to write, .zst to compress (repeatable)")
	rootCmd.AddCommand(cmd)
}

func newGenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen -o <trace>",
		Short: "Generate a random workload",
		Long: `The gen command writes a random mix of allocate, zeroed allocate, aligned
allocate, resize and free calls. Every block still live at the end is freed.

Outputs ending in .bin (or .bin.zst) use the binary format, all others
the text format.

Example:
  btffsim gen --ops 1000000 --seed 42 -o work.trace.zst
  btffsim gen -o a.trace -o b.bin.zst`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGen(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	return cmd
}

func runGen(stdout, stderr io.Writer) (err error) {
	if len(genOutputs) == 0 {
		return fmt.Errorf("at least one --output is required")
	}
	log := newLogger(stderr)

	var files []io.WriteCloser
	defer func() {
		for _, f := range files {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()
	// Outputs of one format share a single encoder fanned out to every file.
	var byFormat [2][]io.Writer
	for _, path := range genOutputs {
		f, err := trace.Create(path)
		if err != nil {
			return err
		}
		files = append(files, f)
		if trace.IsBinary(path) {
			byFormat[1] = append(byFormat[1], f)
		} else {
			byFormat[0] = append(byFormat[0], f)
		}
	}

	var outs []io.Closer
	defer func() {
		for _, out := range outs {
			if cerr := out.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("write traces: %w", cerr)
			}
		}
	}()
	var encoders []trace.OpWriter
	for format, writers := range byFormat {
		if len(writers) == 0 {
			continue
		}
		out := ioutil.ParallelMultiWriter(writers...)
		outs = append(outs, out)
		enc, err := trace.NewOpWriter(out, format == 1)
		if err != nil {
			return err
		}
		encoders = append(encoders, enc)
	}

	ops := trace.Generate(trace.GenOptions{Ops: genOps, Seed: genSeed, MaxSize: genMaxSize, MaxLive: genMaxLive})
	for _, op := range ops {
		for _, enc := range encoders {
			if err := enc.Write(op); err != nil {
				return err
			}
		}
	}
	for _, enc := range encoders {
		if err := enc.Close(); err != nil {
			return err
		}
	}
	log.Debug("generated trace", "ops", len(ops), "seed", genSeed, "outputs", genOutputs)

	if jsonOut {
		return printJSON(stdout, map[string]any{"ops": len(ops), "outputs": genOutputs})
	}
	fmt.Fprintf(stdout, "wrote %d ops to %d file(s)\n", len(ops), len(genOutputs))
	return nil
}

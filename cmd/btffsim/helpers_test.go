package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garethgeorge/gobtff/internal/replay"
)

// run executes btffsim with args from a clean flag state and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	verbose, jsonOut = false, false
	genOps, genSeed, genMaxSize, genMaxLive, genOutputs = 100000, 1, 4096, 1<<16, nil
	replayHash, replayCheck, replayPageSize = string(replay.XXHash), false, replay.DefaultPageSize
	benchWorkers, benchOps, benchSeed, benchMaxSize = 4, 100000, 1, 4096
	inspectOps = 0

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), err
}

// genTrace writes a small trace into a temp dir and returns its path.
func genTrace(t *testing.T, name string, args ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	_, err := run(t, append([]string{"gen", "-o", path}, args...)...)
	require.NoError(t, err)
	return path
}

func decodeJSON(t *testing.T, out string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), "output: %s", out)
}

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"polymerlab.ai/internal/persistence/indexdb"
	persistlog "polymerlab.ai/internal/persistence/log"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	base := []string{"-configs", t.TempDir()}
	err := run(context.Background(), append(base, args...), &out, &errOut)
	return out.String(), errOut.String(), err
}

func TestRun_OutputFormat(t *testing.T) {
	out, errOut, err := runCLI(t, "-seed", "7", "-tries", "20", "-sweep", "5:15:5")
	require.NoError(t, err)
	require.Equal(t, "4\n9\n", errOut)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "4 "), lines[0])
	require.True(t, strings.HasPrefix(lines[1], "9 "), lines[1])
	for _, l := range lines {
		require.NotContains(t, l, "e+")
		require.NotContains(t, l, "e-")
	}
}

func TestRun_BondLabelPrecedesItsResultLine(t *testing.T) {
	var both bytes.Buffer
	err := run(context.Background(), []string{"-configs", t.TempDir(), "-seed", "7", "-tries", "20", "-sweep", "5:15:5"}, &both, &both)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(both.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "4", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "4 "), lines[1])
	require.Equal(t, "9", lines[2])
	require.True(t, strings.HasPrefix(lines[3], "9 "), lines[3])
}

func TestRun_DeterministicForSeed(t *testing.T) {
	a, _, err := runCLI(t, "-seed", "42", "-tries", "30", "-sweep", "10:20:5")
	require.NoError(t, err)
	b, _, err := runCLI(t, "-seed", "42", "-tries", "30", "-sweep", "10:20:5")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, _, err := runCLI(t, "-seed", "43", "-tries", "30", "-sweep", "10:20:5")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestRun_TuningFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tries: 10\nsweep: {start: 3, stop: 6, step: 2}\nestimator: weighted\n"), 0o644))

	var out, errOut bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-tuning", path}, &out, &errOut))
	require.Equal(t, "2\n4\n", errOut.String())
}

func TestRun_InvalidConfigExitsTwo(t *testing.T) {
	cases := [][]string{
		{"-sweep", "40:120:5"},
		{"-tries", "1"},
		{"-estimator", "median"},
		{"-occupancy", "torus"},
		{"-sweep", "nope"},
		{"-no_such_flag"},
	}
	for _, args := range cases {
		out, _, err := runCLI(t, args...)
		require.Error(t, err, "%v", args)
		require.Equal(t, 2, exitCode(err), "%v: %v", args, err)
		require.Empty(t, out)
	}
}

func TestRun_MissingExplicitTuningExitsOne(t *testing.T) {
	_, _, err := runCLI(t, "-tuning", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Equal(t, 1, exitCode(err))
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out, errOut bytes.Buffer
	err := run(ctx, []string{"-configs", t.TempDir(), "-tries", "5", "-sweep", "5:10:5"}, &out, &errOut)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, exitCode(err))
	require.Empty(t, out.String())
}

func TestRun_IndexAndTrace(t *testing.T) {
	data := t.TempDir()
	traceDir := t.TempDir()
	out, _, err := runCLI(t, "-seed", "3", "-tries", "12", "-sweep", "6:12:3", "-data", data, "-trace", traceDir)
	require.NoError(t, err)

	idx, err := indexdb.OpenSQLite(filepath.Join(data, "index", "runs.sqlite"))
	require.NoError(t, err)
	defer idx.Close()
	runs, err := idx.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, indexdb.StatusDone, runs[0].Status)
	require.True(t, runs[0].FinishedAt.Valid)

	pts, err := idx.Points(runs[0].ID)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	require.Equal(t, 5, pts[0].Bonds)
	require.Equal(t, 8, pts[1].Bonds)
	require.Contains(t, out, "5 ")

	files, err := persistlog.ListTraceFiles(traceDir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	count := 0
	require.NoError(t, persistlog.ReadTrace(files[0], func(e persistlog.TrialLogEntry) error {
		require.Equal(t, runs[0].ID, e.RunID)
		require.Equal(t, 6, e.N)
		count++
		return nil
	}))
	require.Equal(t, 12, count)
}

func TestRun_DisableDB(t *testing.T) {
	data := t.TempDir()
	_, _, err := runCLI(t, "-tries", "5", "-sweep", "5:10:5", "-data", data, "-disable_db")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(data, "index"))
	require.True(t, os.IsNotExist(err))
}

func TestRun_VerboseLogsToStderr(t *testing.T) {
	_, errOut, err := runCLI(t, "-v", "-tries", "5", "-sweep", "5:10:5")
	require.NoError(t, err)
	require.Contains(t, errOut, "[sawsim] ")
	require.Contains(t, errOut, "lengths=1 ")
	require.Contains(t, errOut, "periodic box 100^3 (1,000,000 cells)")
	require.Contains(t, errOut, "rng_draws=")
	require.Contains(t, errOut, "restarts=")
	require.Contains(t, errOut, "\n4\n")
}

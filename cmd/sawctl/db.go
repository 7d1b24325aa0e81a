package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"polymerlab.ai/internal/persistence/indexdb"
)

func openIndex(dataDir, dbPath string, stderr io.Writer) (*indexdb.SQLiteIndex, int) {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = filepath.Join(dataDir, "index", "runs.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(stderr, "open index:", err)
		return nil, 1
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(stderr, "open index:", err)
		return nil, 1
	}
	return idx, 0
}

func runsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	idx, code := openIndex(*dataDir, *dbPath, stderr)
	if idx == nil {
		return code
	}
	defer idx.Close()

	runs, err := idx.Runs()
	if err != nil {
		fmt.Fprintln(stderr, "query:", err)
		return 1
	}
	for _, r := range runs {
		printJSON(stdout, struct {
			indexdb.Run
			FinishedAt string `json:"finished_at,omitempty"`
		}{Run: r, FinishedAt: r.FinishedAt.String})
	}
	return 0
}

func pointsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("points", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	runID := fs.String("run", "", "run id (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*runID) == "" {
		fmt.Fprintln(stderr, "missing -run")
		return 2
	}

	idx, code := openIndex(*dataDir, *dbPath, stderr)
	if idx == nil {
		return code
	}
	defer idx.Close()

	if _, err := idx.Run(*runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			fmt.Fprintf(stderr, "unknown run %s\n", *runID)
			return 2
		}
		fmt.Fprintln(stderr, "query:", err)
		return 1
	}
	pts, err := idx.Points(*runID)
	if err != nil {
		fmt.Fprintln(stderr, "query:", err)
		return 1
	}
	for _, p := range pts {
		printJSON(stdout, p)
	}
	return 0
}

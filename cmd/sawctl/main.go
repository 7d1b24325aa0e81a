package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "runs":
		return runsCmd(args[1:], stdout, stderr)
	case "points":
		return pointsCmd(args[1:], stdout, stderr)
	case "trace":
		return traceCmd(args[1:], stdout, stderr)
	case "-h", "-help", "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: sawctl <command> [flags]")
	fmt.Fprintln(w, "  runs   [-data DIR]              list indexed runs")
	fmt.Fprintln(w, "  points -run ID [-data DIR]      list sweep points of a run")
	fmt.Fprintln(w, "  trace  -file F|-dir D [-verify] summarize (and verify) trial traces")
}

func printJSON(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(w, string(b))
}

package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	persistlog "polymerlab.ai/internal/persistence/log"
	"polymerlab.ai/internal/sim/chain"
	"polymerlab.ai/internal/sim/encoding"
	"polymerlab.ai/internal/sim/lattice"
	"polymerlab.ai/internal/sim/mathx"
	"polymerlab.ai/internal/sim/sampler"
)

// traceSummary holds the estimators recomputed from one trace file.
type traceSummary struct {
	N        int
	Trials   int
	Accepted int
	Restarts int

	sumR2    float64
	weighted sampler.WeightedMean
}

func (s *traceSummary) add(e persistlog.TrialLogEntry) {
	r2 := float64(e.REESqr)
	s.Trials++
	s.Restarts += e.Restarts
	s.sumR2 += r2
	s.weighted.Add(e.LogWeight, r2)
	if e.Accepted {
		s.Accepted++
	}
}

func (s *traceSummary) Legacy() float64 {
	if s.Trials < 2 {
		return math.NaN()
	}
	return s.sumR2 / float64(s.Trials-1)
}

func (s *traceSummary) Weighted() float64 { return s.weighted.Value() }

func (s *traceSummary) AcceptRate() float64 {
	if s.Trials == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Trials)
}

// verifyEntry rebuilds the walk from its bonds and checks it against the logged values.
// dim <= 0 checks self-avoidance on unwrapped coordinates only.
func verifyEntry(e persistlog.TrialLogEntry, dim int) error {
	bonds, err := encoding.DecodeBonds(e.Bonds)
	if err != nil {
		return err
	}
	if len(bonds) != e.N-1 {
		return fmt.Errorf("%d bonds for n=%d", len(bonds), e.N)
	}
	start := lattice.Vec3i{X: e.Start[0], Y: e.Start[1], Z: e.Start[2]}
	ms, err := chain.FromBonds(start, bonds)
	if err != nil {
		return err
	}
	var wrap func(lattice.Vec3i) lattice.Vec3i
	if dim > 0 {
		wrap = func(v lattice.Vec3i) lattice.Vec3i {
			return lattice.Vec3i{X: mathx.Mod(v.X, dim), Y: mathx.Mod(v.Y, dim), Z: mathx.Mod(v.Z, dim)}
		}
	}
	if err := chain.CheckWalk(ms, wrap); err != nil {
		return err
	}
	c := chain.Chain{Monomers: ms}
	if got := c.REESqr(); got != e.REESqr {
		return fmt.Errorf("r_ee_sqr %d, rebuilt walk gives %d", e.REESqr, got)
	}
	if !mathx.Finite(e.LogWeight) {
		return fmt.Errorf("log weight %v not finite", e.LogWeight)
	}
	if maxLog := float64(e.N) * math.Log(lattice.Coordination); e.LogWeight > maxLog+1e-9 {
		return fmt.Errorf("log weight %v exceeds %v", e.LogWeight, maxLog)
	}
	// A zero weight marks an overflowed one; only log_weight is checked then.
	if e.Weight < 0 || !mathx.Finite(e.Weight) {
		return fmt.Errorf("weight %v not positive and finite", e.Weight)
	}
	if e.Weight > 0 {
		if d := math.Abs(math.Log(e.Weight) - e.LogWeight); d > 1e-6*math.Max(1, math.Abs(e.LogWeight)) {
			return fmt.Errorf("log weight %v disagrees with weight %v", e.LogWeight, e.Weight)
		}
	}
	return nil
}

func traceCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "trace file (trace-nNNN.jsonl.zst)")
	dir := fs.String("dir", "", "directory of trace files")
	verify := fs.Bool("verify", false, "rebuild every walk and check it")
	dim := fs.Int("dim", lattice.DefaultDim, "periodic lattice dimension for -verify (0 for unbounded)")
	maxErrors := fs.Int("max_errors", 10, "verification failures to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var files []string
	switch {
	case strings.TrimSpace(*file) != "":
		files = []string{*file}
	case strings.TrimSpace(*dir) != "":
		fl, err := persistlog.ListTraceFiles(*dir)
		if err != nil {
			fmt.Fprintln(stderr, "list traces:", err)
			return 1
		}
		files = fl
	default:
		fmt.Fprintln(stderr, "missing -file or -dir")
		return 2
	}
	if len(files) == 0 {
		fmt.Fprintln(stderr, "no trace files")
		return 1
	}

	failures := 0
	for _, path := range files {
		var sum traceSummary
		err := persistlog.ReadTrace(path, func(e persistlog.TrialLogEntry) error {
			if sum.Trials == 0 {
				sum.N = e.N
			}
			sum.add(e)
			if !*verify {
				return nil
			}
			if e.N != sum.N {
				failures++
				if failures <= *maxErrors {
					fmt.Fprintf(stderr, "%s: try %d: n=%d in a trace of n=%d\n", path, e.Try, e.N, sum.N)
				}
				return nil
			}
			if verr := verifyEntry(e, *dim); verr != nil {
				failures++
				if failures <= *maxErrors {
					fmt.Fprintf(stderr, "%s: try %d: %v\n", path, e.Try, verr)
				}
			}
			return nil
		})
		if err != nil {
			fmt.Fprintln(stderr, "read trace:", err)
			return 1
		}
		fmt.Fprintf(stdout, "n=%d bonds=%d trials=%s legacy=%s weighted=%s accept=%.4f restarts=%s\n",
			sum.N, sum.N-1, humanize.Comma(int64(sum.Trials)),
			strconv.FormatFloat(sum.Legacy(), 'f', -1, 64),
			strconv.FormatFloat(sum.Weighted(), 'f', -1, 64),
			sum.AcceptRate(), humanize.Comma(int64(sum.Restarts)))
	}

	if *verify {
		if failures > 0 {
			fmt.Fprintf(stdout, "verify: FAIL (%s bad trials)\n", humanize.Comma(int64(failures)))
			return 1
		}
		fmt.Fprintln(stdout, "verify: OK")
	}
	return 0
}

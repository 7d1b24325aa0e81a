package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"polymerlab.ai/internal/observerproto"
	"polymerlab.ai/internal/persistence/indexdb"
	persistlog "polymerlab.ai/internal/persistence/log"
	"polymerlab.ai/internal/sim/chain"
	"polymerlab.ai/internal/sim/lattice"
	"polymerlab.ai/internal/sim/rng"
	"polymerlab.ai/internal/sim/sampler"
	"polymerlab.ai/internal/sim/tuning"
	"polymerlab.ai/internal/transport/observer"
)

// errUsage marks flag parsing failures (exit 2).
var errUsage = errors.New("usage")

func main() {
	ctx, cancel := signalContext()
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "sawsim: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage), errors.Is(err, tuning.ErrInvalid), errors.Is(err, sampler.ErrInvalidConfig):
		return 2
	default:
		return 1
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sawsim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configDir   = fs.String("configs", "./configs", "config directory")
		tuningPath  = fs.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml, defaults if absent)")
		seed        = fs.Int64("seed", 0, "rng seed (overrides tuning)")
		tries       = fs.Int("tries", 0, "trials per chain length (overrides tuning)")
		sweep       = fs.String("sweep", "", "chain lengths start:stop[:step], stop exclusive (overrides tuning)")
		estimator   = fs.String("estimator", "", "reported estimator: legacy|weighted|markov (overrides tuning)")
		occupancy   = fs.String("occupancy", "", "lattice occupancy: periodic|unbounded (overrides tuning)")
		fixCoupling = fs.Bool("fix_coupling", false, "release the initial chain before the first trial of each length")
		dataDir     = fs.String("data", "", "runtime data directory for the run index (empty disables it)")
		disableDB   = fs.Bool("disable_db", false, "disable the run index")
		traceDir    = fs.String("trace", "", "write a compressed per-trial trace into this directory")
		observeAddr = fs.String("observe", "", "serve the observer websocket on this address (loopback only)")
		observeAll  = fs.Bool("observe_remote", false, "accept observer connections from non-loopback addresses")
		verbose     = fs.Bool("v", false, "log diagnostics to stderr")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}

	logOut := io.Discard
	if *verbose {
		logOut = stderr
	}
	logger := log.New(logOut, "[sawsim] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	explicit := tp != ""
	if !explicit {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load tuning: %w", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["seed"] {
		tune.Seed = *seed
	}
	if set["tries"] {
		tune.Tries = *tries
	}
	if set["sweep"] {
		sw, err := tuning.ParseSweep(*sweep)
		if err != nil {
			return err
		}
		tune.Sweep = sw
	}
	if set["estimator"] {
		tune.Estimator = *estimator
	}
	if set["occupancy"] {
		tune.Occupancy = *occupancy
	}
	if *fixCoupling {
		tune.LegacyCoupling = false
	}
	tune.Normalize()
	if err := tune.Validate(); err != nil {
		return err
	}

	runID := uuid.NewString()
	occ, err := lattice.New(tune.Occupancy, tune.LatticeDim)
	if err != nil {
		return fmt.Errorf("%w: %v", tuning.ErrInvalid, err)
	}
	src := rng.New(tune.Seed)
	builder := chain.NewBuilder(occ, src, tune.LatticeDim)
	smp, err := sampler.New(builder, src, tune.SamplerConfig())
	if err != nil {
		return err
	}
	scfg := smp.Config()
	logger.Printf("run %s seed=%d tries=%s sweep=%s lengths=%d occupancy=%s estimator=%s legacy_coupling=%t",
		runID, src.Seed(), humanize.Comma(int64(scfg.Tries)), tune.Sweep, len(scfg.Lengths), tune.Occupancy, scfg.Estimator, scfg.LegacyCoupling)
	if box, ok := occ.(*lattice.Periodic); ok {
		d := int64(box.Dim())
		logger.Printf("periodic box %d^3 (%s cells)", box.Dim(), humanize.Comma(d*d*d))
	}

	var sinks sampler.Sinks

	var trace *persistlog.TraceLogger
	if dir := strings.TrimSpace(*traceDir); dir != "" {
		trace = persistlog.NewTraceLogger(dir, runID)
		sinks = append(sinks, trace)
	}

	var idx *indexdb.SQLiteIndex
	if dir := strings.TrimSpace(*dataDir); dir != "" && !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(dir, "index", "runs.sqlite"))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		if err := idx.BeginRun(indexdb.NewRun(runID, tune)); err != nil {
			_ = idx.Close()
			return fmt.Errorf("index run: %w", err)
		}
		sinks = append(sinks, idx.Sink(runID))
	}

	var obs *observer.Server
	var srv *http.Server
	if addr := strings.TrimSpace(*observeAddr); addr != "" {
		obs = observer.NewServer(runID, observerproto.RunParams{
			LatticeDim:     tune.LatticeDim,
			Occupancy:      tune.Occupancy,
			Tries:          tune.Tries,
			Lengths:        tune.Sweep.Lengths(),
			Seed:           tune.Seed,
			Estimator:      tune.Estimator,
			LegacyCoupling: tune.LegacyCoupling,
		}, logger)
		obs.AllowRemote = *observeAll
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = idx.Close()
			return fmt.Errorf("observer listen: %w", err)
		}
		srv = &http.Server{Handler: obs.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Printf("observer: %v", err)
			}
		}()
		logger.Printf("observer listening on %s", ln.Addr())
		sinks = append(sinks, obs)
	}

	started := time.Now()
	sinks = append(sinks, &resultWriter{
		stdout:    stdout,
		stderr:    stderr,
		estimator: tune.Estimator,
		logger:    logger,
		started:   started,
	})

	runErr := smp.Run(ctx, sinks)

	status := indexdb.StatusDone
	if runErr != nil {
		status = indexdb.StatusFailed
	}
	var errs []error
	errs = append(errs, runErr)
	if trace != nil {
		errs = append(errs, trace.Close())
	}
	if idx != nil {
		idx.FinishRun(runID, status)
		errs = append(errs, idx.Close())
	}
	if obs != nil {
		obs.Finish(status)
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		scancel()
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Printf("run %s done in %s rng_draws=%s restarts=%s",
		runID, time.Since(started).Round(time.Millisecond), humanize.Comma(src.Position()), humanize.Comma(builder.Restarts()))
	return nil
}

// resultWriter prints one "<bonds> <value>" line per chain length to stdout, preceded
// by the bond count on stderr.
type resultWriter struct {
	stdout, stderr io.Writer
	estimator      string
	logger         *log.Logger
	started        time.Time
}

func (w *resultWriter) Trial(sampler.Trial) error { return nil }

func (w *resultWriter) Point(p sampler.Point) error {
	if _, err := fmt.Fprintf(w.stderr, "%d\n", p.Bonds); err != nil {
		return err
	}
	v := p.Value(w.estimator)
	if _, err := fmt.Fprintf(w.stdout, "%d %s\n", p.Bonds, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
		return err
	}
	w.logger.Printf("n=%d legacy=%.4f weighted=%.4f markov=%.4f accept=%.3f restarts=%s elapsed=%s",
		p.N, p.MeanR2, p.WeightedR2, p.MarkovR2, p.AcceptRate, humanize.Comma(int64(p.Restarts)),
		time.Since(w.started).Round(time.Millisecond))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

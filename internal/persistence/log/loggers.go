package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"polymerlab.ai/internal/sim/encoding"
	"polymerlab.ai/internal/sim/mathx"
	"polymerlab.ai/internal/sim/sampler"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed files, one file per key.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu     sync.Mutex
	curKey string
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends v to the file for key, rotating when the key changes.
func (w *JSONLZstdWriter) Write(key string, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if key != w.curKey || w.w == nil {
		if err := w.rotateLocked(key); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

func (w *JSONLZstdWriter) rotateLocked(key string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.PathFor(key), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curKey = key
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var errs []error
	if w.w != nil {
		errs = append(errs, w.w.Flush())
	}
	if w.enc != nil {
		errs = append(errs, w.enc.Close())
		w.enc = nil
	}
	if w.f != nil {
		errs = append(errs, w.f.Close())
		w.f = nil
	}
	w.w = nil
	return errors.Join(errs...)
}

func (w *JSONLZstdWriter) PathFor(key string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, key))
}

// TrialLogEntry is one line of a trial trace.
type TrialLogEntry struct {
	RunID     string  `json:"run_id,omitempty"`
	N         int     `json:"n"`
	Try       int     `json:"try"`
	Weight    float64 `json:"weight"` // 0 once the weight overflows float64; LogWeight is always set
	LogWeight float64 `json:"log_weight"`
	REESqr    int     `json:"r_ee_sqr"`
	Accepted  bool    `json:"accepted"`
	Restarts  int     `json:"restarts"`
	Start     [3]int  `json:"start"`
	Bonds     string  `json:"bonds"`
}

// TraceLogger writes one JSONL entry per trial (compressed), one file per chain length.
// It satisfies sampler.Sink.
type TraceLogger struct {
	w     *JSONLZstdWriter
	runID string
}

func NewTraceLogger(dir, runID string) *TraceLogger {
	return &TraceLogger{w: NewJSONLZstdWriter(dir, "trace"), runID: runID}
}

func TraceKey(n int) string { return fmt.Sprintf("n%03d", n) }

func (l *TraceLogger) Trial(t sampler.Trial) error {
	return l.w.Write(TraceKey(t.N), TrialLogEntry{
		RunID:     l.runID,
		N:         t.N,
		Try:       t.Try,
		Weight:    finiteOrZero(t.Weight),
		LogWeight: t.LogWeight,
		REESqr:    t.REESqr,
		Accepted:  t.Accepted,
		Restarts:  t.Restarts,
		Start:     t.Start,
		Bonds:     encoding.EncodeBonds(t.Bonds),
	})
}

func finiteOrZero(v float64) float64 {
	if mathx.Finite(v) {
		return v
	}
	return 0
}

func (l *TraceLogger) Point(sampler.Point) error { return nil }

func (l *TraceLogger) Close() error { return l.w.Close() }

// PathFor returns the trace file written for chain length n.
func (l *TraceLogger) PathFor(n int) string { return l.w.PathFor(TraceKey(n)) }

// ReadTrace streams the entries of one trace file to fn in file order.
func ReadTrace(path string, fn func(TrialLogEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	r := bufio.NewReaderSize(dec, 128*1024)
	line := 0
	for {
		b, err := r.ReadBytes('\n')
		if len(strings.TrimSpace(string(b))) > 0 {
			line++
			var e TrialLogEntry
			if uerr := json.Unmarshal(b, &e); uerr != nil {
				return fmt.Errorf("%s:%d: %w", path, line, uerr)
			}
			if ferr := fn(e); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ListTraceFiles returns the trace files under dir in name order.
func ListTraceFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "trace-") && strings.HasSuffix(name, ".jsonl.zst") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

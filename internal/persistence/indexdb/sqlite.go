package indexdb

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"polymerlab.ai/internal/sim/sampler"
	"polymerlab.ai/internal/sim/tuning"
)

// SQLiteIndex is a read model of sweep runs. Point rows go through a single
// writer goroutine so the sampler never waits on disk between lengths.
type SQLiteIndex struct {
	db *sqlx.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// sendMu orders queue sends against Close: senders hold it shared, Close exclusively.
	sendMu sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

type reqKind int

const (
	reqPoint reqKind = iota + 1
	reqFinish
)

type req struct {
	kind reqKind

	point  PointRow
	runID  string
	status string
	at     string
}

type Run struct {
	ID             string         `db:"run_id" json:"run_id"`
	StartedAt      string         `db:"started_at" json:"started_at"`
	FinishedAt     sql.NullString `db:"finished_at" json:"-"`
	Status         string         `db:"status" json:"status"`
	Seed           int64          `db:"seed" json:"seed"`
	Tries          int            `db:"tries" json:"tries"`
	LatticeDim     int            `db:"lattice_dim" json:"lattice_dim"`
	Occupancy      string         `db:"occupancy" json:"occupancy"`
	Estimator      string         `db:"estimator" json:"estimator"`
	LegacyCoupling bool           `db:"legacy_coupling" json:"legacy_coupling"`
	Sweep          string         `db:"sweep" json:"sweep"`
	TuningJSON     string         `db:"tuning_json" json:"-"`
	TuningDigest   string         `db:"tuning_digest" json:"tuning_digest"`
}

type PointRow struct {
	RunID      string  `db:"run_id" json:"run_id"`
	N          int     `db:"n" json:"n"`
	Bonds      int     `db:"bonds" json:"bonds"`
	Tries      int     `db:"tries" json:"tries"`
	MeanR2     float64 `db:"mean_r2" json:"mean_r2"`
	WeightedR2 float64 `db:"weighted_r2" json:"weighted_r2"`
	MarkovR2   float64 `db:"markov_r2" json:"markov_r2"`
	Accepted   int     `db:"accepted" json:"accepted"`
	AcceptRate float64 `db:"accept_rate" json:"accept_rate"`
	Restarts   int     `db:"restarts" json:"restarts"`
}

const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

const runColumns = `run_id,started_at,finished_at,status,seed,tries,lattice_dim,occupancy,estimator,legacy_coupling,sweep,tuning_json,tuning_digest`

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 1024),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			seed INTEGER NOT NULL,
			tries INTEGER NOT NULL,
			lattice_dim INTEGER NOT NULL,
			occupancy TEXT NOT NULL,
			estimator TEXT NOT NULL,
			legacy_coupling INTEGER NOT NULL,
			sweep TEXT NOT NULL,
			tuning_json TEXT NOT NULL,
			tuning_digest TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS points (
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			n INTEGER NOT NULL,
			bonds INTEGER NOT NULL,
			tries INTEGER NOT NULL,
			mean_r2 REAL NOT NULL,
			weighted_r2 REAL NOT NULL,
			markov_r2 REAL NOT NULL,
			accepted INTEGER NOT NULL,
			accept_rate REAL NOT NULL,
			restarts INTEGER NOT NULL,
			PRIMARY KEY (run_id, n)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// NewRun describes a run from the tuning actually applied.
func NewRun(id string, t tuning.Tuning) Run {
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	return Run{
		ID:             id,
		StartedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		Status:         StatusRunning,
		Seed:           t.Seed,
		Tries:          t.Tries,
		LatticeDim:     t.LatticeDim,
		Occupancy:      t.Occupancy,
		Estimator:      t.Estimator,
		LegacyCoupling: t.LegacyCoupling,
		Sweep:          t.Sweep.String(),
		TuningJSON:     string(b),
		TuningDigest:   hex.EncodeToString(sum[:]),
	}
}

// BeginRun inserts the run row synchronously so point rows can reference it.
func (s *SQLiteIndex) BeginRun(r Run) error {
	if s == nil {
		return nil
	}
	_, err := s.db.NamedExec(`INSERT INTO runs(run_id,started_at,status,seed,tries,lattice_dim,occupancy,estimator,legacy_coupling,sweep,tuning_json,tuning_digest)
		VALUES(:run_id,:started_at,:status,:seed,:tries,:lattice_dim,:occupancy,:estimator,:legacy_coupling,:sweep,:tuning_json,:tuning_digest)`, r)
	return err
}

// RecordPoint queues a point row. Rows are never dropped: a missing point would
// silently bias anything computed from the index.
func (s *SQLiteIndex) RecordPoint(runID string, p sampler.Point) error {
	if s == nil {
		return nil
	}
	s.send(req{kind: reqPoint, point: PointRow{
		RunID:      runID,
		N:          p.N,
		Bonds:      p.Bonds,
		Tries:      p.Tries,
		MeanR2:     p.MeanR2,
		WeightedR2: p.WeightedR2,
		MarkovR2:   p.MarkovR2,
		Accepted:   p.Accepted,
		AcceptRate: p.AcceptRate,
		Restarts:   p.Restarts,
	}})
	return s.Err()
}

func (s *SQLiteIndex) FinishRun(runID, status string) {
	if s == nil {
		return
	}
	s.send(req{kind: reqFinish, runID: runID, status: status, at: time.Now().UTC().Format(time.RFC3339Nano)})
}

// send queues r unless the index is closed.
func (s *SQLiteIndex) send(r req) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- r
}

// Sink records every sweep point under runID.
func (s *SQLiteIndex) Sink(runID string) sampler.Sink {
	return sampler.PointFunc(func(p sampler.Point) error {
		return s.RecordPoint(runID, p)
	})
}

func (s *SQLiteIndex) Runs() ([]Run, error) {
	var out []Run
	err := s.db.Select(&out, `SELECT `+runColumns+` FROM runs ORDER BY started_at, run_id`)
	return out, err
}

func (s *SQLiteIndex) Run(runID string) (Run, error) {
	var r Run
	err := s.db.Get(&r, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID)
	return r, err
}

func (s *SQLiteIndex) Points(runID string) ([]PointRow, error) {
	var out []PointRow
	err := s.db.Select(&out, `SELECT run_id,n,bonds,tries,mean_r2,weighted_r2,markov_r2,accepted,accept_rate,restarts
		FROM points WHERE run_id=? ORDER BY n`, runID)
	return out, err
}

// Err reports the first write failure seen by the writer goroutine.
func (s *SQLiteIndex) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *SQLiteIndex) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close drains pending writes and returns the first write failure, if any.
func (s *SQLiteIndex) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = errors.Join(s.Err(), s.db.Close())
	})
	return err
}

func (s *SQLiteIndex) loop() {
	for r := range s.ch {
		switch r.kind {
		case reqPoint:
			_, err := s.db.NamedExec(`INSERT OR REPLACE INTO points(run_id,n,bonds,tries,mean_r2,weighted_r2,markov_r2,accepted,accept_rate,restarts)
				VALUES(:run_id,:n,:bonds,:tries,:mean_r2,:weighted_r2,:markov_r2,:accepted,:accept_rate,:restarts)`, r.point)
			s.setErr(err)
		case reqFinish:
			_, err := s.db.Exec(`UPDATE runs SET status=?, finished_at=? WHERE run_id=?`, r.status, r.at, r.runID)
			s.setErr(err)
		}
	}
}

package sampler

import (
	"errors"
	"fmt"
)

const (
	// EstimatorLegacy is the unweighted mean of every trial R², divided by tries-1.
	EstimatorLegacy = "legacy"
	// EstimatorWeighted is the Rosenbluth estimator Σ w·R² / Σ w.
	EstimatorWeighted = "weighted"
	// EstimatorMarkov averages R² of the Metropolis chain state after every trial.
	EstimatorMarkov = "markov"
)

var (
	ErrInvalidConfig = errors.New("sampler: invalid config")
	ErrNonFinite     = errors.New("sampler: non-finite accumulator")
)

func KnownEstimator(name string) bool {
	switch name {
	case EstimatorLegacy, EstimatorWeighted, EstimatorMarkov:
		return true
	}
	return false
}

// Config fixes one sweep.
type Config struct {
	Lengths   []int
	Tries     int
	Estimator string

	// LegacyCoupling keeps the initial chain of each length on the lattice while the
	// first trial grows, so that trial sees it as an obstacle.
	LegacyCoupling bool
}

func (c Config) Validate() error {
	if len(c.Lengths) == 0 {
		return fmt.Errorf("%w: empty sweep", ErrInvalidConfig)
	}
	for _, n := range c.Lengths {
		if n < 1 {
			return fmt.Errorf("%w: chain length %d < 1", ErrInvalidConfig, n)
		}
	}
	if c.Tries < 2 {
		return fmt.Errorf("%w: tries must be >= 2, got %d", ErrInvalidConfig, c.Tries)
	}
	if !KnownEstimator(c.Estimator) {
		return fmt.Errorf("%w: unknown estimator %q", ErrInvalidConfig, c.Estimator)
	}
	return nil
}

// Trial is one freshly built chain and the acceptance decision taken on it.
type Trial struct {
	N         int     `json:"n"`
	Try       int     `json:"try"`
	Weight    float64 `json:"weight"`
	LogWeight float64 `json:"log_weight"`
	REESqr    int     `json:"r_ee_sqr"`
	Accepted  bool    `json:"accepted"`
	Restarts  int     `json:"restarts"`

	Start [3]int  `json:"start"`
	Bonds []uint8 `json:"-"`
}

// Point is the sweep result for one chain length.
type Point struct {
	N     int `json:"n"`
	Bonds int `json:"bonds"`
	Tries int `json:"tries"`

	MeanR2     float64 `json:"mean_r2"`
	WeightedR2 float64 `json:"weighted_r2"`
	MarkovR2   float64 `json:"markov_r2"`

	Accepted   int     `json:"accepted"`
	AcceptRate float64 `json:"accept_rate"`
	Restarts   int     `json:"restarts"`
}

// Value returns the estimate reported for the named estimator.
func (p Point) Value(estimator string) float64 {
	switch estimator {
	case EstimatorWeighted:
		return p.WeightedR2
	case EstimatorMarkov:
		return p.MarkovR2
	default:
		return p.MeanR2
	}
}

// Sink consumes sampler output. An error from either method aborts the run.
type Sink interface {
	Trial(Trial) error
	Point(Point) error
}

// Sinks fans out to every member in order.
type Sinks []Sink

func (s Sinks) Trial(t Trial) error {
	for _, k := range s {
		if k == nil {
			continue
		}
		if err := k.Trial(t); err != nil {
			return err
		}
	}
	return nil
}

func (s Sinks) Point(p Point) error {
	for _, k := range s {
		if k == nil {
			continue
		}
		if err := k.Point(p); err != nil {
			return err
		}
	}
	return nil
}

// PointFunc adapts a function to a Sink that ignores trials.
type PointFunc func(Point) error

func (f PointFunc) Trial(Trial) error   { return nil }
func (f PointFunc) Point(p Point) error { return f(p) }

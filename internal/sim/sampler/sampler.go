// Package sampler runs the Rosenbluth/Metropolis sweep over chain lengths.
package sampler

import (
	"context"
	"fmt"

	"polymerlab.ai/internal/sim/chain"
	"polymerlab.ai/internal/sim/mathx"
	"polymerlab.ai/internal/sim/rng"
)

// Sampler drives a Builder over the configured lengths. It is the only writer of
// the shared occupancy while it runs: between trials exactly one chain, the current
// Metropolis state, is held on the lattice.
type Sampler struct {
	cfg Config
	b   *chain.Builder
	rng rng.Source
}

func New(b *chain.Builder, src rng.Source, cfg Config) (*Sampler, error) {
	if b == nil || src == nil {
		return nil, fmt.Errorf("%w: nil builder or rng", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Lengths = append([]int(nil), cfg.Lengths...)
	return &Sampler{cfg: cfg, b: b, rng: src}, nil
}

func (s *Sampler) Config() Config { return s.cfg }

// Run samples every length in order and hands each point to sink. The context is
// consulted between lengths only.
func (s *Sampler) Run(ctx context.Context, sink Sink) error {
	if sink == nil {
		sink = Sinks(nil)
	}
	for _, n := range s.cfg.Lengths {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := s.Sample(n, sink)
		if err != nil {
			return fmt.Errorf("n=%d: %w", n, err)
		}
		if err := sink.Point(p); err != nil {
			return err
		}
	}
	return nil
}

// Sample runs Tries trials at length n. The lattice is empty again on return.
func (s *Sampler) Sample(n int, sink Sink) (Point, error) {
	if sink == nil {
		sink = Sinks(nil)
	}
	var last, c *chain.Chain
	defer func() {
		s.b.Release(c)
		s.b.Release(last)
	}()

	last, err := s.b.Build(n)
	if err != nil {
		return Point{}, err
	}

	p := Point{N: n, Bonds: n - 1, Tries: s.cfg.Tries, Restarts: last.Restarts}
	var sumR2, sumMarkov float64
	var weighted WeightedMean

	for t := 0; t < s.cfg.Tries; t++ {
		coupled := s.cfg.LegacyCoupling && t == 0
		if !coupled {
			s.b.Release(last)
		}
		c, err = s.b.Build(n)
		if err != nil {
			return Point{}, err
		}
		if coupled {
			s.b.Release(last)
		}

		r2 := float64(c.REESqr())
		accepted := s.rng.Float64() < acceptProb(c.LogWeight, last.LogWeight)

		trial := Trial{
			N:         n,
			Try:       t,
			Weight:    c.Weight,
			LogWeight: c.LogWeight,
			REESqr:    c.REESqr(),
			Accepted:  accepted,
			Restarts:  c.Restarts,
			Start:     [3]int{c.Monomers[0].X, c.Monomers[0].Y, c.Monomers[0].Z},
			Bonds:     c.Bonds(),
		}

		if accepted {
			last = c
			p.Accepted++
		} else {
			s.b.Release(c)
			s.b.Hold(last)
		}
		c = nil

		sumR2 += r2
		weighted.Add(trial.LogWeight, r2)
		sumMarkov += float64(last.REESqr())
		p.Restarts += trial.Restarts

		if err := sink.Trial(trial); err != nil {
			return Point{}, err
		}
	}

	tries := float64(s.cfg.Tries)
	p.MeanR2 = sumR2 / (tries - 1)
	p.WeightedR2 = weighted.Value()
	p.MarkovR2 = sumMarkov / tries
	p.AcceptRate = float64(p.Accepted) / tries

	for _, v := range []float64{p.MeanR2, p.WeightedR2, p.MarkovR2} {
		if !mathx.Finite(v) {
			return Point{}, fmt.Errorf("%w: sum_r2=%g log_sum_w=%g", ErrNonFinite, sumR2, weighted.LogSumW())
		}
	}
	return p, nil
}

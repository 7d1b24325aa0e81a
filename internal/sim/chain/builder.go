package chain

import (
	"fmt"
	"math"

	"polymerlab.ai/internal/sim/lattice"
	"polymerlab.ai/internal/sim/mathx"
	"polymerlab.ai/internal/sim/rng"
)

// Builder grows chains by Rosenbluth biased growth. It owns no occupancy of its
// own: every chain it returns stays marked on occ until Release.
type Builder struct {
	occ lattice.Occupancy
	rng rng.Source
	dim int

	restarts int64
}

// NewBuilder returns a builder drawing start points uniformly in [0,dim)³.
func NewBuilder(occ lattice.Occupancy, src rng.Source, dim int) *Builder {
	return &Builder{occ: occ, rng: src, dim: dim}
}

// Restarts is the total number of dead ends hit by this builder.
func (b *Builder) Restarts() int64 { return b.restarts }

// Energy of placing a monomer at t: +Inf on an occupied cell, 0 otherwise (athermal).
func (b *Builder) Energy(t lattice.Vec3i) float64 {
	if b.occ.Occupied(t) {
		return math.Inf(1)
	}
	return 0
}

// StepWeights returns the Boltzmann weight of each candidate step from p and their sum.
func (b *Builder) StepWeights(p lattice.Vec3i) (w [lattice.Coordination]float64, total float64) {
	for i, d := range lattice.Dirs {
		w[i] = math.Exp(-b.Energy(p.Add(d)))
		total += w[i]
	}
	return w, total
}

// Build grows a walk of exactly n monomers, restarting from a fresh random
// start whenever the growing end is trapped.
func (b *Builder) Build(n int) (*Chain, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLength, n)
	}
	c := &Chain{Monomers: make([]lattice.Vec3i, 0, n)}
	b.seed(c)

	for len(c.Monomers) < n {
		last := c.Monomers[len(c.Monomers)-1]
		w, total := b.StepWeights(last)
		if total == 0 {
			// Dead end: Rosenbluth growth has no backtrack.
			b.Release(c)
			b.restarts++
			c.Restarts++
			c.Monomers = c.Monomers[:0]
			b.seed(c)
			continue
		}

		i := choose(w, total, b.rng.Float64())
		next := last.Add(lattice.Dirs[i])
		c.Monomers = append(c.Monomers, next)
		b.occ.Mark(next, true)
		c.Weight *= total
		c.LogWeight += math.Log(total)
	}

	// Weight may overflow to +Inf on long chains; LogWeight is authoritative.
	if !mathx.Finite(c.LogWeight) {
		b.Release(c)
		return nil, fmt.Errorf("%w: n=%d log_weight=%g", ErrNonFiniteWeight, n, c.LogWeight)
	}
	return c, nil
}

// seed places the first monomer. A start cell already held by another chain is redrawn.
func (b *Builder) seed(c *Chain) {
	var p lattice.Vec3i
	for {
		p = lattice.Vec3i{X: b.rng.IntN(b.dim), Y: b.rng.IntN(b.dim), Z: b.rng.IntN(b.dim)}
		if !b.occ.Occupied(p) {
			break
		}
	}
	c.Monomers = append(c.Monomers, p)
	b.occ.Mark(p, true)
	c.Weight = lattice.Coordination
	c.LogWeight = math.Log(lattice.Coordination)
}

// choose walks the candidates in canonical order and returns the first whose
// cumulative probability exceeds u. total must be > 0.
func choose(w [lattice.Coordination]float64, total, u float64) int {
	cum := 0.0
	lastFree := -1
	for i, wi := range w {
		if wi == 0 {
			continue
		}
		lastFree = i
		cum += wi / total
		if cum > u {
			return i
		}
	}
	// Rounding can leave cum just below u near 1.
	return lastFree
}

// Release clears every cell of c.
func (b *Builder) Release(c *Chain) {
	if c == nil {
		return
	}
	for _, m := range c.Monomers {
		b.occ.Mark(m, false)
	}
}

// Hold marks every cell of c.
func (b *Builder) Hold(c *Chain) {
	if c == nil {
		return
	}
	for _, m := range c.Monomers {
		b.occ.Mark(m, true)
	}
}

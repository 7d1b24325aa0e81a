// Package rng provides the random streams consumed by chain growth and acceptance.
package rng

import "math/rand/v2"

// Source is the subset of a random stream the sampler needs.
type Source interface {
	// Float64 returns a uniform value in [0, 1).
	Float64() float64
	// IntN returns a uniform value in [0, n). n must be > 0.
	IntN(n int) int
}

// RNG is a seeded PCG stream that counts draws. The same seed yields the same
// sequence on every platform.
type RNG struct {
	seed int64
	src  *rand.Rand
	pos  int64
}

func New(seed int64) *RNG {
	s := uint64(seed)
	return &RNG{
		seed: seed,
		src:  rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15)),
	}
}

func (r *RNG) Float64() float64 {
	r.pos++
	return r.src.Float64()
}

func (r *RNG) IntN(n int) int {
	r.pos++
	return r.src.IntN(n)
}

func (r *RNG) Seed() int64 { return r.seed }

// Position returns the number of draws made since creation.
func (r *RNG) Position() int64 { return r.pos }

// Scripted replays fixed values, cycling when exhausted. The zero value always
// returns 0 from both methods.
type Scripted struct {
	Floats []float64
	Ints   []int

	fi, ii int
}

func (s *Scripted) Float64() float64 {
	if len(s.Floats) == 0 {
		return 0
	}
	v := s.Floats[s.fi%len(s.Floats)]
	s.fi++
	return v
}

func (s *Scripted) IntN(n int) int {
	if len(s.Ints) == 0 {
		return 0
	}
	v := s.Ints[s.ii%len(s.Ints)]
	s.ii++
	if v < 0 || v >= n {
		v = ((v % n) + n) % n
	}
	return v
}

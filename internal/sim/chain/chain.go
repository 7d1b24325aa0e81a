package chain

import (
	"errors"
	"fmt"

	"polymerlab.ai/internal/sim/lattice"
)

var (
	ErrInvalidLength   = errors.New("chain: length must be >= 1")
	ErrNonFiniteWeight = errors.New("chain: non-finite rosenbluth weight")
	ErrBrokenWalk      = errors.New("chain: invalid walk")
)

// Chain is one grown self-avoiding walk. Monomer coordinates are unwrapped.
type Chain struct {
	Monomers []lattice.Vec3i

	// Weight is the Rosenbluth weight: Coordination times the product of the
	// free-neighbour totals of every growth step. LogWeight is its natural log and
	// stays finite after Weight overflows to +Inf.
	Weight    float64
	LogWeight float64

	// Restarts counts dead ends hit while growing this chain.
	Restarts int
}

func (c *Chain) Len() int { return len(c.Monomers) }

// REESqr is the squared end-to-end distance on unwrapped coordinates; 0 for a single monomer.
func (c *Chain) REESqr() int {
	if len(c.Monomers) < 2 {
		return 0
	}
	return c.Monomers[len(c.Monomers)-1].Sub(c.Monomers[0]).Norm2()
}

// Bonds returns the lattice.Dirs index of every bond, first to last.
func (c *Chain) Bonds() []uint8 {
	if len(c.Monomers) < 2 {
		return nil
	}
	out := make([]uint8, 0, len(c.Monomers)-1)
	for i := 1; i < len(c.Monomers); i++ {
		out = append(out, uint8(lattice.DirIndex(c.Monomers[i].Sub(c.Monomers[i-1]))))
	}
	return out
}

// FromBonds rebuilds monomer coordinates from a start and a bond sequence.
func FromBonds(start lattice.Vec3i, bonds []uint8) ([]lattice.Vec3i, error) {
	out := make([]lattice.Vec3i, 0, len(bonds)+1)
	out = append(out, start)
	p := start
	for i, b := range bonds {
		if int(b) >= lattice.Coordination {
			return nil, fmt.Errorf("%w: bond %d has direction %d", ErrBrokenWalk, i, b)
		}
		p = p.Add(lattice.Dirs[b])
		out = append(out, p)
	}
	return out, nil
}

// CheckWalk verifies connectivity and self-avoidance. When wrap is non-nil,
// coordinates are compared after wrapping (periodic identification).
func CheckWalk(ms []lattice.Vec3i, wrap func(lattice.Vec3i) lattice.Vec3i) error {
	seen := make(map[lattice.Vec3i]int, len(ms))
	for i, m := range ms {
		if i > 0 && m.Sub(ms[i-1]).Norm2() != 1 {
			return fmt.Errorf("%w: monomers %d and %d are not adjacent", ErrBrokenWalk, i-1, i)
		}
		k := m
		if wrap != nil {
			k = wrap(m)
		}
		if j, dup := seen[k]; dup {
			return fmt.Errorf("%w: monomers %d and %d share cell %s", ErrBrokenWalk, j, i, k)
		}
		seen[k] = i
	}
	return nil
}

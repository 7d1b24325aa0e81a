package lattice

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"polymerlab.ai/internal/sim/mathx"
)

const (
	KindPeriodic  = "periodic"
	KindUnbounded = "unbounded"
)

// Occupancy answers self-avoidance queries for the chain currently held on the lattice.
type Occupancy interface {
	Occupied(c Vec3i) bool
	Mark(c Vec3i, v bool)
	Count() int
}

// New builds the occupancy backend named by kind. dim is ignored for unbounded lattices.
func New(kind string, dim int) (Occupancy, error) {
	switch strings.TrimSpace(kind) {
	case "", KindPeriodic:
		if dim <= 0 {
			return nil, fmt.Errorf("lattice: invalid dim %d", dim)
		}
		return NewPeriodic(dim), nil
	case KindUnbounded:
		return NewUnbounded(), nil
	default:
		return nil, fmt.Errorf("lattice: unknown occupancy kind %q", kind)
	}
}

// Periodic is a dense dim³ box with wrap-around on every axis.
type Periodic struct {
	dim   int
	cells []uint8
	count int
}

func NewPeriodic(dim int) *Periodic {
	return &Periodic{
		dim:   dim,
		cells: make([]uint8, dim*dim*dim),
	}
}

func (p *Periodic) Dim() int { return p.dim }

func (p *Periodic) index(c Vec3i) int {
	x := mathx.Mod(c.X, p.dim)
	y := mathx.Mod(c.Y, p.dim)
	z := mathx.Mod(c.Z, p.dim)
	return (x*p.dim+y)*p.dim + z
}

// Wrap maps c into the primary cell [0,dim)³.
func (p *Periodic) Wrap(c Vec3i) Vec3i {
	return Vec3i{X: mathx.Mod(c.X, p.dim), Y: mathx.Mod(c.Y, p.dim), Z: mathx.Mod(c.Z, p.dim)}
}

func (p *Periodic) Occupied(c Vec3i) bool {
	return p.cells[p.index(c)] != 0
}

func (p *Periodic) Mark(c Vec3i, v bool) {
	i := p.index(c)
	var b uint8
	if v {
		b = 1
	}
	if p.cells[i] == b {
		return
	}
	p.cells[i] = b
	if v {
		p.count++
	} else {
		p.count--
	}
}

func (p *Periodic) Count() int { return p.count }

func (p *Periodic) Reset() {
	clear(p.cells)
	p.count = 0
}

// Cells returns the wrapped coordinates of every occupied cell in index order.
func (p *Periodic) Cells() []Vec3i {
	out := make([]Vec3i, 0, p.count)
	if p.count == 0 {
		return out
	}
	d := p.dim
	for i, v := range p.cells {
		if v == 0 {
			continue
		}
		out = append(out, Vec3i{X: i / (d * d), Y: (i / d) % d, Z: i % d})
	}
	return out
}

func (p *Periodic) Digest() [32]byte {
	return sha256.Sum256(p.cells)
}

// Unbounded tracks occupancy over unwrapped coordinates, so no periodic image can collide.
type Unbounded struct {
	cells map[Vec3i]struct{}
}

func NewUnbounded() *Unbounded {
	return &Unbounded{cells: make(map[Vec3i]struct{}, 128)}
}

func (u *Unbounded) Occupied(c Vec3i) bool {
	_, ok := u.cells[c]
	return ok
}

func (u *Unbounded) Mark(c Vec3i, v bool) {
	if v {
		u.cells[c] = struct{}{}
		return
	}
	delete(u.cells, c)
}

func (u *Unbounded) Count() int { return len(u.cells) }

// Cells returns the occupied coordinates sorted by (x, y, z).
func (u *Unbounded) Cells() []Vec3i {
	out := make([]Vec3i, 0, len(u.cells))
	for c := range u.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].Z < out[j].Z
	})
	return out
}

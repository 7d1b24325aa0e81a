package lattice

import "fmt"

// Coordination is the number of nearest neighbours on the simple cubic lattice.
const Coordination = 6

// DefaultDim is the edge length of the periodic box.
const DefaultDim = 100

type Vec3i struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }
func (v Vec3i) Sub(o Vec3i) Vec3i { return Vec3i{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }
func (v Vec3i) Norm2() int        { return v.X*v.X + v.Y*v.Y + v.Z*v.Z }

func (v Vec3i) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

// Dirs lists the unit steps in canonical order: +x, +y, +z, -x, -y, -z.
// Growth traverses candidates in this order, so it is part of the sampler's output contract.
var Dirs = [Coordination]Vec3i{
	{X: 1}, {Y: 1}, {Z: 1},
	{X: -1}, {Y: -1}, {Z: -1},
}

// DirIndex returns the index into Dirs of the unit step d, or -1.
func DirIndex(d Vec3i) int {
	for i, u := range Dirs {
		if u == d {
			return i
		}
	}
	return -1
}

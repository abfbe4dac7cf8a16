package tract

import (
	"fmt"
	"strings"
)

// Axis identifies one volume axis.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// ParseAxis maps "x", "y", "z" (case-insensitive) to an Axis.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(s) {
	case "x":
		return AxisX, nil
	case "y":
		return AxisY, nil
	case "z":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("invalid axis %q (want x, y, or z)", s)
}

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// planeDims returns the (cols, rows) of the plane perpendicular to a for
// the given shape: the two remaining axes in x→y→z order.
func (a Axis) planeDims(shape VolumeShape) (cols, rows int) {
	switch a {
	case AxisX:
		return shape[1], shape[2]
	case AxisY:
		return shape[0], shape[2]
	default:
		return shape[0], shape[1]
	}
}

// Projection is a 2D image of a grid collapsed along (or sliced across)
// one axis. Values are stored row-major. The Dims/Z/X/Y methods satisfy
// gonum/plot's plotter.GridXYZ, so a Projection can be handed straight
// to a heat map.
type Projection struct {
	Axis   Axis
	Cols   int
	Rows   int
	Values []float64
}

func newProjection(axis Axis, shape VolumeShape) *Projection {
	cols, rows := axis.planeDims(shape)
	return &Projection{
		Axis:   axis,
		Cols:   cols,
		Rows:   rows,
		Values: make([]float64, cols*rows),
	}
}

// Dims returns the plane size as (columns, rows).
func (p *Projection) Dims() (c, r int) { return p.Cols, p.Rows }

// Z returns the value at column c, row r.
func (p *Projection) Z(c, r int) float64 { return p.Values[r*p.Cols+c] }

// X returns the coordinate of column c.
func (p *Projection) X(c int) float64 { return float64(c) }

// Y returns the coordinate of row r.
func (p *Projection) Y(r int) float64 { return float64(r) }

// Max returns the largest value in the plane, or 0 for an empty plane.
func (p *Projection) Max() float64 {
	var max float64
	for _, v := range p.Values {
		if v > max {
			max = v
		}
	}
	return max
}

// at maps a voxel index to its cell in the plane perpendicular to p.Axis.
func (p *Projection) at(v VoxelIndex) *float64 {
	var c, r int
	switch p.Axis {
	case AxisX:
		c, r = v[1], v[2]
	case AxisY:
		c, r = v[0], v[2]
	default:
		c, r = v[0], v[1]
	}
	return &p.Values[r*p.Cols+c]
}

// SumProjection collapses the grid along axis, summing counts.
func (g *CountGrid) SumProjection(axis Axis) *Projection {
	p := newProjection(axis, g.Shape)
	g.project(p, func(cell *float64, count uint32) {
		*cell += float64(count)
	})
	return p
}

// MaxProjection collapses the grid along axis, keeping the maximum count.
func (g *CountGrid) MaxProjection(axis Axis) *Projection {
	p := newProjection(axis, g.Shape)
	g.project(p, func(cell *float64, count uint32) {
		if f := float64(count); f > *cell {
			*cell = f
		}
	})
	return p
}

func (g *CountGrid) project(p *Projection, fold func(cell *float64, count uint32)) {
	var v VoxelIndex
	i := 0
	for x := 0; x < g.Shape[0]; x++ {
		for y := 0; y < g.Shape[1]; y++ {
			for z := 0; z < g.Shape[2]; z++ {
				if c := g.Counts[i]; c > 0 {
					v[0], v[1], v[2] = x, y, z
					fold(p.at(v), c)
				}
				i++
			}
		}
	}
}

// Slice extracts the single plane of the grid perpendicular to axis at
// index k.
func (g *CountGrid) Slice(axis Axis, k int) (*Projection, error) {
	var dim int
	switch axis {
	case AxisX, AxisY, AxisZ:
		dim = g.Shape[int(axis)]
	default:
		return nil, fmt.Errorf("invalid axis %d", int(axis))
	}
	if k < 0 || k >= dim {
		return nil, fmt.Errorf("slice index %d out of range [0,%d) on axis %s", k, dim, axis)
	}

	p := newProjection(axis, g.Shape)
	var v VoxelIndex
	i := 0
	for x := 0; x < g.Shape[0]; x++ {
		for y := 0; y < g.Shape[1]; y++ {
			for z := 0; z < g.Shape[2]; z++ {
				v[0], v[1], v[2] = x, y, z
				if v[int(axis)] == k {
					*p.at(v) = float64(g.Counts[i])
				}
				i++
			}
		}
	}
	return p, nil
}

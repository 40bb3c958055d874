// Package spatial provides a uniform bucket grid for fixed-radius neighbour
// queries over particle positions.
package spatial

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrOutOfBounds is wrapped by BoundsError.
var ErrOutOfBounds = errors.New("position outside spatial grid")

// BoundsError reports the particle whose position fell outside the grid.
type BoundsError struct {
	Index int
	Pos   r3.Vec
	Cell  [3]int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("particle %d at (%g, %g, %g) maps to cell %v: %v",
		e.Index, e.Pos.X, e.Pos.Y, e.Pos.Z, e.Cell, ErrOutOfBounds)
}

func (e *BoundsError) Unwrap() error { return ErrOutOfBounds }

// Grid buckets particle indices by cell. Queries scan the 3×3×3 block of
// cells around a cell, so the cell length must be at least the query radius.
//
// Build must not run concurrently with queries. Between builds the buckets
// describe the positions passed to the last Build.
type Grid struct {
	dims   [3]int
	cell   r3.Vec
	origin r3.Vec
	cells  [][]int // flat grid of index lists, x fastest
}

// New creates a grid of dims cells of the given length starting at origin.
func New(dims [3]int, cell, origin r3.Vec) (*Grid, error) {
	for axis, n := range dims {
		if n <= 0 {
			return nil, fmt.Errorf("spatial: dims[%d] = %d must be positive", axis, n)
		}
	}
	if !(cell.X > 0 && cell.Y > 0 && cell.Z > 0) {
		return nil, fmt.Errorf("spatial: cell length %v must be positive", cell)
	}

	total := dims[0] * dims[1] * dims[2]
	cells := make([][]int, total)
	for i := range cells {
		cells[i] = make([]int, 0, 8) // pre-allocate small capacity
	}

	return &Grid{
		dims:   dims,
		cell:   cell,
		origin: origin,
		cells:  cells,
	}, nil
}

// Dims returns the number of cells per axis.
func (g *Grid) Dims() [3]int { return g.dims }

// Clear removes all indices from the grid, keeping bucket capacity.
func (g *Grid) Clear() {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0]
	}
}

// Reset moves the grid to a new origin and cell length, keeping dims and
// bucket storage. The grid is left cleared.
func (g *Grid) Reset(cell, origin r3.Vec) error {
	if !(cell.X > 0 && cell.Y > 0 && cell.Z > 0) {
		return fmt.Errorf("spatial: cell length %v must be positive", cell)
	}
	g.cell = cell
	g.origin = origin
	g.Clear()
	return nil
}

// Build clears the grid and inserts index i for every positions[i].
// The first position outside the grid aborts the build with a *BoundsError;
// the grid is left cleared in that case.
func (g *Grid) Build(positions []r3.Vec) error {
	g.Clear()
	for i, p := range positions {
		c, ok := g.CellOf(p)
		if !ok {
			g.Clear()
			return &BoundsError{Index: i, Pos: p, Cell: c}
		}
		idx := g.flat(c)
		g.cells[idx] = append(g.cells[idx], i)
	}
	return nil
}

// CellOf returns the cell containing p and whether it lies inside the grid.
// NaN coordinates are never inside.
func (g *Grid) CellOf(p r3.Vec) ([3]int, bool) {
	f := [3]float64{
		math.Floor((p.X - g.origin.X) / g.cell.X),
		math.Floor((p.Y - g.origin.Y) / g.cell.Y),
		math.Floor((p.Z - g.origin.Z) / g.cell.Z),
	}
	var c [3]int
	ok := true
	for axis, x := range f {
		if !(x >= 0 && x < float64(g.dims[axis])) {
			ok = false
			if math.IsNaN(x) {
				x = -1
			}
			x = math.Max(math.Min(x, math.MaxInt32), math.MinInt32)
		}
		c[axis] = int(x)
	}
	return c, ok
}

// Bucket returns the indices in cell c. The slice is owned by the grid.
func (g *Grid) Bucket(c [3]int) []int {
	if !g.inside(c) {
		return nil
	}
	return g.cells[g.flat(c)]
}

// Neighbors calls fn for every index in the 3×3×3 block of cells centred on c.
// Cells outside the grid are skipped.
func (g *Grid) Neighbors(c [3]int, fn func(j int)) {
	for dz := -1; dz <= 1; dz++ {
		z := c[2] + dz
		if z < 0 || z >= g.dims[2] {
			continue
		}
		for dy := -1; dy <= 1; dy++ {
			y := c[1] + dy
			if y < 0 || y >= g.dims[1] {
				continue
			}
			for dx := -1; dx <= 1; dx++ {
				x := c[0] + dx
				if x < 0 || x >= g.dims[0] {
					continue
				}
				for _, j := range g.cells[g.flat([3]int{x, y, z})] {
					fn(j)
				}
			}
		}
	}
}

// NeighborsInto appends the indices of the 3×3×3 block around c to dst.
// Reuse dst across calls to avoid allocations.
func (g *Grid) NeighborsInto(dst []int, c [3]int) []int {
	g.Neighbors(c, func(j int) { dst = append(dst, j) })
	return dst
}

func (g *Grid) inside(c [3]int) bool {
	return c[0] >= 0 && c[0] < g.dims[0] &&
		c[1] >= 0 && c[1] < g.dims[1] &&
		c[2] >= 0 && c[2] < g.dims[2]
}

// flat returns the flat index for an in-range cell.
func (g *Grid) flat(c [3]int) int {
	return (c[2]*g.dims[1]+c[1])*g.dims[0] + c[0]
}

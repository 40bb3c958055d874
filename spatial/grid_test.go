package spatial

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func newTestGrid(t *testing.T) *Grid {
	t.Helper()
	g, err := New([3]int{4, 4, 4}, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestNewRejectsBadShape(t *testing.T) {
	tests := []struct {
		name string
		dims [3]int
		cell r3.Vec
	}{
		{"zero dim", [3]int{0, 1, 1}, r3.Vec{X: 1, Y: 1, Z: 1}},
		{"negative dim", [3]int{1, -2, 1}, r3.Vec{X: 1, Y: 1, Z: 1}},
		{"zero cell", [3]int{1, 1, 1}, r3.Vec{X: 1, Y: 0, Z: 1}},
		{"nan cell", [3]int{1, 1, 1}, r3.Vec{X: math.NaN(), Y: 1, Z: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.dims, tc.cell, r3.Vec{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCellOf(t *testing.T) {
	g, err := New([3]int{10, 10, 10}, r3.Vec{X: 2, Y: 2, Z: 2}, r3.Vec{X: -10, Y: 0, Z: 0})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		p      r3.Vec
		want   [3]int
		inside bool
	}{
		{"origin", r3.Vec{X: -10}, [3]int{0, 0, 0}, true},
		{"interior", r3.Vec{X: -5, Y: 3, Z: 19.9}, [3]int{2, 1, 9}, true},
		{"cell boundary", r3.Vec{X: -8, Y: 2, Z: 4}, [3]int{1, 1, 2}, true},
		{"below origin", r3.Vec{X: -10.5}, [3]int{-1, 0, 0}, false},
		{"past end", r3.Vec{X: -10, Y: 20}, [3]int{0, 10, 0}, false},
		{"nan", r3.Vec{X: math.NaN()}, [3]int{-1, 0, 0}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, ok := g.CellOf(tc.p)
			if ok != tc.inside {
				t.Errorf("inside = %v, want %v", ok, tc.inside)
			}
			if c != tc.want {
				t.Errorf("cell = %v, want %v", c, tc.want)
			}
		})
	}
}

func TestBuildOutOfBounds(t *testing.T) {
	g := newTestGrid(t)
	positions := []r3.Vec{{X: 0.5, Y: 0.5, Z: 0.5}, {X: 4.5, Y: 0.5, Z: 0.5}}

	err := g.Build(positions)
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("Build() = %v, want ErrOutOfBounds", err)
	}
	var be *BoundsError
	if !errors.As(err, &be) || be.Index != 1 {
		t.Errorf("expected BoundsError for particle 1, got %v", err)
	}
	if n := len(g.Bucket([3]int{0, 0, 0})); n != 0 {
		t.Errorf("failed build left %d entries", n)
	}
}

func TestBuildRebuildsWholesale(t *testing.T) {
	g := newTestGrid(t)
	if err := g.Build([]r3.Vec{{X: 0.5, Y: 0.5, Z: 0.5}}); err != nil {
		t.Fatal(err)
	}
	if err := g.Build([]r3.Vec{{X: 3.5, Y: 3.5, Z: 3.5}}); err != nil {
		t.Fatal(err)
	}
	if n := len(g.Bucket([3]int{0, 0, 0})); n != 0 {
		t.Errorf("stale entry survived rebuild: %d", n)
	}
	if got := g.Bucket([3]int{3, 3, 3}); len(got) != 1 || got[0] != 0 {
		t.Errorf("bucket(3,3,3) = %v, want [0]", got)
	}
}

func TestNeighborsCorner(t *testing.T) {
	g := newTestGrid(t)
	positions := []r3.Vec{
		{X: 0.5, Y: 0.5, Z: 0.5}, // (0,0,0)
		{X: 1.5, Y: 1.5, Z: 1.5}, // (1,1,1)
		{X: 2.5, Y: 0.5, Z: 0.5}, // (2,0,0), outside the block of (0,0,0)
		{X: 3.5, Y: 3.5, Z: 3.5}, // (3,3,3)
	}
	if err := g.Build(positions); err != nil {
		t.Fatal(err)
	}

	got := g.NeighborsInto(nil, [3]int{0, 0, 0})
	sort.Ints(got)
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("neighbors of corner = %v, want [0 1]", got)
	}

	got = g.NeighborsInto(got[:0], [3]int{3, 3, 3})
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("neighbors of far corner = %v, want [3]", got)
	}
}

// TestNeighborsMatchBruteForce checks that every pair within one cell length
// is reported by the block scan.
func TestNeighborsMatchBruteForce(t *testing.T) {
	const radius = 1.0
	g, err := New([3]int{6, 6, 6}, r3.Vec{X: radius, Y: radius, Z: radius}, r3.Vec{})
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(3))
	positions := make([]r3.Vec, 300)
	for i := range positions {
		positions[i] = r3.Vec{X: rng.Float64() * 6, Y: rng.Float64() * 6, Z: rng.Float64() * 6}
	}
	if err := g.Build(positions); err != nil {
		t.Fatal(err)
	}

	for i, p := range positions {
		c, _ := g.CellOf(p)
		found := make(map[int]bool)
		g.Neighbors(c, func(j int) { found[j] = true })
		if !found[i] {
			t.Fatalf("particle %d missing from its own neighbourhood", i)
		}
		for j, q := range positions {
			if r3.Norm(r3.Sub(p, q)) <= radius && !found[j] {
				t.Errorf("pair (%d, %d) within radius not reported", i, j)
			}
		}
	}
}

func TestResetMovesGrid(t *testing.T) {
	g := newTestGrid(t)
	if err := g.Build([]r3.Vec{{X: 0.5, Y: 0.5, Z: 0.5}}); err != nil {
		t.Fatal(err)
	}
	if err := g.Reset(r3.Vec{X: 2, Y: 2, Z: 2}, r3.Vec{X: -4, Y: -4, Z: -4}); err != nil {
		t.Fatal(err)
	}
	if n := len(g.Bucket([3]int{0, 0, 0})); n != 0 {
		t.Errorf("Reset left %d entries", n)
	}

	c, ok := g.CellOf(r3.Vec{X: -3, Y: 0.5, Z: 3.9})
	if !ok || c != [3]int{0, 2, 3} {
		t.Errorf("CellOf after Reset = %v, %v", c, ok)
	}
	if g.Dims() != [3]int{4, 4, 4} {
		t.Errorf("Reset changed dims to %v", g.Dims())
	}
	if err := g.Reset(r3.Vec{X: 1, Y: 0, Z: 1}, r3.Vec{}); err == nil {
		t.Error("expected error for zero cell length")
	}
}

package surface

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/splash/config"
	"github.com/pthm-cable/splash/sph"
)

func testParams() Params {
	return Params{
		Mass:           1,
		KernelRadius:   2.5,
		IsoLevel:       0.08,
		VoxelSize:      0.23,
		PadFactor:      4,
		PreprocessDivs: 100,
		KernelScale:    0.4,
		MinNeighbors:   35,
		IsotropicScale: 1,
		EigenRatio:     0.2,
		Workers:        2,
	}
}

func newTestReconstructor(t *testing.T, p Params) *Reconstructor {
	t.Helper()
	r := New(p)
	t.Cleanup(r.Close)
	return r
}

// blockSnapshot places n³ particles at unit spacing starting at origin.
func blockSnapshot(n int, origin r3.Vec, rho float64) *sph.Snapshot {
	snap := &sph.Snapshot{}
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				snap.Positions = append(snap.Positions, r3.Add(origin, r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}))
				snap.Densities = append(snap.Densities, rho)
			}
		}
	}
	return snap
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.Default()
	p := ParamsFromConfig(cfg)
	assert.Equal(t, cfg.Solver.Mass, p.Mass)
	assert.Equal(t, cfg.Solver.KernelRadius, p.KernelRadius)
	assert.Equal(t, 0.08, p.IsoLevel)
	assert.Equal(t, 0.23, p.VoxelSize)
	assert.Equal(t, 35, p.MinNeighbors)
	assert.Positive(t, p.Workers)
}

func TestMarchSingleVoxelIsClosedOctahedron(t *testing.T) {
	p := testParams()
	p.VoxelSize = 1
	r := newTestReconstructor(t, p)
	defer r.reset()

	r.field.Add(PackKey(1, 1, 1), 1)
	for z := uint64(0); z <= 1; z++ {
		for y := uint64(0); y <= 1; y++ {
			for x := uint64(0); x <= 1; x++ {
				r.cells[PackKey(x, y, z)] = struct{}{}
			}
		}
	}

	m := r.march()
	require.Len(t, m.Vertices, 6, "one vertex per edge leaving the voxel")
	require.Len(t, m.Triangles, 8)
	assert.Zero(t, m.OpenEdges())

	for _, v := range m.Vertices {
		c := []float64{v.X, v.Y, v.Z}
		off := 0
		for _, x := range c {
			if x == 1 {
				continue
			}
			off++
			if math.Abs(x-0.08) > 1e-12 && math.Abs(x-1.92) > 1e-12 {
				t.Errorf("vertex %v not at an interpolated crossing", v)
			}
		}
		assert.Equal(t, 1, off, "vertex %v should lie on an axis edge", v)
	}
	for _, tri := range m.Triangles {
		assert.NotEqual(t, tri[0], tri[1])
		assert.NotEqual(t, tri[1], tri[2])
		assert.NotEqual(t, tri[0], tri[2])
	}
}

func TestMarchEmptyCellsProduceNothing(t *testing.T) {
	r := newTestReconstructor(t, testParams())
	r.cells[PackKey(0, 0, 0)] = struct{}{}
	m := r.march()
	assert.True(t, m.Empty())
	assert.Empty(t, m.Vertices)
}

func TestIsolatedParticleIsSphere(t *testing.T) {
	p := testParams()
	r := newTestReconstructor(t, p)

	// Isotropic kernel: G = I/h, |det G| = h⁻³. The density is chosen so the
	// field peaks at 1, giving (1 - d²/h²)³ = iso on the surface.
	h := p.KernelRadius
	rho := p.Mass * poly6C / (h * h * h)
	center := r3.Vec{X: 3.1, Y: -2.7, Z: 11.05}
	snap := &sph.Snapshot{Positions: []r3.Vec{center}, Densities: []float64{rho}}

	m, stats, err := r.Reconstruct(snap)
	require.NoError(t, err)
	require.False(t, m.Empty())
	assert.Equal(t, 1, stats.Isotropic)
	assert.Zero(t, stats.EigenFailures)
	assert.Equal(t, len(m.Vertices), stats.Vertices)
	assert.Equal(t, len(m.Triangles), stats.Triangles)

	want := h * math.Sqrt(1-math.Cbrt(p.IsoLevel))
	for _, v := range m.Vertices {
		d := r3.Norm(r3.Sub(v, center))
		assert.InDelta(t, want, d, 0.02, "vertex %v", v)
	}

	lo, hi, ok := m.Bounds()
	require.True(t, ok)
	mid := r3.Scale(0.5, r3.Add(lo, hi))
	assert.InDelta(t, 0, r3.Norm(r3.Sub(mid, center)), 0.05)
}

func TestZeroDensitySkipsParticle(t *testing.T) {
	r := newTestReconstructor(t, testParams())
	snap := &sph.Snapshot{Positions: []r3.Vec{{X: 1, Y: 1, Z: 1}}, Densities: []float64{0}}

	m, stats, err := r.Reconstruct(snap)
	require.NoError(t, err)
	assert.True(t, m.Empty())
	assert.Zero(t, stats.FieldVoxels)
	assert.Zero(t, stats.SurfaceCells)
}

func TestReconstructEmptyAndMismatched(t *testing.T) {
	r := newTestReconstructor(t, testParams())

	m, stats, err := r.Reconstruct(&sph.Snapshot{})
	require.NoError(t, err)
	assert.True(t, m.Empty())
	assert.Zero(t, stats.Particles)

	_, _, err = r.Reconstruct(&sph.Snapshot{Positions: []r3.Vec{{}}})
	assert.Error(t, err)
}

func TestReconstructLatticeTooLarge(t *testing.T) {
	r := newTestReconstructor(t, testParams())
	snap := &sph.Snapshot{
		Positions: []r3.Vec{{}, {X: 1e6}},
		Densities: []float64{1, 1},
	}
	_, _, err := r.Reconstruct(snap)
	assert.ErrorIs(t, err, ErrLatticeTooLarge)

	// The reconstructor stays usable.
	_, _, err = r.Reconstruct(blockSnapshot(2, r3.Vec{}, 1))
	assert.NoError(t, err)
}

func TestReconstructIsDeterministicAcrossReuse(t *testing.T) {
	p := testParams()
	first := blockSnapshot(5, r3.Vec{X: 2, Y: 3, Z: 4}, 1)
	second := blockSnapshot(6, r3.Vec{X: 10, Y: 10, Z: 10}, 1)

	reused := newTestReconstructor(t, p)
	_, _, err := reused.Reconstruct(first)
	require.NoError(t, err)
	got, gotStats, err := reused.Reconstruct(second)
	require.NoError(t, err)

	fresh := newTestReconstructor(t, p)
	want, wantStats, err := fresh.Reconstruct(second)
	require.NoError(t, err)

	require.False(t, want.Empty())
	assert.Equal(t, wantStats, gotStats)
	assert.Equal(t, want.Vertices, got.Vertices)
	assert.Equal(t, want.Triangles, got.Triangles)

	again, _, err := fresh.Reconstruct(second)
	require.NoError(t, err)
	assert.Equal(t, want, again)
}

func TestBlockSurfaceEnclosesParticles(t *testing.T) {
	r := newTestReconstructor(t, testParams())
	origin := r3.Vec{X: 10, Y: 10, Z: 10}
	snap := blockSnapshot(6, origin, 1)

	m, stats, err := r.Reconstruct(snap)
	require.NoError(t, err)
	require.False(t, m.Empty())
	assert.Zero(t, stats.EigenFailures)
	assert.Less(t, stats.Isotropic, stats.Particles, "interior kernels should be anisotropic")

	lo, hi, ok := m.Bounds()
	require.True(t, ok)
	blockHi := r3.Add(origin, r3.Vec{X: 5, Y: 5, Z: 5})
	for axis, pair := range [][4]float64{
		{lo.X, hi.X, origin.X, blockHi.X},
		{lo.Y, hi.Y, origin.Y, blockHi.Y},
		{lo.Z, hi.Z, origin.Z, blockHi.Z},
	} {
		// The surface hugs the outer particle layer.
		assert.Greater(t, pair[0], pair[2]-3, "axis %d", axis)
		assert.Less(t, pair[0], pair[2]+1.5, "axis %d", axis)
		assert.Greater(t, pair[1], pair[3]-1.5, "axis %d", axis)
		assert.Less(t, pair[1], pair[3]+3, "axis %d", axis)
		// Symmetric block, symmetric surface up to one voxel.
		assert.InDelta(t, (pair[2]+pair[3])/2, (pair[0]+pair[1])/2, 0.3, "axis %d", axis)
	}

	for i, tri := range m.Triangles {
		for _, idx := range tri {
			require.Less(t, int(idx), len(m.Vertices), "triangle %d", i)
		}
	}
}

func TestAnisotropicFrameFlattensSheet(t *testing.T) {
	p := testParams()
	r := newTestReconstructor(t, p)

	var positions []r3.Vec
	center := -1
	for y := -10; y <= 10; y++ {
		for x := -10; x <= 10; x++ {
			if x == 0 && y == 0 {
				center = len(positions)
			}
			positions = append(positions, r3.Vec{X: 0.5 * float64(x), Y: 0.5 * float64(y), Z: 7})
		}
	}
	all := make([]int, len(positions))
	for i := range all {
		all[i] = i
	}

	f := r.anisotropicFrame(positions, center, all)
	require.False(t, f.isotropic)
	require.False(t, f.eigenError)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(f.center, positions[center])), 1e-9)

	halfX := f.bbMax.X - f.center.X
	halfY := f.bbMax.Y - f.center.Y
	halfZ := f.bbMax.Z - f.center.Z
	assert.InDelta(t, halfX, halfY, 1e-9*halfX)
	assert.InDelta(t, p.EigenRatio, halfZ/halfX, 1e-6, "normal axis is clamped to the eigen ratio")

	// det G is the inverse of the semi-axis product.
	assert.InEpsilon(t, 1/(halfX*halfY*halfZ), f.detG, 1e-6)
}

func TestSparseNeighbourhoodFallsBackToIsotropic(t *testing.T) {
	p := testParams()
	r := newTestReconstructor(t, p)

	positions := []r3.Vec{{}, {X: 1}, {Y: 1}, {Z: 1}}
	f := r.anisotropicFrame(positions, 0, []int{0, 1, 2, 3})
	assert.True(t, f.isotropic)
	assert.False(t, f.eigenError)

	half := p.IsotropicScale * p.KernelRadius
	assert.InDelta(t, half, f.bbMax.X-f.center.X, 1e-12)
	assert.InDelta(t, half, f.center.Z-f.bbMin.Z, 1e-12)
	assert.InDelta(t, math.Pow(half, -3), f.detG, 1e-15)
}

func TestNeighborWeight(t *testing.T) {
	tests := []struct {
		r, want float64
	}{
		{0, 1},
		{2.5, 1 - 0.125},
		{5, 0},
		{6, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, neighborWeight(tt.r, 2.5), 1e-15, "r=%g", tt.r)
	}
}

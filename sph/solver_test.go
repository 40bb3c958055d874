package sph

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/splash/config"
)

func newTestSolver(t *testing.T, bounds float64) (*Solver, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Solver.Workers = 4
	s, err := New(cfg, r3.Vec{X: bounds, Y: bounds, Z: bounds})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, cfg
}

func TestKernelShape(t *testing.T) {
	const h = 2.5
	k := NewKernel(h)

	wc := 315.0 / (64.0 * math.Pi * math.Pow(h, 9))
	assert.InDelta(t, wc*math.Pow(h, 6), k.W(r3.Vec{}), 1e-15)

	// Continuous at the support edge and zero beyond.
	assert.InDelta(t, 0, k.W(r3.Vec{X: h}), 1e-18)
	assert.InDelta(t, 0, k.W(r3.Vec{X: h - 1e-9}), 1e-18)
	assert.Zero(t, k.W(r3.Vec{X: h + 1e-9}))
	assert.Zero(t, k.Laplacian(r3.Vec{Y: h + 0.1}))
	assert.Equal(t, r3.Vec{}, k.Grad(r3.Vec{Z: h + 0.1}))

	// Non-increasing in distance.
	prev := k.W(r3.Vec{})
	for i := 1; i <= 100; i++ {
		w := k.W(r3.Vec{X: h * float64(i) / 100})
		assert.LessOrEqual(t, w, prev, "W increased at step %d", i)
		prev = w
	}
}

func TestKernelGradient(t *testing.T) {
	k := NewKernel(2.5)

	assert.Equal(t, r3.Vec{}, k.Grad(r3.Vec{}), "coincident particles must not produce NaN")

	d := r3.Vec{X: 1, Y: 0.5, Z: -0.25}
	g := k.Grad(d)
	// Spiky gradient points from the neighbour back towards the particle.
	assert.Less(t, r3.Dot(g, d), 0.0)

	dist := r3.Norm(d)
	want := k.gradC * (k.H - dist) * (k.H - dist)
	assert.InDelta(t, want, r3.Norm(g), 1e-12)

	neg := k.Grad(r3.Scale(-1, d))
	assert.InDelta(t, 0, r3.Norm(r3.Add(g, neg)), 1e-15, "gradient must be antisymmetric")
}

func TestIsolatedParticleDensity(t *testing.T) {
	s, cfg := newTestSolver(t, 20)
	require.NoError(t, s.AddParticle(r3.Vec{X: 10, Y: 10, Z: 10}))
	require.NoError(t, s.Init())

	s.Density()

	h := cfg.Solver.KernelRadius
	wc := 315.0 / (64.0 * math.Pi * math.Pow(h, 9))
	want := cfg.Solver.Mass * wc * math.Pow(h, 6)
	assert.InEpsilon(t, want, s.Densities[0], 1e-12)
}

func TestPressureSign(t *testing.T) {
	s, cfg := newTestSolver(t, 20)
	rest := cfg.Solver.RestDensity

	assert.Zero(t, s.Pressure(rest))
	assert.Less(t, s.Pressure(rest/2), 0.0, "below rest density pressure is negative")
	assert.Greater(t, s.Pressure(rest*2), 0.0)
}

func TestTwoParticlesAttractSymmetrically(t *testing.T) {
	cfg := config.Default()
	cfg.Solver.Gravity = [3]float64{}
	s, err := New(cfg, r3.Vec{X: 20, Y: 20, Z: 20})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddParticle(r3.Vec{X: 9.5, Y: 10, Z: 10}))
	require.NoError(t, s.AddParticle(r3.Vec{X: 10.5, Y: 10, Z: 10}))
	require.NoError(t, s.Init())

	s.Density()
	assert.InEpsilon(t, s.Densities[0], s.Densities[1], 1e-12)
	assert.Less(t, s.Densities[0], cfg.Solver.RestDensity)

	s.Accelerate()
	a0, a1 := s.Accelerations[0], s.Accelerations[1]
	assert.Greater(t, a0.X, 0.0, "sparse pair should pull together")
	assert.InDelta(t, 0, r3.Norm(r3.Add(a0, a1)), 1e-9*r3.Norm(a0))
	assert.InDelta(t, 0, a0.Y, 1e-12)
	assert.InDelta(t, 0, a0.Z, 1e-12)
}

func TestAddBlockLattice(t *testing.T) {
	s, cfg := newTestSolver(t, 20)

	n, err := s.AddBlock(r3.Vec{X: 2, Y: 2, Z: 2}, r3.Vec{X: 8, Y: 6, Z: 4})
	require.NoError(t, err)

	eps := cfg.Solver.Epsilon
	d := s.Spacing()
	perAxis := func(from, to float64) int {
		return int(math.Floor((to-eps-(from+eps))/d)) + 1
	}
	want := perAxis(2, 8) * perAxis(2, 6) * perAxis(2, 4)
	assert.Equal(t, want, n)
	assert.Equal(t, want, s.Len())

	for i, p := range s.Positions {
		assert.GreaterOrEqual(t, p.X, 2+eps, "particle %d", i)
		assert.LessOrEqual(t, p.Z, 4-eps, "particle %d", i)
	}
	assert.InDelta(t, 2+eps, s.Positions[0].Z, 1e-12)
	assert.InDelta(t, 2+eps+d, s.Positions[1].Z, 1e-12)
}

func TestAddBlockErrors(t *testing.T) {
	s, _ := newTestSolver(t, 10)

	_, err := s.AddBlock(r3.Vec{}, r3.Vec{X: 11, Y: 5, Z: 5})
	assert.True(t, errors.Is(err, ErrOutsideDomain), "got %v", err)

	_, err = s.AddBlock(r3.Vec{}, r3.Vec{X: 3, Y: 3, Z: 3})
	require.NoError(t, err)
	_, err = s.Step()
	require.NoError(t, err)

	assert.ErrorIs(t, s.AddParticle(r3.Vec{X: 5, Y: 5, Z: 5}), ErrStarted)
}

func TestUpdatePositionContainment(t *testing.T) {
	const bound = 10.0
	s, cfg := newTestSolver(t, bound)
	radius := cfg.Solver.ParticleRadius

	start := []r3.Vec{
		{X: 0.05, Y: 5, Z: 5},
		{X: 9.99, Y: 9.99, Z: 9.99},
		{X: 5, Y: 0, Z: 5},
		{X: 5, Y: 5, Z: 5},
		{X: 1, Y: 1, Z: 1},
	}
	for _, p := range start {
		require.NoError(t, s.AddParticle(p))
	}
	require.NoError(t, s.Init())

	nan := math.NaN()
	s.Accelerations[0] = r3.Vec{X: nan, Y: nan, Z: nan}
	s.Accelerations[1] = r3.Vec{X: 1e12, Y: 1e12, Z: 1e12}
	s.Accelerations[2] = r3.Vec{X: math.Inf(1), Y: math.Inf(-1), Z: 0}
	s.Accelerations[3] = r3.Vec{X: -1e9}
	s.Velocities[4] = r3.Vec{X: -1e6, Y: -1e6, Z: -1e6}

	for step := 0; step < 3; step++ {
		report, err := s.UpdatePosition()
		require.NoError(t, err)
		if step == 0 {
			assert.Equal(t, 5, report.NonFinite)
			assert.GreaterOrEqual(t, report.ClampedAccel, 3)
			assert.GreaterOrEqual(t, report.WallContacts, 3)
			assert.True(t, report.Unstable())
		}

		for i, p := range s.Positions {
			for axis, x := range vecToArray(p) {
				assert.False(t, math.IsNaN(x), "particle %d axis %d is NaN", i, axis)
				assert.GreaterOrEqual(t, x, radius, "particle %d axis %d", i, axis)
				assert.LessOrEqual(t, x, bound-radius, "particle %d axis %d", i, axis)
			}
			a := s.Accelerations[i]
			assert.False(t, math.IsNaN(r3.Norm(a)))
		}
	}
}

func TestWallPushesInward(t *testing.T) {
	cfg := config.Default()
	cfg.Solver.Gravity = [3]float64{}
	s, err := New(cfg, r3.Vec{X: 10, Y: 10, Z: 10})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddParticle(r3.Vec{X: 0.05, Y: 5, Z: 9.95}))
	require.NoError(t, s.Init())

	_, err = s.UpdatePosition()
	require.NoError(t, err)

	assert.Greater(t, s.Velocities[0].X, 0.0, "low wall pushes towards +x")
	assert.Less(t, s.Velocities[0].Z, 0.0, "high wall pushes towards -z")
	assert.Zero(t, s.Velocities[0].Y)
}

func TestStepKeepsBlockInside(t *testing.T) {
	cfg := config.Default()
	cfg.Solver.Workers = 3
	const bound = 12.0
	s, err := New(cfg, r3.Vec{X: bound, Y: bound, Z: bound})
	require.NoError(t, err)
	defer s.Close()

	n, err := s.AddBlock(r3.Vec{}, r3.Vec{X: 6, Y: 6, Z: 6})
	require.NoError(t, err)
	require.Greater(t, n, 27)

	for step := 1; step <= 5; step++ {
		report, err := s.Step()
		require.NoError(t, err)
		assert.Equal(t, step, report.Step)
	}
	assert.Equal(t, 5, s.StepCount())
	assert.InDelta(t, 5*cfg.Solver.DT, s.Time(), 1e-12)

	r := cfg.Solver.ParticleRadius
	for i, p := range s.Positions {
		assert.True(t, p.X >= r && p.X <= bound-r && p.Y >= r && p.Y <= bound-r && p.Z >= r && p.Z <= bound-r,
			"particle %d escaped: %v", i, p)
		assert.Greater(t, s.Densities[i], 0.0)
	}

	snap := s.Snapshot()
	assert.Equal(t, 5, snap.Step)
	snap.Positions[0] = r3.Vec{X: -1}
	assert.NotEqual(t, snap.Positions[0], s.Positions[0], "snapshot must be an independent copy")
}

func TestStepRecordsFramesBeforeIntegration(t *testing.T) {
	s, _ := newTestSolver(t, 12)
	_, err := s.AddBlock(r3.Vec{X: 2, Y: 2, Z: 2}, r3.Vec{X: 5, Y: 5, Z: 5})
	require.NoError(t, err)
	initial := make([]r3.Vec, s.Len())
	copy(initial, s.Positions)

	st := NewStream()
	s.SetStream(st)
	for i := 0; i < 3; i++ {
		_, err := s.Step()
		require.NoError(t, err)
	}

	first, last, ok := st.Range()
	require.True(t, ok)
	assert.Equal(t, 0, first)
	assert.Equal(t, 2, last)

	frame0, err := st.Get(0)
	require.NoError(t, err)
	assert.Equal(t, initial, frame0.Positions)
	assert.Zero(t, frame0.Time)
	for _, rho := range frame0.Densities {
		assert.Greater(t, rho, 0.0)
	}
}

func TestStream(t *testing.T) {
	st := NewStream()
	_, _, ok := st.Range()
	assert.False(t, ok)

	for step := 3; step < 6; step++ {
		require.NoError(t, st.Append(&Snapshot{
			Step:      step,
			Time:      float64(step) / 144,
			Positions: []r3.Vec{{X: float64(step), Y: 1, Z: 2}},
			Densities: []float64{0.5},
		}))
	}
	assert.Error(t, st.Append(&Snapshot{Step: 9}), "gaps are rejected")

	first, last, ok := st.Range()
	assert.True(t, ok)
	assert.Equal(t, 3, first)
	assert.Equal(t, 5, last)

	snap, err := st.Get(4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, snap.Positions[0].X)

	_, err = st.Get(2)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	_, err = st.Get(6)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	path := filepath.Join(t.TempDir(), "runs", "stream.json")
	require.NoError(t, SaveStream(st, path))
	loaded, err := LoadStream(path)
	require.NoError(t, err)
	assert.Equal(t, st.Len(), loaded.Len())
	got, err := loaded.Get(5)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 5, Y: 1, Z: 2}, got.Positions[0])
}

func TestStreamConcurrentReaders(t *testing.T) {
	st := NewStream()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for step := 0; step < 200; step++ {
			_ = st.Append(&Snapshot{Step: step})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, last, ok := st.Range(); ok {
					snap, err := st.Get(last)
					if err != nil || snap.Step != last {
						t.Errorf("Get(%d) = %v, %v", last, snap, err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, st.Len())
}

func TestTwoParticleCycleStaysFinite(t *testing.T) {
	s, cfg := newTestSolver(t, 30)
	h := cfg.Solver.KernelRadius

	require.NoError(t, s.AddParticle(r3.Vec{X: 15, Y: 15, Z: 15}))
	require.NoError(t, s.AddParticle(r3.Vec{X: 15 + 0.6*h, Y: 15, Z: 15}))
	require.NoError(t, s.Init())
	before := r3.Norm(r3.Sub(s.Positions[1], s.Positions[0]))

	s.Density()
	s.Accelerate()
	rep, err := s.UpdatePosition()
	require.NoError(t, err)
	assert.Zero(t, rep.NonFinite)

	for i, p := range s.Positions {
		for _, c := range []float64{p.X, p.Y, p.Z} {
			assert.False(t, math.IsNaN(c) || math.IsInf(c, 0), "particle %d: %v", i, p)
			assert.GreaterOrEqual(t, c, 0.0)
			assert.LessOrEqual(t, c, 30.0)
		}
	}
	after := r3.Norm(r3.Sub(s.Positions[1], s.Positions[0]))
	// One step cannot move a particle further than acc_limit·dt².
	limit := 2 * cfg.Solver.AccLimit * cfg.Solver.DT * cfg.Solver.DT
	assert.LessOrEqual(t, math.Abs(after-before), limit)
}

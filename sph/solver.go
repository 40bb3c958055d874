// Package sph implements a weakly compressible smoothed particle hydrodynamics
// solver in a closed box, plus the snapshot stream consumed by surface
// reconstruction.
package sph

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/splash/config"
	"github.com/pthm-cable/splash/parallel"
	"github.com/pthm-cable/splash/spatial"
	"github.com/pthm-cable/splash/telemetry"
)

var (
	// ErrStarted is returned when particles are added after the first step.
	ErrStarted = errors.New("sph: particles cannot be added after the first step")
	// ErrOutsideDomain is returned when a particle or block lies outside the box.
	ErrOutsideDomain = errors.New("sph: outside simulation domain")
)

// StepReport counts the numerical safety nets triggered during one step.
// Non-zero values mean the integration was unstable and has been masked.
type StepReport struct {
	Step             int
	NonFinite        int // Acceleration components replaced by the limit
	ClampedAccel     int // Accelerations scaled down to the limit
	WallContacts     int // Particles within the contact distance of a wall
	ClampedPositions int // Positions pulled back inside after integration
}

func (r *StepReport) add(o StepReport) {
	r.NonFinite += o.NonFinite
	r.ClampedAccel += o.ClampedAccel
	r.WallContacts += o.WallContacts
	r.ClampedPositions += o.ClampedPositions
}

// Unstable reports whether any safety net fired.
func (r StepReport) Unstable() bool {
	return r.NonFinite > 0 || r.ClampedAccel > 0
}

// Solver advances particles in the box [0, bounds].
//
// Particle state is stored as parallel slices indexed by particle. The slices
// are exported for read access between steps; callers must not resize them.
type Solver struct {
	cfg     config.SolverConfig
	bounds  r3.Vec
	kernel  Kernel
	gravity r3.Vec
	spacing float64

	Positions     []r3.Vec
	Velocities    []r3.Vec
	Accelerations []r3.Vec
	Densities     []float64
	pressures     []float64

	grid    *spatial.Grid
	pool    *parallel.Pool
	perf    *telemetry.PerfCollector
	stream  *Stream
	reports []StepReport // per worker

	step        int
	time        float64
	initialized bool
}

// New creates an empty solver for the box [0, bounds]. The bucket grid uses
// cells of max(bounds/divisions, h) per axis.
func New(cfg *config.Config, bounds r3.Vec) (*Solver, error) {
	s := cfg.Solver
	if !(bounds.X > 0 && bounds.Y > 0 && bounds.Z > 0) {
		return nil, fmt.Errorf("%w: bounds %v must be positive", ErrOutsideDomain, bounds)
	}

	b := [3]float64{bounds.X, bounds.Y, bounds.Z}
	var dims [3]int
	var cell [3]float64
	for axis := range b {
		cell[axis] = math.Max(b[axis]/cfg.Grid.Divisions, s.KernelRadius)
		dims[axis] = int(math.Floor(b[axis]/cell[axis])) + 1
		if cfg.Grid.MaxCellsPerAxis > 0 && dims[axis] > cfg.Grid.MaxCellsPerAxis {
			return nil, fmt.Errorf("%w: axis %d needs %d grid cells, limit is %d",
				config.ErrInvalidConfig, axis, dims[axis], cfg.Grid.MaxCellsPerAxis)
		}
	}
	grid, err := spatial.New(dims, r3.Vec{X: cell[0], Y: cell[1], Z: cell[2]}, r3.Vec{})
	if err != nil {
		return nil, fmt.Errorf("creating solver grid: %w", err)
	}

	pool := parallel.NewPool(s.Workers)
	return &Solver{
		cfg:     s,
		bounds:  bounds,
		kernel:  NewKernel(s.KernelRadius),
		gravity: r3.Vec{X: s.Gravity[0], Y: s.Gravity[1], Z: s.Gravity[2]},
		spacing: s.SpacingFactor * math.Cbrt(s.Mass/s.RestDensity),
		grid:    grid,
		pool:    pool,
		reports: make([]StepReport, pool.Workers()),
	}, nil
}

// SetPerf attaches a collector that receives phase timings. May be nil.
func (s *Solver) SetPerf(p *telemetry.PerfCollector) { s.perf = p }

// SetStream makes Step record a snapshot into st after every density pass,
// so each recorded frame pairs positions with their own densities. May be nil.
func (s *Solver) SetStream(st *Stream) { s.stream = st }

// Close stops the solver's worker goroutines.
func (s *Solver) Close() { s.pool.Close() }

// Len returns the particle count.
func (s *Solver) Len() int { return len(s.Positions) }

// StepCount returns the number of completed steps.
func (s *Solver) StepCount() int { return s.step }

// Time returns the simulated time in seconds.
func (s *Solver) Time() float64 { return s.time }

// Kernel returns the solver's smoothing kernels.
func (s *Solver) Kernel() Kernel { return s.kernel }

// Spacing returns the initial lattice spacing used by AddBlock.
func (s *Solver) Spacing() float64 { return s.spacing }

// AddParticle places one particle at rest at p.
func (s *Solver) AddParticle(p r3.Vec) error {
	if s.step > 0 {
		return ErrStarted
	}
	if !s.contains(p) {
		return fmt.Errorf("%w: particle at %v", ErrOutsideDomain, p)
	}
	s.Positions = append(s.Positions, p)
	s.Velocities = append(s.Velocities, r3.Vec{})
	s.Accelerations = append(s.Accelerations, r3.Vec{})
	s.Densities = append(s.Densities, 0)
	s.pressures = append(s.pressures, 0)
	s.initialized = false
	return nil
}

// AddBlock fills the box [from, to] with particles on a cubic lattice,
// inset by epsilon from the faces. It returns the number of particles added.
func (s *Solver) AddBlock(from, to r3.Vec) (int, error) {
	if s.step > 0 {
		return 0, ErrStarted
	}
	if !s.contains(from) || !s.contains(to) {
		return 0, fmt.Errorf("%w: block [%v, %v]", ErrOutsideDomain, from, to)
	}

	eps, d := s.cfg.Epsilon, s.spacing
	lo := r3.Vec{X: from.X + eps, Y: from.Y + eps, Z: from.Z + eps}
	hi := r3.Vec{X: to.X - eps, Y: to.Y - eps, Z: to.Z - eps}

	added := 0
	for ix := 0; lo.X+float64(ix)*d <= hi.X; ix++ {
		for iy := 0; lo.Y+float64(iy)*d <= hi.Y; iy++ {
			for iz := 0; lo.Z+float64(iz)*d <= hi.Z; iz++ {
				p := r3.Vec{
					X: lo.X + float64(ix)*d,
					Y: lo.Y + float64(iy)*d,
					Z: lo.Z + float64(iz)*d,
				}
				if err := s.AddParticle(p); err != nil {
					return added, err
				}
				added++
			}
		}
	}
	return added, nil
}

// Init builds the bucket grid from the current positions. Step calls it
// automatically when particles were added since the last build.
func (s *Solver) Init() error {
	if err := s.grid.Build(s.Positions); err != nil {
		return fmt.Errorf("building solver grid: %w", err)
	}
	s.initialized = true
	return nil
}

// Step advances the simulation by one time step: density, acceleration,
// then integration and grid rebuild. With a stream attached, the state at
// the start of the step is recorded as frame StepCount().
func (s *Solver) Step() (StepReport, error) {
	if !s.initialized {
		if err := s.Init(); err != nil {
			return StepReport{}, err
		}
	}

	s.phase(telemetry.PhaseDensity)
	s.Density()

	if s.stream != nil {
		s.phase(telemetry.PhaseSnapshot)
		if err := s.stream.Append(s.Snapshot()); err != nil {
			return StepReport{}, err
		}
	}

	s.phase(telemetry.PhaseAccelerate)
	s.Accelerate()

	report, err := s.UpdatePosition()
	if err != nil {
		return report, err
	}

	s.step++
	s.time += s.cfg.DT
	report.Step = s.step
	return report, nil
}

func (s *Solver) phase(name string) {
	if s.perf != nil {
		s.perf.StartPhase(name)
	}
}

// Pressure is the equation of state. Below rest density it is negative,
// which pulls particles together.
func (s *Solver) Pressure(rho float64) float64 {
	return s.cfg.Stiffness * (rho - s.cfg.RestDensity)
}

// Density computes every particle's density from its 27-cell neighbourhood,
// the particle itself included.
func (s *Solver) Density() {
	h2 := s.kernel.h2
	s.pool.For(len(s.Positions), func(_, start, end int) {
		for i := start; i < end; i++ {
			xi := s.Positions[i]
			c, _ := s.grid.CellOf(xi)

			sum := 0.0
			s.grid.Neighbors(c, func(j int) {
				r2 := r3.Norm2(r3.Sub(s.Positions[j], xi))
				if r2 <= h2 {
					sum += s.kernel.W2(r2)
				}
			})

			rho := s.cfg.Mass * sum
			s.Densities[i] = rho
			s.pressures[i] = s.Pressure(rho)
		}
	})
}

// Accelerate computes surface tension, pressure and viscosity forces and
// stores a = F/ρ + g for every particle.
func (s *Solver) Accelerate() {
	m := s.cfg.Mass
	h2 := s.kernel.h2
	s.pool.For(len(s.Positions), func(_, start, end int) {
		for i := start; i < end; i++ {
			xi, vi := s.Positions[i], s.Velocities[i]
			rhoI, pI := s.Densities[i], s.pressures[i]
			c, _ := s.grid.CellOf(xi)

			var fTens, fPres, fVisc r3.Vec
			s.grid.Neighbors(c, func(j int) {
				if j == i {
					return
				}
				d := r3.Sub(xi, s.Positions[j])
				r2 := r3.Norm2(d)
				if r2 > h2 {
					return
				}
				rhoJ := s.Densities[j]

				tension := s.kernel.W2(r2) * rhoI * s.cfg.Tension
				fTens = r3.Sub(fTens, r3.Scale(tension, d))

				press := (pI + s.pressures[j]) / 2
				fPres = r3.Sub(fPres, r3.Scale(press*m/rhoJ, s.kernel.Grad(d)))

				visc := s.kernel.Laplacian(d) * s.cfg.Viscosity * m / rhoJ
				fVisc = r3.Add(fVisc, r3.Scale(visc, r3.Sub(s.Velocities[j], vi)))
			})

			f := r3.Add(r3.Add(fTens, fPres), fVisc)
			s.Accelerations[i] = r3.Add(r3.Scale(1/rhoI, f), s.gravity)
		}
	})
}

// UpdatePosition sanitises accelerations, applies the wall spring-damper and
// integrates with semi-implicit Euler. Afterwards every position lies in
// [radius, bound - radius] on each axis and the grid is rebuilt.
func (s *Solver) UpdatePosition() (StepReport, error) {
	for w := range s.reports {
		s.reports[w] = StepReport{}
	}

	s.phase(telemetry.PhaseIntegrate)
	s.pool.For(len(s.Positions), func(worker, start, end int) {
		rep := &s.reports[worker]
		for i := start; i < end; i++ {
			s.integrate(i, rep)
		}
	})

	var report StepReport
	for _, r := range s.reports {
		report.add(r)
	}

	s.phase(telemetry.PhaseSpatialGrid)
	if err := s.grid.Build(s.Positions); err != nil {
		return report, fmt.Errorf("rebuilding solver grid: %w", err)
	}
	return report, nil
}

func (s *Solver) integrate(i int, rep *StepReport) {
	lim := s.cfg.AccLimit
	radius := s.cfg.ParticleRadius
	a := vecToArray(s.Accelerations[i])
	x := vecToArray(s.Positions[i])
	v := vecToArray(s.Velocities[i])
	b := vecToArray(s.bounds)

	for axis := range a {
		switch {
		case math.IsNaN(a[axis]) || math.IsInf(a[axis], 1):
			a[axis] = lim
			rep.NonFinite++
		case math.IsInf(a[axis], -1):
			a[axis] = -lim
			rep.NonFinite++
		}
	}
	if n2 := a[0]*a[0] + a[1]*a[1] + a[2]*a[2]; n2 > lim*lim {
		f := lim / math.Sqrt(n2)
		for axis := range a {
			a[axis] *= f
		}
		rep.ClampedAccel++
	}

	// Wall spring-damper along each axis normal.
	contact := false
	for axis := range x {
		var pen, normal float64
		switch {
		case x[axis] < radius:
			pen, normal = radius-x[axis], 1
			x[axis] = radius
		case b[axis]-x[axis] < radius:
			pen, normal = radius-(b[axis]-x[axis]), -1
			x[axis] = b[axis] - radius
		default:
			continue
		}
		contact = true
		a[axis] += s.cfg.BoundRepulsion*pen*normal - s.cfg.Damping*v[axis]
	}
	if contact {
		rep.WallContacts++
	}

	dt := s.cfg.DT
	clamped := false
	for axis := range x {
		v[axis] += a[axis] * dt
		x[axis] += v[axis] * dt

		switch {
		case x[axis] < radius:
			x[axis] = radius
			v[axis] = math.Max(v[axis], 0)
			clamped = true
		case x[axis] > b[axis]-radius:
			x[axis] = b[axis] - radius
			v[axis] = math.Min(v[axis], 0)
			clamped = true
		}
	}
	if clamped {
		rep.ClampedPositions++
	}

	s.Accelerations[i] = arrayToVec(a)
	s.Velocities[i] = arrayToVec(v)
	s.Positions[i] = arrayToVec(x)
}

// Snapshot returns an independent copy of positions and the densities of the
// most recent density pass.
func (s *Solver) Snapshot() *Snapshot {
	snap := &Snapshot{
		Step:      s.step,
		Time:      s.time,
		Positions: make([]r3.Vec, len(s.Positions)),
		Densities: make([]float64, len(s.Densities)),
	}
	copy(snap.Positions, s.Positions)
	copy(snap.Densities, s.Densities)
	return snap
}

func (s *Solver) contains(p r3.Vec) bool {
	return p.X >= 0 && p.X <= s.bounds.X &&
		p.Y >= 0 && p.Y <= s.bounds.Y &&
		p.Z >= 0 && p.Z <= s.bounds.Z
}

func vecToArray(v r3.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func arrayToVec(a [3]float64) r3.Vec { return r3.Vec{X: a[0], Y: a[1], Z: a[2]} }

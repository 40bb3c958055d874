package telemetry

import (
	"log/slog"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// StepStats summarises the particle state after a solver step.
type StepStats struct {
	Step      int     `csv:"step"`
	SimTime   float64 `csv:"sim_time"`
	Particles int     `csv:"particles"`

	// Density distribution
	DensityMin  float64 `csv:"density_min"`
	DensityMean float64 `csv:"density_mean"`
	DensityMax  float64 `csv:"density_max"`
	DensityStd  float64 `csv:"density_std"`
	DensityP90  float64 `csv:"density_p90"`

	MaxSpeed      float64 `csv:"max_speed"`
	KineticEnergy float64 `csv:"kinetic_energy"`

	// Safety nets fired during the step
	NonFinite        int `csv:"non_finite"`
	ClampedAccel     int `csv:"clamped_accel"`
	WallContacts     int `csv:"wall_contacts"`
	ClampedPositions int `csv:"clamped_positions"`
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ComputeStepStats fills the density and motion fields of StepStats. The
// safety-net counters are left for the caller.
func ComputeStepStats(step int, simTime, mass float64, densities []float64, velocities []r3.Vec) StepStats {
	s := StepStats{Step: step, SimTime: simTime, Particles: len(densities)}
	if len(densities) > 0 {
		s.DensityMin = floats.Min(densities)
		s.DensityMax = floats.Max(densities)
		if len(densities) > 1 {
			s.DensityMean, s.DensityStd = stat.MeanStdDev(densities, nil)
		} else {
			s.DensityMean = densities[0]
		}

		sorted := make([]float64, len(densities))
		copy(sorted, densities)
		sort.Float64s(sorted)
		s.DensityP90 = Percentile(sorted, 0.9)
	}

	for _, v := range velocities {
		v2 := r3.Norm2(v)
		s.KineticEnergy += 0.5 * mass * v2
		if speed := r3.Norm(v); speed > s.MaxSpeed {
			s.MaxSpeed = speed
		}
	}
	return s
}

// LogValue implements slog.LogValuer for structured logging.
func (s StepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("step", s.Step),
		slog.Float64("sim_time", s.SimTime),
		slog.Int("particles", s.Particles),
		slog.Float64("density_min", s.DensityMin),
		slog.Float64("density_mean", s.DensityMean),
		slog.Float64("density_max", s.DensityMax),
		slog.Float64("density_std", s.DensityStd),
		slog.Float64("max_speed", s.MaxSpeed),
		slog.Float64("kinetic_energy", s.KineticEnergy),
		slog.Int("non_finite", s.NonFinite),
		slog.Int("clamped_accel", s.ClampedAccel),
		slog.Int("wall_contacts", s.WallContacts),
	)
}

// LogStats logs the step stats using slog. Masked instability is a warning.
func (s StepStats) LogStats() {
	if s.NonFinite > 0 || s.ClampedAccel > 0 {
		slog.Warn("unstable step",
			"step", s.Step,
			"non_finite", s.NonFinite,
			"clamped_accel", s.ClampedAccel,
			"clamped_positions", s.ClampedPositions,
		)
	}
	slog.Info("stats",
		"step", s.Step,
		"sim_time", s.SimTime,
		"density_mean", s.DensityMean,
		"density_max", s.DensityMax,
		"max_speed", s.MaxSpeed,
		"wall_contacts", s.WallContacts,
	)
}

// FrameStats records the outcome of reconstructing one frame.
type FrameStats struct {
	Frame         int     `csv:"frame"`
	Vertices      int     `csv:"vertices"`
	Triangles     int     `csv:"triangles"`
	FieldVoxels   int     `csv:"field_voxels"`
	SurfaceCells  int     `csv:"surface_cells"`
	Isotropic     int     `csv:"isotropic_kernels"`
	EigenFailures int     `csv:"eigen_failures"`
	DurationMS    float64 `csv:"duration_ms"`
	Attempts      int     `csv:"write_attempts"`
	Path          string  `csv:"path"`
	Error         string  `csv:"error"`
}

// SetDuration stores d in milliseconds.
func (f *FrameStats) SetDuration(d time.Duration) {
	f.DurationMS = float64(d.Microseconds()) / 1000
}

// LogValue implements slog.LogValuer for structured logging.
func (f FrameStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("frame", f.Frame),
		slog.Int("vertices", f.Vertices),
		slog.Int("triangles", f.Triangles),
		slog.Int("field_voxels", f.FieldVoxels),
		slog.Int("isotropic_kernels", f.Isotropic),
		slog.Float64("duration_ms", f.DurationMS),
	}
	if f.EigenFailures > 0 {
		attrs = append(attrs, slog.Int("eigen_failures", f.EigenFailures))
	}
	if f.Error != "" {
		attrs = append(attrs, slog.String("error", f.Error))
	}
	return slog.GroupValue(attrs...)
}

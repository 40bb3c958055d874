package sim

import (
	"log/slog"

	"github.com/pthm-cable/splash/sph"
	"github.com/pthm-cable/splash/telemetry"
)

// flushTelemetry records step stats every log interval and perf stats every
// perf window. Masked instability is always reported.
func (r *Runner) flushTelemetry(report sph.StepReport) {
	step := report.Step
	interval := r.cfg.Telemetry.LogInterval

	if report.Unstable() && !r.opts.LogStats {
		slog.Warn("unstable step",
			"step", step,
			"non_finite", report.NonFinite,
			"clamped_accel", report.ClampedAccel,
		)
	}

	if interval > 0 && (step%interval == 0 || report.Unstable()) {
		stats := r.stepStats(report)
		if r.opts.LogStats {
			stats.LogStats()
		}
		if err := r.outputManager.WriteStep(stats); err != nil {
			slog.Error("failed to write step stats", "error", err)
		}
	}

	if window := r.cfg.Telemetry.PerfCollectorWindow; window > 0 && step%window == 0 {
		perfStats := r.perfCollector.Stats()
		if r.opts.LogStats {
			perfStats.LogStats()
		}
		if err := r.outputManager.WritePerf(perfStats, step); err != nil {
			slog.Error("failed to write perf", "error", err)
		}
	}
}

func (r *Runner) stepStats(report sph.StepReport) telemetry.StepStats {
	s := r.solver
	stats := telemetry.ComputeStepStats(report.Step, s.Time(), r.cfg.Solver.Mass, s.Densities, s.Velocities)
	stats.NonFinite = report.NonFinite
	stats.ClampedAccel = report.ClampedAccel
	stats.WallContacts = report.WallContacts
	stats.ClampedPositions = report.ClampedPositions
	return stats
}

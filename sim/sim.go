// Package sim wires the solver, telemetry, reconstruction pool and preview
// feed into the program's run modes.
package sim

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/splash/config"
	"github.com/pthm-cable/splash/sph"
	"github.com/pthm-cable/splash/telemetry"
)

// Options holds runtime settings that come from flags rather than config.
type Options struct {
	OutputDir     string // CSV logs and config snapshot, empty = disabled
	SnapshotsIn   string // Load a stored stream instead of simulating
	SnapshotsOut  string // Save the simulated stream here
	LogStats      bool   // Step and perf stats via slog
	StepCallback  func(*sph.Snapshot)
	CallbackEvery int // Steps between StepCallback invocations
}

// Runner owns one simulation run and its recorded frames.
type Runner struct {
	cfg  *config.Config
	opts Options

	solver *sph.Solver
	stream *sph.Stream

	perfCollector *telemetry.PerfCollector
	outputManager *telemetry.OutputManager
}

// New creates a runner. Unless a stored stream is loaded, the solver is
// filled with the configured fluid block.
func New(cfg *config.Config, opts Options) (*Runner, error) {
	r := &Runner{
		cfg:           cfg,
		opts:          opts,
		perfCollector: telemetry.NewPerfCollector(cfg.Telemetry.PerfCollectorWindow),
	}

	om, err := telemetry.NewOutputManager(opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("creating output manager: %w", err)
	}
	r.outputManager = om
	if err := om.WriteConfig(cfg); err != nil {
		om.Close()
		return nil, fmt.Errorf("writing config snapshot: %w", err)
	}

	if opts.SnapshotsIn != "" {
		st, err := sph.LoadStream(opts.SnapshotsIn)
		if err != nil {
			om.Close()
			return nil, err
		}
		r.stream = st
		first, last, _ := st.Range()
		slog.Info("loaded snapshot stream", "path", opts.SnapshotsIn, "first", first, "last", last)
		return r, nil
	}

	d := cfg.Domain
	solver, err := sph.New(cfg, arrayToVec(d.Bounds))
	if err != nil {
		om.Close()
		return nil, err
	}
	n, err := solver.AddBlock(arrayToVec(d.BlockFrom), arrayToVec(d.BlockTo))
	if err != nil {
		solver.Close()
		om.Close()
		return nil, fmt.Errorf("adding fluid block: %w", err)
	}
	slog.Info("fluid block created",
		"particles", n,
		"spacing", solver.Spacing(),
		"from", d.BlockFrom,
		"to", d.BlockTo,
	)

	r.solver = solver
	r.stream = sph.NewStream()
	solver.SetStream(r.stream)
	solver.SetPerf(r.perfCollector)
	return r, nil
}

// Stream returns the recorded frames.
func (r *Runner) Stream() *sph.Stream { return r.stream }

// Simulated reports whether the runner steps a solver, as opposed to
// replaying a loaded stream.
func (r *Runner) Simulated() bool { return r.solver != nil }

// Close releases the solver and flushes output files.
func (r *Runner) Close() error {
	if r.solver != nil {
		r.solver.Close()
	}
	return r.outputManager.Close()
}

// Simulate runs the configured number of steps, recording one frame per
// step. Cancelling ctx stops after the current step. With a loaded stream it
// does nothing.
func (r *Runner) Simulate(ctx context.Context) error {
	if r.solver == nil {
		return nil
	}
	steps := r.cfg.Solver.Steps
	slog.Info("starting simulation", "steps", steps, "particles", r.solver.Len(), "dt", r.cfg.Solver.DT)

	for r.solver.StepCount() < steps {
		if err := ctx.Err(); err != nil {
			slog.Warn("simulation interrupted", "step", r.solver.StepCount())
			break
		}

		r.perfCollector.StartStep()
		report, err := r.solver.Step()
		if err != nil {
			return fmt.Errorf("step %d: %w", r.solver.StepCount(), err)
		}
		r.perfCollector.StartPhase(telemetry.PhaseTelemetry)
		r.flushTelemetry(report)
		r.perfCollector.EndStep()

		if r.opts.StepCallback != nil {
			every := max(r.opts.CallbackEvery, 1)
			if report.Step%every == 0 {
				snap, err := r.stream.Get(report.Step - 1)
				if err == nil {
					r.opts.StepCallback(snap)
				}
			}
		}
	}

	if r.opts.SnapshotsOut != "" {
		if err := sph.SaveStream(r.stream, r.opts.SnapshotsOut); err != nil {
			return err
		}
		slog.Info("saved snapshot stream", "path", r.opts.SnapshotsOut, "frames", r.stream.Len())
	}
	return nil
}

func arrayToVec(a [3]float64) r3.Vec { return r3.Vec{X: a[0], Y: a[1], Z: a[2]} }

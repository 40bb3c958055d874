package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/pthm-cable/splash/surface"
)

// ErrNoFrames is returned by Render when no recorded frame is at or after
// the start frame.
var ErrNoFrames = errors.New("sim: no frames to render")

// RenderSummary totals one render batch.
type RenderSummary struct {
	First, Last int
	Written     int
	Failed      int
	Duration    time.Duration
}

// Render reconstructs every recorded frame from the configured start frame
// and writes one mesh file per frame. Per-frame failures are counted in the
// summary; only setup problems return an error.
func (r *Runner) Render(ctx context.Context) (RenderSummary, error) {
	first, last, ok := r.stream.Range()
	start := max(r.cfg.Render.StartFrame, first)
	if !ok || start > last {
		return RenderSummary{}, fmt.Errorf("%w: start frame %d, recorded %d..%d",
			ErrNoFrames, r.cfg.Render.StartFrame, first, last)
	}

	rc := r.cfg.Render
	dir := rc.OutputDir
	if r.opts.OutputDir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(r.opts.OutputDir, dir)
	}
	writer := surface.FileWriter{Dir: dir, Pattern: rc.FilePattern}

	pool := surface.NewPool(r.cfg.Derived.RenderWorkers, surface.ParamsFromConfig(r.cfg), writer, rc.WriteRetries)
	defer pool.Close()

	slog.Info("starting render",
		"first", start,
		"last", last,
		"workers", pool.Size(),
		"dir", dir,
	)
	began := time.Now()
	results := pool.Run(ctx, r.stream, start, last)

	summary := RenderSummary{First: start, Last: last, Duration: time.Since(began)}
	for _, res := range results {
		if res.Err != nil {
			summary.Failed++
		} else {
			summary.Written++
		}
		if err := r.outputManager.WriteFrame(res.FrameStats()); err != nil {
			slog.Error("failed to write frame stats", "frame", res.Frame, "error", err)
		}
	}

	slog.Info("render finished",
		"written", summary.Written,
		"failed", summary.Failed,
		"duration", summary.Duration.Round(time.Millisecond).String(),
	)
	return summary, nil
}

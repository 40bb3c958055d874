package surface

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/pthm-cable/splash/sph"
	"github.com/pthm-cable/splash/telemetry"
)

// FrameSource provides the snapshot for a step.
type FrameSource interface {
	Get(step int) (*sph.Snapshot, error)
}

// FrameResult is the outcome of one frame.
type FrameResult struct {
	Frame    int
	Path     string
	Stats    Stats
	Attempts int // write attempts, 0 if reconstruction failed
	Duration time.Duration
	Err      error
}

// FrameStats converts the result to its telemetry record.
func (r FrameResult) FrameStats() telemetry.FrameStats {
	fs := telemetry.FrameStats{
		Frame:         r.Frame,
		Vertices:      r.Stats.Vertices,
		Triangles:     r.Stats.Triangles,
		FieldVoxels:   r.Stats.FieldVoxels,
		SurfaceCells:  r.Stats.SurfaceCells,
		Isotropic:     r.Stats.Isotropic,
		EigenFailures: r.Stats.EigenFailures,
		Attempts:      r.Attempts,
		Path:          r.Path,
	}
	fs.SetDuration(r.Duration)
	if r.Err != nil {
		fs.Error = r.Err.Error()
	}
	return fs
}

// Pool reconstructs a range of frames on a fixed set of workers, each
// owning one Reconstructor for its whole lifetime.
type Pool struct {
	workers []*Reconstructor
	writer  MeshWriter
	retries int
}

// NewPool creates size workers (GOMAXPROCS when size <= 0). A failed write
// is retried up to retries more times.
func NewPool(size int, params Params, writer MeshWriter, retries int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		workers: make([]*Reconstructor, size),
		writer:  writer,
		retries: max(retries, 0),
	}
	for i := range p.workers {
		p.workers[i] = New(params)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Close releases every worker's reconstructor.
func (p *Pool) Close() {
	for _, r := range p.workers {
		r.Close()
	}
}

// Run reconstructs frames first..last inclusive and returns one result per
// frame in frame order. Failures are recorded in the result and do not stop
// the batch. Cancelling ctx stops dispatch; frames already handed to a
// worker finish, and undispatched frames report ctx.Err().
func (p *Pool) Run(ctx context.Context, src FrameSource, first, last int) []FrameResult {
	if last < first {
		return nil
	}
	results := make([]FrameResult, last-first+1)
	for i := range results {
		results[i].Frame = first + i
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for _, rec := range p.workers {
		wg.Add(1)
		go func(rec *Reconstructor) {
			defer wg.Done()
			for frame := range jobs {
				results[frame-first] = p.render(rec, src, frame)
			}
		}(rec)
	}

	dispatched := first
dispatch:
	for ; dispatched <= last; dispatched++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- dispatched:
		}
	}
	close(jobs)
	wg.Wait()

	for f := dispatched; f <= last; f++ {
		results[f-first].Err = ctx.Err()
	}
	if dispatched <= last {
		slog.Warn("render cancelled",
			"dispatched", dispatched-first,
			"skipped", last-dispatched+1,
		)
	}
	return results
}

// render processes one frame to completion.
func (p *Pool) render(rec *Reconstructor, src FrameSource, frame int) FrameResult {
	start := time.Now()
	res := FrameResult{Frame: frame}

	snap, err := src.Get(frame)
	if err != nil {
		res.Err = fmt.Errorf("frame %d: %w", frame, err)
		slog.Error("frame unavailable", "frame", frame, "error", err)
		res.Duration = time.Since(start)
		return res
	}

	mesh, stats, err := rec.Reconstruct(snap)
	res.Stats = stats
	if err != nil {
		res.Err = fmt.Errorf("reconstructing frame %d: %w", frame, err)
		slog.Error("reconstruction failed", "frame", frame, "error", err)
		res.Duration = time.Since(start)
		return res
	}
	if stats.EigenFailures > 0 {
		slog.Warn("eigen solver fell back to isotropic kernels",
			"frame", frame,
			"count", stats.EigenFailures,
		)
	}

	for res.Attempts = 1; ; res.Attempts++ {
		res.Path, err = p.writer.WriteMesh(frame, mesh)
		if err == nil {
			break
		}
		slog.Warn("mesh write failed", "frame", frame, "attempt", res.Attempts, "error", err)
		if res.Attempts > p.retries {
			res.Err = fmt.Errorf("writing frame %d after %d attempts: %w", frame, res.Attempts, err)
			break
		}
	}
	res.Duration = time.Since(start)

	if res.Err != nil {
		slog.Error("frame failed", "frame", frame, "error", res.Err)
	} else {
		slog.Info("frame written",
			"frame", frame,
			"path", res.Path,
			"vertices", stats.Vertices,
			"triangles", stats.Triangles,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	return res
}

package sim

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/splash/config"
	"github.com/pthm-cable/splash/sph"
	"github.com/pthm-cable/splash/surface"
)

func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Domain.Bounds = [3]float64{12, 12, 12}
	cfg.Domain.BlockFrom = [3]float64{3, 3, 3}
	cfg.Domain.BlockTo = [3]float64{7, 7, 7}
	cfg.Solver.Steps = 4
	cfg.Solver.Workers = 2
	cfg.Render.StartFrame = 1
	cfg.Render.Workers = 2
	cfg.Render.OutputDir = "meshes"
	cfg.Telemetry.LogInterval = 2
	cfg.Telemetry.PerfCollectorWindow = 2
	require.NoError(t, cfg.Finalize())
	return cfg
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func TestSimulateAndRender(t *testing.T) {
	cfg := smallConfig(t)
	dir := t.TempDir()

	r, err := New(cfg, Options{OutputDir: dir})
	require.NoError(t, err)
	require.True(t, r.Simulated())

	require.NoError(t, r.Simulate(context.Background()))
	first, last, ok := r.Stream().Range()
	require.True(t, ok)
	assert.Equal(t, 0, first)
	assert.Equal(t, 3, last)

	summary, err := r.Render(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RenderSummary{First: 1, Last: 3, Written: 3, Duration: summary.Duration}, summary)
	require.NoError(t, r.Close())

	for f := 1; f <= 3; f++ {
		data, err := os.Open(filepath.Join(dir, "meshes", fmt.Sprintf("water_%d", f)))
		require.NoError(t, err, "frame %d", f)
		_, err = surface.ReadMesh(data)
		data.Close()
		assert.NoError(t, err, "frame %d", f)
	}

	// Header plus steps 2 and 4, and any unstable step in between.
	assert.GreaterOrEqual(t, countLines(t, filepath.Join(dir, "steps.csv")), 1+2)
	assert.Equal(t, 1+3, countLines(t, filepath.Join(dir, "frames.csv")))
	assert.Equal(t, 1+2, countLines(t, filepath.Join(dir, "perf.csv")))
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
}

func TestSavedStreamRendersWithoutSolver(t *testing.T) {
	cfg := smallConfig(t)
	dir := t.TempDir()
	streamPath := filepath.Join(dir, "stream.json")

	r, err := New(cfg, Options{SnapshotsOut: streamPath})
	require.NoError(t, err)
	require.NoError(t, r.Simulate(context.Background()))
	require.NoError(t, r.Close())

	loaded, err := New(cfg, Options{SnapshotsIn: streamPath, OutputDir: dir})
	require.NoError(t, err)
	defer loaded.Close()
	assert.False(t, loaded.Simulated())
	assert.NoError(t, loaded.Simulate(context.Background()), "simulate is a no-op for loaded streams")
	assert.Equal(t, 4, loaded.Stream().Len())

	summary, err := loaded.Render(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Written)
}

func TestRenderWithoutFrames(t *testing.T) {
	cfg := smallConfig(t)
	r, err := New(cfg, Options{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Render(context.Background())
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestSimulateStopsOnCancel(t *testing.T) {
	cfg := smallConfig(t)
	r, err := New(cfg, Options{})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Simulate(ctx))
	assert.Zero(t, r.Stream().Len())
}

func TestStepCallbackEvery(t *testing.T) {
	cfg := smallConfig(t)
	var steps []int
	r, err := New(cfg, Options{
		StepCallback:  func(s *sph.Snapshot) { steps = append(steps, s.Step) },
		CallbackEvery: 2,
	})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Simulate(context.Background()))
	assert.Equal(t, []int{1, 3}, steps, "frames recorded during steps 2 and 4")
}

func TestPreviewRunsUntilCancelled(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Preview.FrameInterval = 0.001
	r, err := New(cfg, Options{})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Preview(ctx, "127.0.0.1:0"))
	assert.Equal(t, 4, r.Stream().Len())
}

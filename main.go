package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pthm-cable/splash/config"
	"github.com/pthm-cable/splash/sim"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	mode := flag.String("mode", "render", "Run mode: preview or render")
	steps := flag.Int("steps", 0, "Simulation steps (0 = use config)")
	startFrame := flag.Int("start-frame", -1, "First frame to reconstruct (-1 = use config)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs, config snapshot and meshes")
	snapshots := flag.String("snapshots", "", "Load a stored snapshot stream instead of simulating")
	saveSnapshots := flag.String("save-snapshots", "", "Save the simulated snapshot stream to this file")
	previewAddr := flag.String("preview-addr", "", "Preview listen address (empty = use config)")
	workers := flag.Int("workers", 0, "Reconstruction workers (0 = use config)")
	logStats := flag.Bool("log-stats", false, "Output step and perf stats via slog")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if *mode != "preview" && *mode != "render" {
		slog.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}

	// Initialize config before anything else
	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()

	// Flag overrides, revalidated with the loaded values
	if *steps > 0 {
		cfg.Solver.Steps = *steps
	}
	if *startFrame >= 0 {
		cfg.Render.StartFrame = *startFrame
	}
	if *workers > 0 {
		cfg.Render.Workers = *workers
	}
	if *previewAddr != "" {
		cfg.Preview.Addr = *previewAddr
	}
	if err := cfg.Finalize(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, err := sim.New(cfg, sim.Options{
		OutputDir:    *outputDir,
		SnapshotsIn:  *snapshots,
		SnapshotsOut: *saveSnapshots,
		LogStats:     *logStats,
	})
	if err != nil {
		slog.Error("failed to set up run", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, runner, *mode, cfg.Preview.Addr); err != nil {
		slog.Error("run failed", "mode", *mode, "error", err)
		runner.Close()
		os.Exit(1)
	}
	if err := runner.Close(); err != nil {
		slog.Error("failed to close output", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, runner *sim.Runner, mode, addr string) error {
	if mode == "preview" {
		return runner.Preview(ctx, addr)
	}

	if err := runner.Simulate(ctx); err != nil {
		return err
	}
	summary, err := runner.Render(ctx)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		slog.Warn("some frames failed", "failed", summary.Failed, "written", summary.Written)
	}
	return nil
}

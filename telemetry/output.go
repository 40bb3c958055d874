package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/splash/config"
)

// OutputManager handles structured run output with CSV logging.
// Methods are nil-safe so a disabled manager can be passed around freely.
// It is not safe for concurrent use.
type OutputManager struct {
	dir    string
	steps  csvFile
	frames csvFile
	perf   csvFile
}

// csvFile appends gocsv records, writing the header only once.
type csvFile struct {
	name          string
	f             *os.File
	headerWritten bool
}

func (c *csvFile) write(records any) error {
	if !c.headerWritten {
		// First write includes headers
		if err := gocsv.Marshal(records, c.f); err != nil {
			return fmt.Errorf("writing %s: %w", c.name, err)
		}
		c.headerWritten = true
		return nil
	}
	// Subsequent writes skip headers
	if err := gocsv.MarshalWithoutHeaders(records, c.f); err != nil {
		return fmt.Errorf("writing %s: %w", c.name, err)
	}
	return nil
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{
		dir:    dir,
		steps:  csvFile{name: "steps.csv"},
		frames: csvFile{name: "frames.csv"},
		perf:   csvFile{name: "perf.csv"},
	}
	for _, c := range []*csvFile{&om.steps, &om.frames, &om.perf} {
		f, err := os.Create(filepath.Join(dir, c.name))
		if err != nil {
			om.Close()
			return nil, fmt.Errorf("creating %s: %w", c.name, err)
		}
		c.f = f
	}

	return om, nil
}

// WriteConfig saves the effective configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteStep writes a step stats record to steps.csv.
func (om *OutputManager) WriteStep(stats StepStats) error {
	if om == nil {
		return nil
	}
	return om.steps.write([]StepStats{stats})
}

// WriteFrame writes a frame record to frames.csv.
func (om *OutputManager) WriteFrame(stats FrameStats) error {
	if om == nil {
		return nil
	}
	return om.frames.write([]FrameStats{stats})
}

// WritePerf writes a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, windowEnd int) error {
	if om == nil {
		return nil
	}
	return om.perf.write([]PerfStatsCSV{stats.ToCSV(windowEnd)})
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	for _, c := range []*csvFile{&om.steps, &om.frames, &om.perf} {
		if c.f == nil {
			continue
		}
		if err := c.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.f = nil
	}
	return firstErr
}

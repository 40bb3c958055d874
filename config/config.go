// Package config provides configuration loading and access for the solver and
// the surface reconstruction pipeline.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all simulation configuration parameters.
type Config struct {
	Domain    DomainConfig    `yaml:"domain"`
	Solver    SolverConfig    `yaml:"solver"`
	Grid      GridConfig      `yaml:"grid"`
	Surface   SurfaceConfig   `yaml:"surface"`
	Render    RenderConfig    `yaml:"render"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Preview   PreviewConfig   `yaml:"preview"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// DomainConfig describes the simulation box and the initial fluid block.
// The box spans [0, Bounds] on each axis.
type DomainConfig struct {
	Bounds    [3]float64 `yaml:"bounds"`
	BlockFrom [3]float64 `yaml:"block_from"`
	BlockTo   [3]float64 `yaml:"block_to"`
}

// SolverConfig holds SPH integration parameters.
type SolverConfig struct {
	DT             float64    `yaml:"dt"`
	Steps          int        `yaml:"steps"`
	Mass           float64    `yaml:"mass"`
	RestDensity    float64    `yaml:"rest_density"`
	KernelRadius   float64    `yaml:"kernel_radius"`   // h
	Stiffness      float64    `yaml:"stiffness"`       // Pressure = stiffness * (rho - rest)
	Viscosity      float64    `yaml:"viscosity"`
	Tension        float64    `yaml:"tension"`
	Gravity        [3]float64 `yaml:"gravity"`
	AccLimit       float64    `yaml:"acc_limit"`       // Also the NaN substitute
	Damping        float64    `yaml:"damping"`         // Wall damper coefficient
	BoundRepulsion float64    `yaml:"bound_repulsion"` // Wall spring coefficient
	ParticleRadius float64    `yaml:"particle_radius"` // Wall contact distance
	SpacingFactor  float64    `yaml:"spacing_factor"`  // Initial lattice spacing relative to rest spacing
	Epsilon        float64    `yaml:"epsilon"`         // Offset of the initial lattice from the block faces
	Workers        int        `yaml:"workers"`         // 0 = GOMAXPROCS
}

// GridConfig holds spatial index parameters.
type GridConfig struct {
	Divisions       float64 `yaml:"divisions"`          // Cell length = max(bounds/divisions, h)
	MaxCellsPerAxis int     `yaml:"max_cells_per_axis"` // Upper bound on lattice resolution
}

// SurfaceConfig holds anisotropic reconstruction parameters.
type SurfaceConfig struct {
	IsoLevel          float64 `yaml:"iso_level"`
	VoxelSize         float64 `yaml:"voxel_size"`          // Marching cubes lattice spacing
	PadFactor         float64 `yaml:"pad_factor"`          // Bounding box padding in kernel radii
	PreprocessDivs    float64 `yaml:"preprocess_divisions"` // Preprocess cell = max(extent/divs, 2h)
	KernelScale       float64 `yaml:"kernel_scale"`        // Applied to eigenvalues of dense neighbourhoods
	MinNeighbors      int     `yaml:"min_neighbors"`       // Below this the kernel is isotropic
	IsotropicScale    float64 `yaml:"isotropic_scale"`
	EigenRatio        float64 `yaml:"eigen_ratio"`         // Smaller eigenvalues >= largest * ratio
	PreprocessWorkers int     `yaml:"preprocess_workers"`  // 0 = GOMAXPROCS / pool size
}

// RenderConfig holds batch reconstruction parameters.
type RenderConfig struct {
	StartFrame   int    `yaml:"start_frame"`
	Workers      int    `yaml:"workers"` // Reconstructor pool size, 0 = GOMAXPROCS
	OutputDir    string `yaml:"output_dir"`
	FilePattern  string `yaml:"file_pattern"`
	WriteRetries int    `yaml:"write_retries"`
}

// TelemetryConfig holds logging and stats parameters.
type TelemetryConfig struct {
	LogInterval         int `yaml:"log_interval"` // Steps between stats records
	PerfCollectorWindow int `yaml:"perf_collector_window"`
}

// PreviewConfig holds the websocket preview feed parameters.
type PreviewConfig struct {
	Addr          string  `yaml:"addr"`
	PublishEvery  int     `yaml:"publish_every"` // Steps between published frames
	FrameInterval float64 `yaml:"frame_interval"` // Seconds between replayed frames after simulating
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	CellLength     [3]float64 // Solver grid cell length per axis
	GridDims       [3]int     // Solver grid buckets per axis
	RestSpacing    float64    // (mass / rest density)^(1/3)
	SolverWorkers  int
	RenderWorkers  int
	PreprocWorkers int
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Default returns the embedded defaults with derived values computed.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize validates the configuration and recomputes derived values.
// Call it again after changing fields programmatically.
func (c *Config) Finalize() error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.computeDerived()
	if c.Grid.MaxCellsPerAxis > 0 {
		for axis, n := range c.Derived.GridDims {
			if n > c.Grid.MaxCellsPerAxis {
				return fmt.Errorf("%w: domain axis %d needs %d grid cells, limit is %d",
					ErrInvalidConfig, axis, n, c.Grid.MaxCellsPerAxis)
			}
		}
	}
	return nil
}

// Validate reports configuration errors that must stop the program at startup.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
	}

	s := c.Solver
	for axis := 0; axis < 3; axis++ {
		b := c.Domain.Bounds[axis]
		if !(b > 0) || math.IsInf(b, 0) {
			return invalid("domain.bounds[%d] must be positive, got %g", axis, b)
		}
		if c.Domain.BlockFrom[axis] < 0 || c.Domain.BlockTo[axis] > b {
			return invalid("fluid block axis %d [%g, %g] lies outside [0, %g]",
				axis, c.Domain.BlockFrom[axis], c.Domain.BlockTo[axis], b)
		}
		if c.Domain.BlockFrom[axis] > c.Domain.BlockTo[axis] {
			return invalid("fluid block axis %d is inverted", axis)
		}
		if 2*s.ParticleRadius >= b {
			return invalid("particle_radius %g leaves no room on axis %d", s.ParticleRadius, axis)
		}
	}

	switch {
	case !(s.KernelRadius > 0):
		return invalid("solver.kernel_radius must be positive, got %g", s.KernelRadius)
	case !(s.DT > 0):
		return invalid("solver.dt must be positive, got %g", s.DT)
	case s.Steps <= 0:
		return invalid("solver.steps must be positive, got %d", s.Steps)
	case !(s.Mass > 0):
		return invalid("solver.mass must be positive, got %g", s.Mass)
	case !(s.RestDensity > 0):
		return invalid("solver.rest_density must be positive, got %g", s.RestDensity)
	case !(s.AccLimit > 0):
		return invalid("solver.acc_limit must be positive, got %g", s.AccLimit)
	case s.ParticleRadius < 0:
		return invalid("solver.particle_radius must not be negative")
	case !(s.SpacingFactor > 0):
		return invalid("solver.spacing_factor must be positive, got %g", s.SpacingFactor)
	case !(c.Grid.Divisions > 0):
		return invalid("grid.divisions must be positive, got %g", c.Grid.Divisions)
	}

	sf := c.Surface
	switch {
	case !(sf.VoxelSize > 0):
		return invalid("surface.voxel_size must be positive, got %g", sf.VoxelSize)
	case !(sf.PreprocessDivs > 0):
		return invalid("surface.preprocess_divisions must be positive, got %g", sf.PreprocessDivs)
	case !(sf.KernelScale > 0):
		return invalid("surface.kernel_scale must be positive, got %g", sf.KernelScale)
	case !(sf.IsotropicScale > 0):
		return invalid("surface.isotropic_scale must be positive, got %g", sf.IsotropicScale)
	case sf.EigenRatio < 0 || sf.EigenRatio > 1:
		return invalid("surface.eigen_ratio must be in [0, 1], got %g", sf.EigenRatio)
	case sf.PadFactor < 0:
		return invalid("surface.pad_factor must not be negative")
	}

	r := c.Render
	switch {
	case r.StartFrame < 0 || r.StartFrame >= s.Steps:
		return invalid("render.start_frame %d outside [0, %d)", r.StartFrame, s.Steps)
	case r.FilePattern == "":
		return invalid("render.file_pattern must not be empty")
	case r.WriteRetries < 0:
		return invalid("render.write_retries must not be negative")
	}
	return nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	h := c.Solver.KernelRadius
	for axis := 0; axis < 3; axis++ {
		cell := math.Max(c.Domain.Bounds[axis]/c.Grid.Divisions, h)
		c.Derived.CellLength[axis] = cell
		c.Derived.GridDims[axis] = int(math.Floor(c.Domain.Bounds[axis]/cell)) + 1
	}
	c.Derived.RestSpacing = math.Cbrt(c.Solver.Mass / c.Solver.RestDensity)

	procs := runtime.GOMAXPROCS(0)
	c.Derived.SolverWorkers = c.Solver.Workers
	if c.Derived.SolverWorkers <= 0 {
		c.Derived.SolverWorkers = procs
	}
	c.Derived.RenderWorkers = c.Render.Workers
	if c.Derived.RenderWorkers <= 0 {
		c.Derived.RenderWorkers = procs
	}
	c.Derived.PreprocWorkers = c.Surface.PreprocessWorkers
	if c.Derived.PreprocWorkers <= 0 {
		c.Derived.PreprocWorkers = max(1, procs/c.Derived.RenderWorkers)
	}
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

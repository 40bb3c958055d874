package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/splash/config"
	"github.com/pthm-cable/splash/sph"
)

// Evaluator scores a parameter vector by how far the interior density of a
// freshly packed block is from the rest density.
type Evaluator struct {
	params  *ParamVector
	baseCfg *config.Config

	lastMean     float64
	lastInterior int
}

// NewFitnessEvaluator creates an evaluator over copies of baseCfg.
func NewFitnessEvaluator(params *ParamVector, baseCfg *config.Config) *Evaluator {
	return &Evaluator{params: params, baseCfg: baseCfg}
}

// Evaluate returns the squared relative density error for raw values.
// Configurations that cannot be built score +Inf.
func (e *Evaluator) Evaluate(raw []float64) float64 {
	cfg := *e.baseCfg
	e.params.ApplyToConfig(&cfg, raw)
	if err := cfg.Finalize(); err != nil {
		return math.Inf(1)
	}

	mean, n, err := InteriorDensity(&cfg)
	e.lastMean, e.lastInterior = mean, n
	if err != nil || n == 0 {
		return math.Inf(1)
	}
	rel := (mean - cfg.Solver.RestDensity) / cfg.Solver.RestDensity
	return rel * rel
}

// LastMean returns the mean interior density of the previous evaluation.
func (e *Evaluator) LastMean() float64 { return e.lastMean }

// LastInterior returns the interior particle count of the previous evaluation.
func (e *Evaluator) LastInterior() int { return e.lastInterior }

// InteriorDensity packs the configured block, runs one density pass and
// averages over particles at least one kernel radius inside the block faces.
func InteriorDensity(cfg *config.Config) (float64, int, error) {
	d := cfg.Domain
	vec := func(a [3]float64) r3.Vec { return r3.Vec{X: a[0], Y: a[1], Z: a[2]} }

	s, err := sph.New(cfg, vec(d.Bounds))
	if err != nil {
		return 0, 0, err
	}
	defer s.Close()
	if _, err := s.AddBlock(vec(d.BlockFrom), vec(d.BlockTo)); err != nil {
		return 0, 0, err
	}
	if err := s.Init(); err != nil {
		return 0, 0, err
	}
	s.Density()

	h := cfg.Solver.KernelRadius
	var interior []float64
	for i, p := range s.Positions {
		c := [3]float64{p.X, p.Y, p.Z}
		inside := true
		for axis := range c {
			if c[axis]-d.BlockFrom[axis] < h || d.BlockTo[axis]-c[axis] < h {
				inside = false
				break
			}
		}
		if inside {
			interior = append(interior, s.Densities[i])
		}
	}
	if len(interior) == 0 {
		return 0, 0, fmt.Errorf("block [%v, %v] has no particles %g inside its faces", d.BlockFrom, d.BlockTo, h)
	}
	return stat.Mean(interior, nil), len(interior), nil
}

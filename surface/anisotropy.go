package surface

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/splash/linalg"
)

// kernelFrame is the oriented smoothing kernel of one particle: the kernel
// is evaluated at |G·(p - center)|² and scaled by |det G|.
type kernelFrame struct {
	center r3.Vec
	g      linalg.Mat3
	detG   float64
	bbMin  r3.Vec
	bbMax  r3.Vec

	isotropic  bool
	eigenError bool
}

// neighborWeight is the covariance weight, 1 - (r/2h)³ inside 2h.
func neighborWeight(r, h float64) float64 {
	if r >= 2*h {
		return 0
	}
	d := r / (2 * h)
	return 1 - d*d*d
}

// anisotropicFrame builds particle i's kernel from its weighted neighbourhood.
// neighbors must contain every particle within 2h of positions[i], i included.
func (r *Reconstructor) anisotropicFrame(positions []r3.Vec, i int, neighbors []int) kernelFrame {
	p := r.params
	h := p.KernelRadius
	xi := positions[i]

	count := 0
	sumW := 0.0
	var mean r3.Vec
	for _, j := range neighbors {
		w := neighborWeight(r3.Norm(r3.Sub(xi, positions[j])), h)
		if w == 0 {
			continue
		}
		count++
		sumW += w
		mean = r3.Add(mean, r3.Scale(w, positions[j]))
	}
	if sumW == 0 {
		return r.isotropicFrame(xi, false)
	}
	mean = r3.Scale(1/sumW, mean)

	var cov linalg.Mat3
	for _, j := range neighbors {
		w := neighborWeight(r3.Norm(r3.Sub(xi, positions[j])), h)
		if w == 0 {
			continue
		}
		cov.AddOuter(w, r3.Sub(positions[j], mean))
	}
	cov = cov.Scale(1 / sumW)

	if count < p.MinNeighbors {
		return r.frameAt(mean, linalg.Identity(), r.isotropicValues(), true, false)
	}

	eig, err := linalg.EigenSym3(cov)
	if err != nil {
		return r.isotropicFrame(mean, true)
	}

	lambda := eig.Values
	floor := lambda[2] * p.EigenRatio
	lambda[0] = math.Max(lambda[0], floor)
	lambda[1] = math.Max(lambda[1], floor)
	for n := range lambda {
		lambda[n] *= p.KernelScale
	}
	if !(lambda[0] > 0) {
		// Coincident neighbourhood, no usable spread.
		return r.isotropicFrame(mean, false)
	}
	return r.frameAt(mean, eig.Vectors, lambda, false, false)
}

func (r *Reconstructor) isotropicValues() [3]float64 {
	s := r.params.IsotropicScale
	return [3]float64{s, s, s}
}

func (r *Reconstructor) isotropicFrame(center r3.Vec, eigenError bool) kernelFrame {
	return r.frameAt(center, linalg.Identity(), r.isotropicValues(), true, eigenError)
}

// frameAt assembles G = diag(1/(λh))·Vᵀ and the axis-aligned box enclosing
// the ellipsoid with semi-axes λ_n·h along the columns of v.
func (r *Reconstructor) frameAt(center r3.Vec, v linalg.Mat3, lambda [3]float64, isotropic, eigenError bool) kernelFrame {
	h := r.params.KernelRadius

	var g linalg.Mat3
	det := 1.0
	for l := 0; l < 3; l++ {
		s := lambda[l] * h
		for n := 0; n < 3; n++ {
			g[l][n] = v[n][l] / s
		}
		det /= s
	}

	var half [3]float64
	for a := 0; a < 3; a++ {
		sum := 0.0
		for n := 0; n < 3; n++ {
			m := v[a][n] * lambda[n] * h
			sum += m * m
		}
		half[a] = math.Sqrt(sum)
	}
	hv := r3.Vec{X: half[0], Y: half[1], Z: half[2]}

	return kernelFrame{
		center:     center,
		g:          g,
		detG:       math.Abs(det),
		bbMin:      r3.Sub(center, hv),
		bbMax:      r3.Add(center, hv),
		isotropic:  isotropic,
		eigenError: eigenError,
	}
}

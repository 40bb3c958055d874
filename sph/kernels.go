package sph

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Kernel holds the smoothing kernels for a fixed support radius h.
//
//	density:   W(r)   = wc (h² - r²)³            wc = 315 / (64 π h⁹)
//	pressure:  ∇W(r)  = -c (h - |r|)² / |r| · r   c  = 45 / (π h⁶)
//	viscosity: ∇²W(r) = c (h - |r|)
//
// All three vanish outside the support.
type Kernel struct {
	H     float64
	h2    float64
	wc    float64
	gradC float64
}

// NewKernel precomputes the kernel constants for support radius h.
func NewKernel(h float64) Kernel {
	return Kernel{
		H:     h,
		h2:    h * h,
		wc:    315.0 / (64.0 * math.Pi * math.Pow(h, 9)),
		gradC: 45.0 / (math.Pi * math.Pow(h, 6)),
	}
}

// W evaluates the density kernel for a separation vector.
func (k Kernel) W(r r3.Vec) float64 {
	return k.W2(r3.Norm2(r))
}

// W2 evaluates the density kernel for a squared distance.
func (k Kernel) W2(r2 float64) float64 {
	if r2 > k.h2 {
		return 0
	}
	d := k.h2 - r2
	return k.wc * d * d * d
}

// Grad evaluates the spiky gradient. Coincident particles have no defined
// direction and contribute zero.
func (k Kernel) Grad(r r3.Vec) r3.Vec {
	r2 := r3.Norm2(r)
	if r2 > k.h2 || r2 == 0 {
		return r3.Vec{}
	}
	dist := math.Sqrt(r2)
	d := k.H - dist
	return r3.Scale(-k.gradC*d*d/dist, r)
}

// Laplacian evaluates the viscosity laplacian for a separation vector.
func (k Kernel) Laplacian(r r3.Vec) float64 {
	dist := r3.Norm(r)
	if dist > k.H {
		return 0
	}
	return k.gradC * (k.H - dist)
}

package linalg

import (
	"errors"
	"fmt"
	"math"
)

// MaxQLIterations bounds the implicit QL sweeps spent on one eigenvalue.
const MaxQLIterations = 64

// qlEpsilon is the relative convergence threshold for off-diagonal entries.
var qlEpsilon = math.Pow(2, -52)

var (
	// ErrNoConvergence is returned when QL iteration exceeds MaxQLIterations.
	ErrNoConvergence = errors.New("eigen: QL iteration did not converge")
	// ErrNotFinite is returned when the input contains NaN or Inf.
	ErrNotFinite = errors.New("eigen: matrix has non-finite entries")
)

// Eigen is the decomposition of a symmetric matrix A = V·diag(Values)·Vᵀ.
// Values are ascending and column n of Vectors belongs to Values[n].
type Eigen struct {
	Values  [3]float64
	Vectors Mat3
}

// EigenSym3 decomposes a real symmetric 3×3 matrix. Only symmetry of the
// input is assumed; the lower triangle is read during reduction.
func EigenSym3(a Mat3) (Eigen, error) {
	if !a.IsFinite() {
		return Eigen{}, ErrNotFinite
	}

	v := a
	var d, e [3]float64
	tridiagonalize(&v, &d, &e)
	if err := diagonalize(&v, &d, &e); err != nil {
		return Eigen{}, err
	}
	sortAscending(&v, &d)

	return Eigen{Values: d, Vectors: v}, nil
}

// tridiagonalize reduces v to symmetric tridiagonal form by Householder
// reflections. On return d holds the diagonal, e[1:] the subdiagonal and v
// the accumulated orthogonal transform.
func tridiagonalize(v *Mat3, d, e *[3]float64) {
	const n = 3
	for j := 0; j < n; j++ {
		d[j] = v[n-1][j]
	}

	for i := n - 1; i > 0; i-- {
		scale, h := 0.0, 0.0
		for k := 0; k < i; k++ {
			scale += math.Abs(d[k])
		}

		if scale == 0 {
			e[i] = d[i-1]
			for j := 0; j < i; j++ {
				d[j] = v[i-1][j]
				v[i][j] = 0
				v[j][i] = 0
			}
			d[i] = h
			continue
		}

		// Householder vector
		for k := 0; k < i; k++ {
			d[k] /= scale
			h += d[k] * d[k]
		}
		f := d[i-1]
		g := math.Sqrt(h)
		if f > 0 {
			g = -g
		}
		e[i] = scale * g
		h -= f * g
		d[i-1] = f - g
		for j := 0; j < i; j++ {
			e[j] = 0
		}

		// Apply the similarity transform to the remaining columns.
		for j := 0; j < i; j++ {
			f = d[j]
			v[j][i] = f
			g = e[j] + v[j][j]*f
			for k := j + 1; k <= i-1; k++ {
				g += v[k][j] * d[k]
				e[k] += v[k][j] * f
			}
			e[j] = g
		}
		f = 0
		for j := 0; j < i; j++ {
			e[j] /= h
			f += e[j] * d[j]
		}
		hh := f / (h + h)
		for j := 0; j < i; j++ {
			e[j] -= hh * d[j]
		}
		for j := 0; j < i; j++ {
			f = d[j]
			g = e[j]
			for k := j; k <= i-1; k++ {
				v[k][j] -= f*e[k] + g*d[k]
			}
			d[j] = v[i-1][j]
			v[i][j] = 0
		}
		d[i] = h
	}

	// Accumulate transformations.
	for i := 0; i < n-1; i++ {
		v[n-1][i] = v[i][i]
		v[i][i] = 1
		h := d[i+1]
		if h != 0 {
			for k := 0; k <= i; k++ {
				d[k] = v[k][i+1] / h
			}
			for j := 0; j <= i; j++ {
				g := 0.0
				for k := 0; k <= i; k++ {
					g += v[k][i+1] * v[k][j]
				}
				for k := 0; k <= i; k++ {
					v[k][j] -= g * d[k]
				}
			}
		}
		for k := 0; k <= i; k++ {
			v[k][i+1] = 0
		}
	}
	for j := 0; j < n; j++ {
		d[j] = v[n-1][j]
		v[n-1][j] = 0
	}
	v[n-1][n-1] = 1
	e[0] = 0
}

// diagonalize runs the implicit-shift QL algorithm on the tridiagonal form
// (d, e), accumulating rotations into v.
func diagonalize(v *Mat3, d, e *[3]float64) error {
	const n = 3
	for i := 1; i < n; i++ {
		e[i-1] = e[i]
	}
	e[n-1] = 0

	f, tst1 := 0.0, 0.0
	for l := 0; l < n; l++ {
		tst1 = math.Max(tst1, math.Abs(d[l])+math.Abs(e[l]))
		m := l
		for m < n-1 && math.Abs(e[m]) > qlEpsilon*tst1 {
			m++
		}

		if m > l {
			for iter := 1; ; iter++ {
				if iter > MaxQLIterations {
					return fmt.Errorf("%w: eigenvalue %d after %d sweeps", ErrNoConvergence, l, MaxQLIterations)
				}

				// Implicit shift
				g := d[l]
				p := (d[l+1] - g) / (2 * e[l])
				r := math.Hypot(p, 1)
				if p < 0 {
					r = -r
				}
				d[l] = e[l] / (p + r)
				d[l+1] = e[l] * (p + r)
				dl1 := d[l+1]
				h := g - d[l]
				for i := l + 2; i < n; i++ {
					d[i] -= h
				}
				f += h

				p = d[m]
				c, c2, c3 := 1.0, 1.0, 1.0
				el1 := e[l+1]
				s, s2 := 0.0, 0.0
				for i := m - 1; i >= l; i-- {
					c3 = c2
					c2 = c
					s2 = s
					g = c * e[i]
					h = c * p
					r = math.Hypot(p, e[i])
					e[i+1] = s * r
					s = e[i] / r
					c = p / r
					p = c*d[i] - s*g
					d[i+1] = h + s*(c*g+s*d[i])

					for k := 0; k < n; k++ {
						h = v[k][i+1]
						v[k][i+1] = s*v[k][i] + c*h
						v[k][i] = c*v[k][i] - s*h
					}
				}
				p = -s * s2 * c3 * el1 * e[l] / dl1
				e[l] = s * p
				d[l] = c * p

				if !(math.Abs(e[l]) > qlEpsilon*tst1) {
					break
				}
			}
		}
		d[l] += f
		e[l] = 0
	}
	return nil
}

// sortAscending orders eigenvalues ascending, permuting eigenvector columns to match.
func sortAscending(v *Mat3, d *[3]float64) {
	const n = 3
	for i := 0; i < n-1; i++ {
		k := i
		p := d[i]
		for j := i + 1; j < n; j++ {
			if d[j] < p {
				k = j
				p = d[j]
			}
		}
		if k == i {
			continue
		}
		d[k] = d[i]
		d[i] = p
		for j := 0; j < n; j++ {
			v[j][i], v[j][k] = v[j][k], v[j][i]
		}
	}
}

// Package linalg provides the small dense 3×3 algebra used by the surface
// reconstruction: a value-type matrix and a symmetric eigen solver.
package linalg

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a row-major 3×3 matrix. M[row][col].
type Mat3 [3][3]float64

// Identity returns the 3×3 identity matrix.
func Identity() Mat3 {
	return Diag(1, 1, 1)
}

// Diag returns a diagonal matrix.
func Diag(a, b, c float64) Mat3 {
	return Mat3{{a, 0, 0}, {0, b, 0}, {0, 0, c}}
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	var t Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = m[j][i]
		}
	}
	return t
}

// Mul returns m·n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var p Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p[i][j] = m[i][0]*n[0][j] + m[i][1]*n[1][j] + m[i][2]*n[2][j]
		}
	}
	return p
}

// MulVec returns m·v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Scale returns f·m.
func (m Mat3) Scale(f float64) Mat3 {
	for i := range m {
		for j := range m[i] {
			m[i][j] *= f
		}
	}
	return m
}

// AddOuter adds w·v·vᵀ to m in place.
func (m *Mat3) AddOuter(w float64, v r3.Vec) {
	c := [3]float64{v.X, v.Y, v.Z}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] += w * c[i] * c[j]
		}
	}
}

// Col returns column j as a vector.
func (m Mat3) Col(j int) r3.Vec {
	return r3.Vec{X: m[0][j], Y: m[1][j], Z: m[2][j]}
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// IsFinite reports whether every entry is finite.
func (m Mat3) IsFinite() bool {
	for i := range m {
		for _, x := range m[i] {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}

// ApproxEqual reports whether every entry of m and n differs by at most tol.
func (m Mat3) ApproxEqual(n Mat3, tol float64) bool {
	for i := range m {
		for j := range m[i] {
			if math.Abs(m[i][j]-n[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

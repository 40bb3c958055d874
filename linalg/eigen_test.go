package linalg

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomSymmetric(rng *rand.Rand, scale float64) Mat3 {
	var a Mat3
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			x := (rng.Float64()*2 - 1) * scale
			a[i][j] = x
			a[j][i] = x
		}
	}
	return a
}

func checkDecomposition(t *testing.T, a Mat3, eig Eigen) {
	t.Helper()

	v := eig.Vectors
	assert.True(t, v.T().Mul(v).ApproxEqual(Identity(), 1e-10), "VᵀV != I: %v", v.T().Mul(v))

	for i := 0; i < 2; i++ {
		assert.LessOrEqual(t, eig.Values[i], eig.Values[i+1], "values not ascending: %v", eig.Values)
	}

	d := Diag(eig.Values[0], eig.Values[1], eig.Values[2])
	recon := v.Mul(d).Mul(v.T())
	tol := 1e-10 * math.Max(1, maxAbs(a))
	assert.True(t, recon.ApproxEqual(a, tol), "V·D·Vᵀ = %v, want %v", recon, a)
}

func maxAbs(m Mat3) float64 {
	out := 0.0
	for i := range m {
		for _, x := range m[i] {
			out = math.Max(out, math.Abs(x))
		}
	}
	return out
}

func TestEigenSym3Known(t *testing.T) {
	tests := []struct {
		name string
		a    Mat3
		want [3]float64
	}{
		{"identity", Identity(), [3]float64{1, 1, 1}},
		{"zero", Mat3{}, [3]float64{0, 0, 0}},
		{"diagonal unsorted", Diag(3, -1, 2), [3]float64{-1, 2, 3}},
		{"2x2 block", Mat3{{2, 1, 0}, {1, 2, 0}, {0, 0, 5}}, [3]float64{1, 3, 5}},
		{"tridiagonal", Mat3{{2, -1, 0}, {-1, 2, -1}, {0, -1, 2}}, [3]float64{2 - math.Sqrt2, 2, 2 + math.Sqrt2}},
		{"rank one", Mat3{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}}, [3]float64{0, 0, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eig, err := EigenSym3(tt.a)
			require.NoError(t, err)
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], eig.Values[i], 1e-12)
			}
			checkDecomposition(t, tt.a, eig)
		})
	}
}

func TestEigenSym3MatchesGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 200; trial++ {
		scale := math.Pow(10, float64(trial%7-3))
		a := randomSymmetric(rng, scale)

		eig, err := EigenSym3(a)
		require.NoError(t, err)
		checkDecomposition(t, a, eig)

		sym := mat.NewSymDense(3, []float64{
			a[0][0], a[0][1], a[0][2],
			a[1][0], a[1][1], a[1][2],
			a[2][0], a[2][1], a[2][2],
		})
		var es mat.EigenSym
		require.True(t, es.Factorize(sym, false), "gonum factorization failed")
		want := es.Values(nil)
		for i := range want {
			assert.InDelta(t, want[i], eig.Values[i], 1e-10*math.Max(1, scale), "trial %d value %d", trial, i)
		}
	}
}

func TestEigenSym3Covariance(t *testing.T) {
	// Points spread along a tilted line: one dominant eigenvalue whose
	// eigenvector is parallel to the line.
	var c Mat3
	dir := [3]float64{1 / math.Sqrt(3), 1 / math.Sqrt(3), 1 / math.Sqrt(3)}
	for k := -5; k <= 5; k++ {
		s := float64(k)
		p := [3]float64{dir[0] * s, dir[1]*s + 0.01*float64(k%2), dir[2] * s}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				c[i][j] += p[i] * p[j] / 11
			}
		}
	}

	eig, err := EigenSym3(c)
	require.NoError(t, err)
	checkDecomposition(t, c, eig)

	top := eig.Vectors.Col(2)
	cos := math.Abs(top.X*dir[0] + top.Y*dir[1] + top.Z*dir[2])
	assert.InDelta(t, 1, cos, 1e-4)
	assert.Greater(t, eig.Values[2], 100*eig.Values[1])
}

func TestEigenSym3NotFinite(t *testing.T) {
	tests := []struct {
		name string
		x    float64
	}{
		{"nan", math.NaN()},
		{"+inf", math.Inf(1)},
		{"-inf", math.Inf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Identity()
			a[1][2], a[2][1] = tt.x, tt.x
			_, err := EigenSym3(a)
			assert.True(t, errors.Is(err, ErrNotFinite), "got %v", err)
		})
	}
}

func TestMat3Det(t *testing.T) {
	assert.InDelta(t, 24.0, Diag(2, 3, 4).Det(), 1e-12)
	m := Mat3{{1, 2, 3}, {0, 1, 4}, {5, 6, 0}}
	assert.InDelta(t, 1.0, m.Det(), 1e-12)
}

package hmlasso

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// assertMatEqual checks if two matrices are approximately equal
func assertMatEqual(t *testing.T, got, want mat.Matrix, tol float64) {
	t.Helper()

	rg, cg := got.Dims()
	rw, cw := want.Dims()
	if rg != rw || cg != cw {
		t.Fatalf("matrix dimensions mismatch: got %dx%d, want %dx%d", rg, cg, rw, cw)
	}

	for i := 0; i < rg; i++ {
		for j := 0; j < cg; j++ {
			g := got.At(i, j)
			w := want.At(i, j)
			if math.Abs(g-w) > tol {
				t.Fatalf("at (%d,%d): got %v, want %v (tolerance %v)", i, j, g, w, tol)
			}
		}
	}
}

// assertFloat64SlicesEqual checks if two float64 slices are approximately equal
func assertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// generateRandomMatrix generates a random matrix with values in [min, max]
func generateRandomMatrix(rng *rand.Rand, rows, cols int, min, max float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = min + rng.Float64()*(max-min)
	}
	return mat.NewDense(rows, cols, data)
}

// maskRandomEntries replaces roughly the given fraction of entries with NaN
func maskRandomEntries(rng *rand.Rand, X *mat.Dense, fraction float64) {
	r, c := X.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rng.Float64() < fraction {
				X.Set(i, j, math.NaN())
			}
		}
	}
}

// minEigenvalue returns the smallest eigenvalue of a symmetric matrix
func minEigenvalue(t *testing.T, m *mat.SymDense) float64 {
	t.Helper()

	var eig mat.EigenSym
	if ok := eig.Factorize(m, false); !ok {
		t.Fatal("eigendecomposition failed")
	}
	values := eig.Values(nil)
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

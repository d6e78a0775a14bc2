package hmlasso

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/sparsefit/hmlasso/internal/regression"
)

// sampleCovariance computes the ordinary covariance matrix of complete data,
// normalized by the row count, as the pairwise estimator reduces to it when
// nothing is missing.
func sampleCovariance(X *mat.Dense) *mat.SymDense {
	n, p := X.Dims()

	means := make([]float64, p)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			means[j] += X.At(i, j)
		}
		means[j] /= float64(n)
	}

	cov := mat.NewSymDense(p, nil)
	for j := 0; j < p; j++ {
		for k := j; k < p; k++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += (X.At(i, j) - means[j]) * (X.At(i, k) - means[k])
			}
			cov.SetSym(j, k, sum/float64(n))
		}
	}
	return cov
}

func TestEstimateCompleteDataMatchesSampleCovariance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n, p := 200, 4

	X := generateRandomMatrix(rng, n, p, -3, 3)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		y.SetVec(i, 2*X.At(i, 0)-X.At(i, 2)+rng.NormFloat64())
	}

	ce := NewCovarianceEstimator(2, nil)
	cov, err := ce.Estimate(X, y)
	require.NoError(t, err)

	// With no missing entries the pairwise surrogate is the ordinary
	// sample covariance.
	assertMatEqual(t, cov.Sigma, sampleCovariance(X), 1e-12)

	// The cross vector is the ordinary feature-target covariance.
	yMean := 0.0
	for i := 0; i < n; i++ {
		yMean += y.AtVec(i)
	}
	yMean /= float64(n)
	for j := 0; j < p; j++ {
		want := 0.0
		xMean := cov.Means[j]
		for i := 0; i < n; i++ {
			want += (X.At(i, j) - xMean) * (y.AtVec(i) - yMean)
		}
		want /= float64(n)
		assert.InDelta(t, want, cov.Cross.AtVec(j), 1e-12, "cross entry %d", j)
	}

	assert.Equal(t, 1.0, cov.MinOverlapFraction, "complete data overlaps everywhere")
}

func TestEstimateUsesObservedSubsetMeans(t *testing.T) {
	// Feature 0 is missing exactly where its values would be large; the
	// mean must come from the observed subset only.
	X := mat.NewDense(4, 2, []float64{
		1, 10,
		3, 20,
		math.NaN(), 30,
		math.NaN(), 40,
	})
	y := mat.NewVecDense(4, []float64{1, 2, 3, 4})

	ce := NewCovarianceEstimator(2, nil)
	cov, err := ce.Estimate(X, y)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, cov.Means[0], 1e-12, "mean of feature 0 over its observed rows")
	assert.InDelta(t, 25.0, cov.Means[1], 1e-12)
	assert.InDelta(t, 2.5, cov.TargetMean, 1e-12)
}

func TestEstimateOverlapInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	n, p := 300, 5

	X := generateRandomMatrix(rng, n, p, -1, 1)
	maskRandomEntries(rng, X, 0.3)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		y.SetVec(i, rng.NormFloat64())
	}

	ce := NewCovarianceEstimator(2, nil)
	cov, err := ce.Estimate(X, y)
	require.NoError(t, err)

	for j := 0; j < p; j++ {
		for k := 0; k < p; k++ {
			assert.Equal(t, cov.Overlap.At(j, k), cov.Overlap.At(k, j), "overlap must be symmetric")
			assert.GreaterOrEqual(t, cov.Overlap.At(j, j), cov.Overlap.At(j, k),
				"a feature overlaps with itself at least as often as with any other")
		}
	}

	// Sigma inherits symmetry from the pairwise construction.
	for j := 0; j < p; j++ {
		for k := 0; k < p; k++ {
			assert.Equal(t, cov.Sigma.At(j, k), cov.Sigma.At(k, j))
		}
	}

	assert.Greater(t, cov.MinOverlapFraction, 0.0)
	assert.LessOrEqual(t, cov.MinOverlapFraction, cov.MeanOverlapFraction)
}

func TestEstimateAllMissingFeature(t *testing.T) {
	X := mat.NewDense(3, 2, []float64{
		1, math.NaN(),
		2, math.NaN(),
		3, math.NaN(),
	})
	y := mat.NewVecDense(3, []float64{1, 2, 3})

	ce := NewCovarianceEstimator(2, nil)
	_, err := ce.Estimate(X, y)
	require.Error(t, err)
	assert.True(t, regression.IsKind(err, regression.KindDataInsufficiency))
	assert.Contains(t, err.Error(), "feature 1 has no observed values")
}

func TestEstimateDisjointFeaturePair(t *testing.T) {
	// Features 0 and 1 are never observed together.
	X := mat.NewDense(4, 2, []float64{
		1, math.NaN(),
		2, math.NaN(),
		math.NaN(), 5,
		math.NaN(), 6,
	})
	y := mat.NewVecDense(4, []float64{1, 2, 3, 4})

	ce := NewCovarianceEstimator(2, nil)
	_, err := ce.Estimate(X, y)
	require.Error(t, err)
	assert.True(t, regression.IsKind(err, regression.KindDataInsufficiency))
	assert.Contains(t, err.Error(), "jointly observed rows")
}

func TestEstimateMinSupportThreshold(t *testing.T) {
	// Features 0 and 1 share exactly two observed rows.
	X := mat.NewDense(4, 2, []float64{
		1, 4,
		2, 5,
		3, math.NaN(),
		math.NaN(), 6,
	})
	y := mat.NewVecDense(4, []float64{1, 2, 3, 4})

	t.Run("support meets threshold", func(t *testing.T) {
		ce := NewCovarianceEstimator(2, nil)
		_, err := ce.Estimate(X, y)
		assert.NoError(t, err)
	})

	t.Run("support below threshold", func(t *testing.T) {
		ce := NewCovarianceEstimator(3, nil)
		_, err := ce.Estimate(X, y)
		require.Error(t, err)
		assert.True(t, regression.IsKind(err, regression.KindDataInsufficiency))
		assert.Contains(t, err.Error(), "need at least 3")
	})
}

func TestEstimateInputValidation(t *testing.T) {
	ce := NewCovarianceEstimator(2, nil)

	t.Run("nil inputs", func(t *testing.T) {
		_, err := ce.Estimate(nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must not be nil")
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		X := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
		y := mat.NewVecDense(2, []float64{1, 2})
		_, err := ce.Estimate(X, y)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension mismatch")
	})

	t.Run("missing target value", func(t *testing.T) {
		X := mat.NewDense(2, 1, []float64{1, 2})
		y := mat.NewVecDense(2, []float64{1, math.NaN()})
		_, err := ce.Estimate(X, y)
		require.Error(t, err)
		assert.True(t, regression.IsKind(err, regression.KindDataInsufficiency))
		assert.Contains(t, err.Error(), "target contains a missing value")
	})
}

func TestEstimateIsPure(t *testing.T) {
	X := mat.NewDense(3, 2, []float64{
		1, 4,
		math.NaN(), 5,
		3, 6,
	})
	y := mat.NewVecDense(3, []float64{1, 2, 3})

	ce := NewCovarianceEstimator(2, nil)
	first, err := ce.Estimate(X, y)
	require.NoError(t, err)
	second, err := ce.Estimate(X, y)
	require.NoError(t, err)

	assertMatEqual(t, first.Sigma, second.Sigma, 0)
	assertFloat64SlicesEqual(t, first.Means, second.Means, 0)

	// The input matrix is untouched, NaN sentinels included.
	assert.True(t, math.IsNaN(X.At(1, 0)))
	assert.Equal(t, 5.0, X.At(1, 1))
}

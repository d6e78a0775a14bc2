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

// noiselessData builds a complete design matrix and a target that is an
// exact linear function of it.
func noiselessData(rng *rand.Rand, n int, beta []float64, intercept float64) (*mat.Dense, *mat.VecDense) {
	p := len(beta)
	X := generateRandomMatrix(rng, n, p, -2.0, 2.0)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		sum := intercept
		for j := 0; j < p; j++ {
			sum += beta[j] * X.At(i, j)
		}
		y.SetVec(i, sum)
	}
	return X, y
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := regression.DefaultConfig()
	cfg.Alpha = -1.0

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.True(t, regression.IsKind(err, regression.KindInvalidConfig))
}

func TestFitRecoversNoiselessLinearModel(t *testing.T) {
	// With alpha = 0 and an exact linear target, cov(X, y) = Sigma * beta
	// holds exactly for any normalization, so the unpenalized solve
	// recovers the true coefficients and intercept.
	rng := rand.New(rand.NewSource(7))
	trueBeta := []float64{1.5, -2.0, 0.0, 0.75}
	trueIntercept := 3.25

	X, y := noiselessData(rng, 200, trueBeta, trueIntercept)

	cfg := regression.DefaultConfig()
	cfg.Alpha = 0
	cfg.MaxIter = 10000
	cfg.Tol = 1e-12

	model, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, model.Fit(X, y))

	assertFloat64SlicesEqual(t, model.Coefficients(), trueBeta, 1e-6)
	assert.InDelta(t, trueIntercept, model.Intercept(), 1e-6)

	result := model.Result()
	require.NotNil(t, result)
	assert.True(t, result.Converged)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, 0.0, result.PSDShift, "complete data should need no PSD correction")
}

func TestFitPredictRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	trueBeta := []float64{2.0, -1.0}
	X, y := noiselessData(rng, 100, trueBeta, 0.5)

	cfg := regression.DefaultConfig()
	cfg.Alpha = 0
	cfg.Tol = 1e-12
	cfg.MaxIter = 10000

	model, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, model.Fit(X, y))

	preds, err := model.Predict(X)
	require.NoError(t, err)
	require.Equal(t, y.Len(), preds.Len())
	for i := 0; i < y.Len(); i++ {
		assert.InDelta(t, y.AtVec(i), preds.AtVec(i), 1e-6)
	}
}

func TestFitWithMissingDataStaysUsable(t *testing.T) {
	// Moderate missingness on a strong signal: the pipeline must complete,
	// report PSD diagnostics, and keep the sign structure of the truth.
	rng := rand.New(rand.NewSource(29))
	trueBeta := []float64{3.0, -3.0, 0.0}
	X, y := noiselessData(rng, 500, trueBeta, 1.0)
	maskRandomEntries(rng, X, 0.2)

	cfg := regression.DefaultConfig()
	cfg.Alpha = 0.01
	cfg.MaxIter = 10000

	model, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, model.Fit(X, y))

	coeffs := model.Coefficients()
	require.Len(t, coeffs, 3)
	assert.Positive(t, coeffs[0])
	assert.Negative(t, coeffs[1])

	result := model.Result()
	require.NotNil(t, result)
	assert.GreaterOrEqual(t, result.PSDShift, 0.0)
}

func TestFitIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	X, y := noiselessData(rng, 150, []float64{1.0, -0.5, 2.0}, 0.0)
	maskRandomEntries(rng, X, 0.15)

	cfg := regression.DefaultConfig()
	cfg.Alpha = 0.05

	model, err := New(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, model.Fit(X, y))
	first := model.Coefficients()
	firstIntercept := model.Intercept()

	require.NoError(t, model.Fit(X, y))
	assertFloat64SlicesEqual(t, model.Coefficients(), first, 1e-12)
	assert.InDelta(t, firstIntercept, model.Intercept(), 1e-12)
}

func TestFitAllMissingFeatureFails(t *testing.T) {
	X := mat.NewDense(4, 2, []float64{
		1.0, math.NaN(),
		2.0, math.NaN(),
		3.0, math.NaN(),
		4.0, math.NaN(),
	})
	y := mat.NewVecDense(4, []float64{1, 2, 3, 4})

	model, err := New(regression.DefaultConfig(), nil)
	require.NoError(t, err)

	err = model.Fit(X, y)
	require.Error(t, err)
	assert.True(t, regression.IsKind(err, regression.KindDataInsufficiency))
	assert.False(t, model.IsFitted())
}

func TestFitCorrectsIndefiniteSurrogate(t *testing.T) {
	// Each feature pair is observed on its own disjoint rows with mutually
	// inconsistent correlations (+1, +1, -1), so pairwise estimation yields
	// Sigma = [[1,1,-1],[1,1,1],[-1,1,1]] with minimum eigenvalue -1. The
	// fit must correct it and report the shift.
	nan := math.NaN()
	X := mat.NewDense(6, 3, []float64{
		-1, -1, nan,
		1, 1, nan,
		nan, -1, -1,
		nan, 1, 1,
		-1, nan, 1,
		1, nan, -1,
	})
	y := mat.NewVecDense(6, []float64{1, 2, 3, 4, 5, 6})

	cfg := regression.DefaultConfig()
	cfg.Alpha = 0.5

	model, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, model.Fit(X, y))

	result := model.Result()
	require.NotNil(t, result)
	assert.InDelta(t, -1.0, result.MinEigenvalue, 1e-12)
	assert.InDelta(t, 1.0, result.PSDShift, 1e-12)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "diagonal shift")
}

func TestFitNonConvergenceIsReported(t *testing.T) {
	rng := rand.New(rand.NewSource(53))
	X, y := noiselessData(rng, 100, []float64{1.0, -2.0, 0.5}, 0.0)

	cfg := regression.DefaultConfig()
	cfg.Alpha = 0.01
	cfg.MaxIter = 1
	cfg.Tol = 1e-14

	model, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, model.Fit(X, y), "running out of iterations must not fail the fit")

	result := model.Result()
	require.NotNil(t, result)
	assert.False(t, result.Converged)
	assert.Equal(t, 1, result.Iterations)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "did not converge")
	truncated := model.Coefficients()

	cfg.MaxIter = 10000
	refined, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, refined.Fit(X, y))
	require.True(t, refined.Result().Converged)
	assert.NotEqual(t, refined.Coefficients(), truncated)
}

func TestFitSparsityGrowsWithPenalty(t *testing.T) {
	rng := rand.New(rand.NewSource(61))
	X, y := noiselessData(rng, 300, []float64{2.0, -1.5, 0.8, 0.1, -0.05}, 0.0)

	nonzeroAt := func(alpha float64) int {
		cfg := regression.DefaultConfig()
		cfg.Alpha = alpha
		cfg.MaxIter = 10000

		model, err := New(cfg, nil)
		require.NoError(t, err)
		require.NoError(t, model.Fit(X, y))
		return countNonzero(model.Coefficients())
	}

	small := nonzeroAt(0.01)
	large := nonzeroAt(5.0)
	assert.Equal(t, 5, small, "tiny penalty should keep every true coefficient")
	assert.Less(t, large, small, "heavy penalty should zero some coefficients")
}

func TestPredictGuards(t *testing.T) {
	rng := rand.New(rand.NewSource(71))
	X, y := noiselessData(rng, 50, []float64{1.0, 2.0}, 0.0)

	cfg := regression.DefaultConfig()
	cfg.Alpha = 0

	t.Run("unfitted model", func(t *testing.T) {
		model, err := New(cfg, nil)
		require.NoError(t, err)

		_, err = model.Predict(X)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not been fitted")
	})

	model, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, model.Fit(X, y))

	t.Run("nil input", func(t *testing.T) {
		_, err := model.Predict(nil)
		require.Error(t, err)
	})

	t.Run("feature count mismatch", func(t *testing.T) {
		_, err := model.Predict(mat.NewDense(2, 3, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fitted with 2")
	})

	t.Run("missing value in input", func(t *testing.T) {
		bad := mat.NewDense(1, 2, []float64{1.0, math.NaN()})
		_, err := model.Predict(bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "complete rows")
	})
}

func TestCoefficientsReturnsCopy(t *testing.T) {
	rng := rand.New(rand.NewSource(83))
	X, y := noiselessData(rng, 60, []float64{1.0, -1.0}, 0.0)

	model, err := New(regression.DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, model.Fit(X, y))

	coeffs := model.Coefficients()
	coeffs[0] = 999.0
	assert.NotEqual(t, 999.0, model.Coefficients()[0])
}

package hmlasso

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/sparsefit/hmlasso/internal/regression"
)

// PairwiseCovariance holds the missingness-corrected covariance surrogate
// estimated from data with missing entries. Each entry of Sigma and Cross is
// computed from the rows where the relevant variables are jointly observed,
// normalized by the joint observation count rather than the total row count.
type PairwiseCovariance struct {
	// Sigma is the p x p covariance surrogate. Pairwise estimation means it
	// is symmetric but not necessarily positive-semidefinite.
	Sigma *mat.SymDense

	// Cross is the length-p covariance between each feature and the target,
	// computed from each feature's observed rows.
	Cross *mat.VecDense

	// Overlap counts, per feature pair, the rows where both features are
	// observed. Overlap is symmetric and its diagonal dominates each row.
	Overlap *mat.SymDense

	// Means holds the per-feature means over each feature's observed subset.
	Means []float64

	// TargetMean is the mean of the fully observed target.
	TargetMean float64

	// MinOverlapFraction and MeanOverlapFraction summarize Overlap divided
	// by the row count, the joint observation rates that weight the estimate.
	MinOverlapFraction  float64
	MeanOverlapFraction float64
}

// CovarianceEstimator computes pairwise covariance surrogates from data with
// missing entries marked NaN. It is a pure function of its inputs; the only
// state is the support threshold and the logger.
type CovarianceEstimator struct {
	// minSupport is the minimum joint observation count accepted for a
	// feature pair. Feature-target entries require at least one observation.
	minSupport int

	logger *zap.Logger
}

// NewCovarianceEstimator creates an estimator with the given minimum pair
// support. minSupport below 2 is raised to 2: a single shared row cannot
// support a centered product.
func NewCovarianceEstimator(minSupport int, logger *zap.Logger) *CovarianceEstimator {
	if minSupport < 2 {
		minSupport = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CovarianceEstimator{
		minSupport: minSupport,
		logger:     logger.Named("pairwise_covariance"),
	}
}

// Estimate computes Sigma and Cross from X and y. Missing entries of X are
// NaN; y must be fully observed. A feature pair with joint support below the
// threshold, or a feature with no observations at all, aborts with a
// data-insufficiency error rather than emitting NaN or zero.
func (ce *CovarianceEstimator) Estimate(X *mat.Dense, y *mat.VecDense) (*PairwiseCovariance, error) {
	const op = "CovarianceEstimator.Estimate"

	if X == nil || y == nil {
		return nil, regression.NewError(regression.KindUnknown, "input matrices must not be nil").
			WithComponent("pairwise_covariance").WithOperation(op)
	}

	n, p := X.Dims()
	if n == 0 || p == 0 {
		return nil, regression.NewError(regression.KindUnknown, "input matrix X must not be empty").
			WithComponent("pairwise_covariance").WithOperation(op)
	}
	if y.Len() != n {
		return nil, regression.NewErrorf(regression.KindUnknown,
			"dimension mismatch: X has %d rows but y has length %d", n, y.Len()).
			WithComponent("pairwise_covariance").WithOperation(op)
	}
	for i := 0; i < n; i++ {
		if math.IsNaN(y.AtVec(i)) {
			return nil, regression.NewErrorf(regression.KindDataInsufficiency,
				"target contains a missing value at row %d", i).
				WithComponent("pairwise_covariance").WithOperation(op)
		}
	}

	// Observation mask, derived once from X.
	observed := make([]bool, n*p)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			observed[i*p+j] = !math.IsNaN(X.At(i, j))
		}
	}

	// Per-feature means over each feature's observed subset. Centering with
	// the global mean would bias the pairwise products wherever missingness
	// correlates with the feature level.
	means := make([]float64, p)
	counts := make([]int, p)
	for j := 0; j < p; j++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			if observed[i*p+j] {
				sum += X.At(i, j)
				counts[j]++
			}
		}
		if counts[j] == 0 {
			return nil, regression.NewErrorf(regression.KindDataInsufficiency,
				"feature %d has no observed values", j).
				WithComponent("pairwise_covariance").WithOperation(op)
		}
		means[j] = sum / float64(counts[j])
	}

	yMean := 0.0
	for i := 0; i < n; i++ {
		yMean += y.AtVec(i)
	}
	yMean /= float64(n)

	// Feature-target cross covariances over each feature's observed rows.
	// The target is fully observed, so joint support equals the feature's
	// own observation count.
	cross := mat.NewVecDense(p, nil)
	for j := 0; j < p; j++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			if observed[i*p+j] {
				sum += (X.At(i, j) - means[j]) * (y.AtVec(i) - yMean)
			}
		}
		cross.SetVec(j, sum/float64(counts[j]))
	}

	// Pairwise covariance surrogate and joint observation counts.
	sigma := mat.NewSymDense(p, nil)
	overlap := mat.NewSymDense(p, nil)
	for j := 0; j < p; j++ {
		for k := j; k < p; k++ {
			count := 0
			sum := 0.0
			for i := 0; i < n; i++ {
				if observed[i*p+j] && observed[i*p+k] {
					sum += (X.At(i, j) - means[j]) * (X.At(i, k) - means[k])
					count++
				}
			}
			if count < ce.minSupport {
				return nil, regression.NewErrorf(regression.KindDataInsufficiency,
					"feature pair (%d,%d) has %d jointly observed rows, need at least %d",
					j, k, count, ce.minSupport).
					WithComponent("pairwise_covariance").WithOperation(op)
			}
			overlap.SetSym(j, k, float64(count))
			sigma.SetSym(j, k, sum/float64(count))
		}
	}

	minFrac, sumFrac := math.Inf(1), 0.0
	for j := 0; j < p; j++ {
		for k := j; k < p; k++ {
			frac := overlap.At(j, k) / float64(n)
			if frac < minFrac {
				minFrac = frac
			}
			sumFrac += frac
		}
	}
	meanFrac := sumFrac / float64(p*(p+1)/2)

	ce.logger.Debug("Estimated pairwise covariance surrogate",
		zap.Int("rows", n),
		zap.Int("features", p),
		zap.Float64("min_overlap_fraction", minFrac),
		zap.Float64("mean_overlap_fraction", meanFrac),
	)

	return &PairwiseCovariance{
		Sigma:               sigma,
		Cross:               cross,
		Overlap:             overlap,
		Means:               means,
		TargetMean:          yMean,
		MinOverlapFraction:  minFrac,
		MeanOverlapFraction: meanFrac,
	}, nil
}

package hmlasso

import (
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/sparsefit/hmlasso/internal/regression"
)

// CorrectionReport describes what the PSD verification step did to the
// surrogate matrix.
type CorrectionReport struct {
	// MinEigenvalue is the smallest eigenvalue found before correction.
	// When Skipped is true the spectrum was never computed and the value is 0.
	MinEigenvalue float64

	// Shift is the uniform diagonal shift applied, 0 when none was needed.
	Shift float64

	// Corrected is true when a shift was applied.
	Corrected bool

	// Skipped is true when the eigendecomposition failed to converge and the
	// ignore policy passed the matrix through unverified.
	Skipped bool
}

// PSDCorrector restores positive-semidefiniteness to a symmetric matrix.
// Pairwise covariance estimation produces symmetric matrices that may have
// small negative eigenvalues; that is a structural property of the method,
// not an estimator bug. The corrector shifts the whole spectrum up by the
// magnitude of the most negative eigenvalue so the minimum becomes zero.
//
// The eigendecomposition runs on mat.SymDense through mat.EigenSym, which
// guarantees real eigenvalues for symmetric input. That makes the imaginary
// round-off residue a general complex solver would produce impossible by
// construction.
type PSDCorrector struct {
	// tolerance decides "already PSD": eigenvalues above -tolerance pass.
	tolerance float64

	// policy selects the behavior when the eigendecomposition itself fails
	// to converge.
	policy regression.ErrorsPolicy

	logger *zap.Logger
}

// NewPSDCorrector creates a corrector with the given tolerance and
// non-convergence policy. A non-positive tolerance falls back to the default.
func NewPSDCorrector(tolerance float64, policy regression.ErrorsPolicy, logger *zap.Logger) *PSDCorrector {
	if tolerance <= 0 {
		tolerance = regression.DefaultConfig().EigenTolerance
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PSDCorrector{
		tolerance: tolerance,
		policy:    policy,
		logger:    logger.Named("psd_corrector"),
	}
}

// Correct returns a positive-semidefinite version of sigma together with a
// report of what was done. When sigma already passes the check it is
// returned unchanged. When the eigendecomposition does not converge the
// raise policy aborts with a solver-convergence error; the ignore policy
// returns sigma unverified and marks the report as skipped.
func (pc *PSDCorrector) Correct(sigma *mat.SymDense) (*mat.SymDense, *CorrectionReport, error) {
	const op = "PSDCorrector.Correct"

	if sigma == nil {
		return nil, nil, regression.NewError(regression.KindUnknown, "input matrix must not be nil").
			WithComponent("psd_corrector").WithOperation(op)
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sigma, false); !ok {
		if pc.policy == regression.PolicyIgnore {
			pc.logger.Warn("Eigendecomposition did not converge, PSD verification skipped",
				zap.String("policy", string(regression.PolicyIgnore)),
			)
			return sigma, &CorrectionReport{Skipped: true}, nil
		}
		return nil, nil, regression.NewError(regression.KindSolverConvergence,
			"eigendecomposition of the covariance surrogate did not converge").
			WithComponent("psd_corrector").WithOperation(op)
	}

	values := eig.Values(nil)
	minEig := values[0]
	for _, v := range values[1:] {
		if v < minEig {
			minEig = v
		}
	}

	if minEig >= -pc.tolerance {
		return sigma, &CorrectionReport{MinEigenvalue: minEig}, nil
	}

	// Shift the diagonal by the magnitude of the most negative eigenvalue,
	// moving the minimum eigenvalue to exactly zero.
	shift := -minEig
	n := sigma.SymmetricDim()
	corrected := mat.NewSymDense(n, nil)
	corrected.CopySym(sigma)
	for i := 0; i < n; i++ {
		corrected.SetSym(i, i, sigma.At(i, i)+shift)
	}

	pc.logger.Warn("Covariance surrogate is not PSD, applying diagonal shift",
		zap.Float64("min_eigenvalue", minEig),
		zap.Float64("shift", shift),
	)

	return corrected, &CorrectionReport{
		MinEigenvalue: minEig,
		Shift:         shift,
		Corrected:     true,
	}, nil
}

package regression

import (
	"gonum.org/v1/gonum/mat"
)

// ErrorsPolicy controls what happens when the eigendecomposition used for
// the positive-semidefiniteness check fails to converge.
type ErrorsPolicy string

const (
	// PolicyRaise aborts the fit with a convergence error. This is the default.
	PolicyRaise ErrorsPolicy = "raise"
	// PolicyIgnore skips the PSD verification entirely and passes the
	// surrogate matrix through uncorrected. Unsafe: the solver may then run
	// against a matrix that does not define a convex quadratic form, with
	// undefined numerical behavior.
	PolicyIgnore ErrorsPolicy = "ignore"
)

// Config contains the hyperparameters and numeric tolerances for one fit.
// The zero value is not usable; start from DefaultConfig.
type Config struct {
	// Alpha is the L1 regularization strength. Must be >= 0. Alpha = 0
	// degenerates to unregularized least squares against the surrogate matrix.
	Alpha float64

	// MaxIter is the maximum number of full coordinate-descent sweeps.
	MaxIter int

	// Tol is the convergence tolerance: a sweep whose largest coordinate
	// change falls below Tol terminates the solver.
	Tol float64

	// MinSupport is the minimum number of jointly observed rows required for
	// each feature pair entering the covariance surrogate. Pairs below the
	// threshold make the estimate statistically unreliable and abort the fit.
	MinSupport int

	// EigenTolerance is the tolerance used to decide whether the surrogate
	// matrix is already positive-semidefinite: eigenvalues above
	// -EigenTolerance are accepted without correction.
	EigenTolerance float64

	// ErrorsHandling selects the failure policy for the PSD verification step.
	ErrorsHandling ErrorsPolicy
}

// DefaultConfig returns the recommended defaults for a fit.
func DefaultConfig() Config {
	return Config{
		Alpha:          1.0,
		MaxIter:        1000,
		Tol:            1e-6,
		MinSupport:     2,
		EigenTolerance: 1e-10,
		ErrorsHandling: PolicyRaise,
	}
}

// Validate rejects configurations before any computation begins.
func (c Config) Validate() error {
	const op = "Config.Validate"

	if c.Alpha < 0 {
		return NewErrorf(KindInvalidConfig, "alpha must be non-negative, got %v", c.Alpha).WithOperation(op)
	}
	if c.MaxIter < 1 {
		return NewErrorf(KindInvalidConfig, "max_iter must be at least 1, got %d", c.MaxIter).WithOperation(op)
	}
	if c.Tol <= 0 {
		return NewErrorf(KindInvalidConfig, "tol must be positive, got %v", c.Tol).WithOperation(op)
	}
	if c.MinSupport < 1 {
		return NewErrorf(KindInvalidConfig, "min_support must be at least 1, got %d", c.MinSupport).WithOperation(op)
	}
	if c.EigenTolerance <= 0 {
		return NewErrorf(KindInvalidConfig, "eigen tolerance must be positive, got %v", c.EigenTolerance).WithOperation(op)
	}
	switch c.ErrorsHandling {
	case PolicyRaise, PolicyIgnore:
	default:
		return NewErrorf(KindInvalidConfig, "unrecognized errors_handling value %q", c.ErrorsHandling).WithOperation(op)
	}
	return nil
}

// FitResult contains the outcome of a completed fit.
type FitResult struct {
	// Coefficients is the fitted coefficient vector. Entries driven to
	// exactly zero by the L1 penalty mark features excluded from the model.
	Coefficients []float64

	// Intercept is computed from the observed-subset centering statistics.
	Intercept float64

	// Converged is false when the solver exhausted MaxIter without the
	// largest coordinate change falling below Tol. The coefficients are
	// still the best found; the caller may retry with a relaxed tolerance.
	Converged bool

	// Iterations is the number of full coordinate sweeps performed.
	Iterations int

	// PSDShift is the uniform diagonal shift applied to restore
	// positive-semidefiniteness, or 0 when no correction was needed.
	PSDShift float64

	// MinEigenvalue is the smallest eigenvalue of the surrogate matrix
	// before correction.
	MinEigenvalue float64

	// Warnings collects the structured warnings emitted during the fit
	// (PSD correction, solver non-convergence) for the caller to surface.
	Warnings []string
}

// Estimator is the interface implemented by regression estimators that fit
// on possibly incomplete data and predict on complete data.
type Estimator interface {
	// Fit estimates the model from X (missing entries marked NaN) and y.
	Fit(X *mat.Dense, y *mat.VecDense) error

	// Predict evaluates the fitted model on fully observed rows.
	Predict(X *mat.Dense) (*mat.VecDense, error)

	// Result returns the outcome of the last successful fit.
	Result() *FitResult
}

package regression

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a regression error.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota
	// KindInvalidConfig marks a configuration rejected before computation
	// (negative alpha, max_iter below 1, non-positive tol, unknown policy).
	KindInvalidConfig
	// KindDataInsufficiency marks a required jointly-observed count of zero
	// or below the minimum support threshold. Always fatal to a fit.
	KindDataInsufficiency
	// KindSolverConvergence marks an eigendecomposition that failed to
	// converge during PSD verification. Fatal unless the caller opted into
	// the ignore policy.
	KindSolverConvergence
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidConfig:
		return "invalid_configuration"
	case KindDataInsufficiency:
		return "data_insufficiency"
	case KindSolverConvergence:
		return "solver_convergence"
	default:
		return "unknown"
	}
}

// Error represents a regression error with context
// that can be wrapped with additional information.
type Error struct {
	// Kind classifies the error for programmatic handling.
	Kind Kind
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new regression error with the given kind and message.
func NewError(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// NewErrorf creates a new regression error with a formatted message.
func NewErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// IsKind reports whether any error in err's chain is a regression error of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned when a backend does not provide an optional capability,
	// such as an output channel. It is a capability query outcome rather than a failure.
	ErrUnsupported = errors.ErrUnsupported

	ErrIllegalTransition = errors.New("illegal runtime state transition")
	ErrRuntimeNotFound   = errors.New("no runtime found")
)

// ValidationError reports a desired environment or identity that is structurally invalid.
// It is a caller error and is never retried.
type ValidationError struct {
	Message string
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return "invalid environment: " + e.Message
}

// InfrastructureError reports a backend communication or resource failure. It may be transient.
type InfrastructureError struct {
	Message string
	Err     error
}

func NewInfrastructureError(err error, format string, args ...interface{}) *InfrastructureError {
	return &InfrastructureError{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func (e *InfrastructureError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

func IsInfrastructureError(err error) bool {
	var ierr *InfrastructureError
	return errors.As(err, &ierr)
}

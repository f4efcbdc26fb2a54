package handle

import "errors"

// Sentinel errors returned by this package. Callers at the engine/facade
// boundary translate these into the public bulk.ErrorCode taxonomy.
var (
	ErrInvalidArgument = errors.New("handle: invalid argument")
	ErrOverflow        = errors.New("handle: access window exceeds total length")
	ErrPermission      = errors.New("handle: operation not permitted by access mode")
	ErrNAFailure       = errors.New("handle: underlying NA operation failed")
)

// wrapNA wraps an NA-layer error so callers can still errors.Is against
// ErrNAFailure while retaining the original message via %w-compatible
// Unwrap.
func wrapNA(err error) error {
	return &naError{inner: err}
}

type naError struct{ inner error }

func (e *naError) Error() string { return "handle: na error: " + e.inner.Error() }
func (e *naError) Unwrap() error { return e.inner }
func (e *naError) Is(target error) bool {
	return target == ErrNAFailure
}

package bulk

import (
	"errors"
	"fmt"

	"github.com/daos-stack/mercury-bulk/internal/engine"
	"github.com/daos-stack/mercury-bulk/internal/handle"
)

// ErrorCode is the closed set of high-level outcomes a bulk operation can
// report, mirrored directly from the reference implementation's
// HG_{SUCCESS,NOMEM,INVALID_ARG,PERMISSION,OVERFLOW,OPNOTSUPPORTED,
// CANCELED,PROTOCOL_ERROR,NA_ERROR} return codes.
type ErrorCode string

const (
	CodeSuccess       ErrorCode = "success"
	CodeNoMem         ErrorCode = "nomem"
	CodeInvalidArg    ErrorCode = "invalid argument"
	CodePermission    ErrorCode = "permission denied"
	CodeOverflow      ErrorCode = "overflow"
	CodeOpNotSupport  ErrorCode = "operation not supported"
	CodeCancelled     ErrorCode = "cancelled"
	CodeProtocolError ErrorCode = "protocol error"
	CodeNAError       ErrorCode = "na error"
)

// Error is a structured bulk error carrying an ErrorCode and, where
// applicable, the wrapped cause.
type Error struct {
	Op    string    // Operation that failed (e.g. "Create", "Transfer")
	Code  ErrorCode // High-level error category
	Msg   string    // Human-readable message
	Inner error     // Wrapped error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("bulk: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("bulk: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

func newError(op string, code ErrorCode, inner error) *Error {
	msg := string(code)
	if inner != nil {
		msg = inner.Error()
	}
	return &Error{Op: op, Code: code, Msg: msg, Inner: inner}
}

func translateHandleErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, handle.ErrInvalidArgument):
		return newError("Create", CodeInvalidArg, err)
	case errors.Is(err, handle.ErrOverflow):
		return newError("Access", CodeOverflow, err)
	case errors.Is(err, handle.ErrPermission):
		return newError("Access", CodePermission, err)
	case errors.Is(err, handle.ErrNAFailure):
		return newError("Create", CodeNAError, err)
	default:
		return newError("Create", CodeNAError, err)
	}
}

func translateEngineErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		return newError("Transfer", CodeInvalidArg, err)
	case errors.Is(err, engine.ErrPermission):
		return newError("Transfer", CodePermission, err)
	case errors.Is(err, engine.ErrOverflow):
		return newError("Transfer", CodeOverflow, err)
	case errors.Is(err, engine.ErrOpNotSupported):
		return newError("Transfer", CodeOpNotSupport, err)
	case errors.Is(err, engine.ErrCancelled):
		return newError("Transfer", CodeCancelled, err)
	case errors.Is(err, engine.ErrProtocol):
		return newError("Transfer", CodeProtocolError, err)
	default:
		return newError("Transfer", CodeNAError, err)
	}
}

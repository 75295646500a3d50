package falcon

import (
	"code.hybscloud.com/iox"

	"github.com/ehrlich-b/go-falcon/internal/fault"
)

// Error represents a structured falcon queue error with context
type Error = fault.Error

// ErrorCode represents high-level error categories
type ErrorCode = fault.Code

const (
	ErrCodeInvalidArgument  = fault.CodeInvalidArgument
	ErrCodeInvalidDirection = fault.CodeInvalidDirection
	ErrCodeOutOfMemory      = fault.CodeOutOfMemory
	ErrCodeNotImplemented   = fault.CodeNotImplemented
	ErrCodeBusy             = fault.CodeBusy
	ErrCodeIOError          = fault.CodeIOError
	ErrCodeTimeout          = fault.CodeTimeout
	ErrCodeClosed           = fault.CodeClosed
)

// Sentinel errors for use with errors.Is. Any *Error with the same code
// matches.
var (
	ErrInvalidArgument  error = fault.New("", fault.CodeInvalidArgument, "")
	ErrInvalidDirection error = fault.New("", fault.CodeInvalidDirection, "")
	ErrOutOfMemory      error = fault.New("", fault.CodeOutOfMemory, "")
	ErrNotImplemented   error = fault.New("", fault.CodeNotImplemented, "")
	ErrBusy             error = fault.New("", fault.CodeBusy, "")
	ErrIOError          error = fault.New("", fault.CodeIOError, "")
	ErrTimeout          error = fault.New("", fault.CodeTimeout, "")
	ErrClosed           error = fault.New("", fault.CodeClosed, "")
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return fault.New(op, code, msg)
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, flcn uint32, queue uint32, code ErrorCode, msg string) *Error {
	return fault.NewQueue(op, flcn, queue, code, msg)
}

// WrapError wraps an existing error with queue context. Errno values from
// register access are mapped to their error code.
func WrapError(op string, flcn uint32, queue uint32, inner error) error {
	return fault.Wrap(op, flcn, queue, inner)
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	return fault.IsCode(err, code)
}

// IsBusy reports whether err means a queue had no room. Busy is a flow
// control signal: the caller retries later.
func IsBusy(err error) bool {
	return iox.IsWouldBlock(err)
}

// Package fault defines the structured error type shared by the queue engine
// and its public API
package fault

import (
	"errors"
	"fmt"
	"syscall"

	"code.hybscloud.com/iox"
)

// Code represents high-level error categories
type Code string

const (
	CodeInvalidArgument  Code = "invalid argument"
	CodeInvalidDirection Code = "invalid queue direction"
	CodeOutOfMemory      Code = "out of memory"
	CodeNotImplemented   Code = "not implemented"
	CodeBusy             Code = "queue busy"
	CodeIOError          Code = "I/O error"
	CodeTimeout          Code = "timeout"
	CodeClosed           Code = "queue closed"
)

// NoQueue marks errors that are not tied to a queue
const NoQueue = -1

// Error represents a structured falcon queue error with context
type Error struct {
	Op     string // Operation that failed (e.g., "PUSH", "HEAD_GET")
	Falcon uint32 // Falcon ID (0 if not applicable)
	Queue  int    // Queue ID (NoQueue if not applicable)
	Code   Code   // High-level error category
	Msg    string // Human-readable message
	Inner  error  // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	switch {
	case e.Op != "" && e.Queue >= 0:
		return fmt.Sprintf("falcon: %s (op=%s, flcn=%d, queue=%d)", msg, e.Op, e.Falcon, e.Queue)
	case e.Op != "":
		return fmt.Sprintf("falcon: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("falcon: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches other structured errors by code. Busy errors also match
// iox.ErrWouldBlock so that iox.IsWouldBlock works on them.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	if target == iox.ErrWouldBlock {
		return e.Code == CodeBusy
	}

	return false
}

// New creates a new structured error
func New(op string, code Code, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: NoQueue,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueue creates a new queue-specific error
func NewQueue(op string, flcn uint32, queue uint32, code Code, msg string) *Error {
	return &Error{
		Op:     op,
		Falcon: flcn,
		Queue:  int(queue),
		Code:   code,
		Msg:    msg,
	}
}

// Wrap wraps an existing error with queue context. Errors that are already
// structured keep their code; anything else is reported as an I/O error.
// A nil inner error returns nil.
func Wrap(op string, flcn uint32, queue uint32, inner error) error {
	if inner == nil {
		return nil
	}

	var fe *Error
	if errors.As(inner, &fe) {
		return &Error{
			Op:     op,
			Falcon: flcn,
			Queue:  int(queue),
			Code:   fe.Code,
			Msg:    fe.Msg,
			Inner:  inner,
		}
	}

	code := CodeIOError
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		code = mapErrno(errno)
	}

	return &Error{
		Op:     op,
		Falcon: flcn,
		Queue:  int(queue),
		Code:   code,
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

// mapErrno maps errors from register aperture access to error codes
func mapErrno(errno syscall.Errno) Code {
	switch errno {
	case syscall.EBUSY, syscall.EAGAIN:
		return CodeBusy
	case syscall.EINVAL, syscall.ERANGE:
		return CodeInvalidArgument
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeNotImplemented
	case syscall.ENOMEM:
		return CodeOutOfMemory
	case syscall.ETIMEDOUT:
		return CodeTimeout
	default:
		return CodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

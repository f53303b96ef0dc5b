package plasma

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/plasma-store/plasma-store/internal/eventloop"
)

// Error is a structured store error carrying the operation and object id
// context that produced it and, where applicable, the kernel errno behind
// it.
type Error struct {
	Op    string // opcode or operation that failed, e.g. "CREATE", "SEAL"
	ID    ObjectID
	HasID bool
	Code  ErrorCode
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.HasID {
		parts = append(parts, fmt.Sprintf("id=%s", e.ID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("plasma: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("plasma: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is match two *Error values by Code alone, so callers can
// write errors.Is(err, plasma.ErrObjectNotFound) without caring about the
// specific op or id attached.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode is a high-level error category, stable across Op values so
// callers can branch on it.
type ErrorCode string

const (
	ErrCodeObjectExists    ErrorCode = "object already exists"
	ErrCodeObjectNotFound  ErrorCode = "object not found"
	ErrCodeObjectNotSealed ErrorCode = "object not sealed"
	ErrCodeObjectSealed    ErrorCode = "object already sealed"
	ErrCodeAllocFailed     ErrorCode = "allocation failed"
	ErrCodeUnknownOpcode   ErrorCode = "unknown opcode"
	ErrCodeProtocol        ErrorCode = "protocol violation"
	ErrCodeIOError         ErrorCode = "I/O error"
	ErrCodeClosed          ErrorCode = "store closed"
	ErrCodeFatal           ErrorCode = "fatal programming error"
)

// Sentinel *Error values for errors.Is comparisons against a bare code,
// e.g. errors.Is(err, plasma.ErrObjectNotFound).
var (
	ErrObjectExists    = &Error{Code: ErrCodeObjectExists}
	ErrObjectNotFound  = &Error{Code: ErrCodeObjectNotFound}
	ErrObjectNotSealed = &Error{Code: ErrCodeObjectNotSealed}
	ErrObjectSealed    = &Error{Code: ErrCodeObjectSealed}
	ErrClosed          = &Error{Code: ErrCodeClosed}
)

// NewError creates a new structured error with no object id attached.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewObjectError creates a new structured error scoped to a specific
// object id.
func NewObjectError(op string, id ObjectID, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ID: id, HasID: true, Code: code, Msg: msg}
}

// WrapError wraps an existing error with store operation context,
// mapping a bare syscall.Errno to the matching ErrorCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if pe, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			ID:    pe.ID,
			HasID: pe.HasID,
			Code:  pe.Code,
			Errno: pe.Errno,
			Msg:   pe.Msg,
			Inner: pe.Inner,
		}
	}

	// A panicking dispatcher callback (duplicate CREATE, DELETE of an
	// unsealed/unknown id, unknown opcode) surfaces here as an
	// *eventloop.PanicError once Store.Run propagates it; it is always a
	// fatal programming error, never a transient I/O condition.
	var panicErr *eventloop.PanicError
	if errors.As(inner, &panicErr) {
		return &Error{
			Op:    op,
			Code:  ErrCodeFatal,
			Msg:   panicErr.Error(),
			Inner: inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeObjectNotFound
	case syscall.EEXIST:
		return ErrCodeObjectExists
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeAllocFailed
	case syscall.EINVAL:
		return ErrCodeProtocol
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err is (or wraps) a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
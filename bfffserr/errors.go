// Package bfffserr centralizes the error Kinds and POSIX-flavored numeric
// codes exposed across the storage stack (spec.md §6, §7), the way
// go-ethereum centralizes consensus errors in a single package rather than
// scattering sentinel values per-package.
package bfffserr

import (
	"errors"
	"syscall"
)

// Kind classifies an error for logging and for the daemon/CLI translation
// layer. It does not replace Go's error wrapping; callers still use
// errors.Is/errors.As against the sentinel values below.
type Kind int

const (
	KindIntegrityFailure Kind = iota
	KindNotFound
	KindIoError
	KindPermissionDenied
	KindBusy
	KindUnsupported
	KindCorruption
	KindShuttingDown
)

func (k Kind) String() string {
	switch k {
	case KindIntegrityFailure:
		return "IntegrityFailure"
	case KindNotFound:
		return "NotFound"
	case KindIoError:
		return "IoError"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindBusy:
		return "Busy"
	case KindUnsupported:
		return "Unsupported"
	case KindCorruption:
		return "Corruption"
	case KindShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// Errno is the numeric value exposed to the RPC/CLI boundary, matching
// POSIX errno where a natural mapping exists (spec.md §6).
type Errno int

const (
	// EINTEGRITY has no POSIX counterpart, so it sits outside the errno range.
	EINTEGRITY Errno = 1000
	ENOENT     Errno = Errno(syscall.ENOENT)
	EPERM      Errno = Errno(syscall.EPERM)
	EPIPE      Errno = Errno(syscall.EPIPE)
	EAGAIN     Errno = Errno(syscall.EAGAIN)
	ENOSYS     Errno = Errno(syscall.ENOSYS)
)

// Error is the error type returned across every layer's public API.
type Error struct {
	Kind  Kind
	Errno Errno
	msg   string
	err   error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New constructs an Error of the given kind and message.
func New(kind Kind, errno Errno, msg string) *Error {
	return &Error{Kind: kind, Errno: errno, msg: msg}
}

// Wrap constructs an Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, errno Errno, msg string, err error) *Error {
	return &Error{Kind: kind, Errno: errno, msg: msg, err: err}
}

// Sentinel errors matched with errors.Is throughout the stack.
var (
	ErrIntegrity   = New(KindIntegrityFailure, EINTEGRITY, "checksum mismatch")
	ErrNotFound    = New(KindNotFound, ENOENT, "not found")
	ErrPermission  = New(KindPermissionDenied, EPERM, "permission denied")
	ErrBusy        = New(KindBusy, EAGAIN, "resource busy")
	ErrUnsupported = New(KindUnsupported, ENOSYS, "unsupported")
	ErrCorruption  = New(KindCorruption, EPIPE, "on-disk invariant violated")
	ErrShuttingDown = New(KindShuttingDown, EAGAIN, "shutting down")
)

// Is implements errors.Is matching by Kind so that wrapped errors of the
// same Kind compare equal regardless of message.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// Package model holds the data types shared by every layer of the core:
// device properties and runtime state, request elements, and the
// structured error type used to report failures across the control plane,
// the registry, and the per-device engine.
package model

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

// ErrorKind is the high-level error category returned by every control
// plane command and every internal operation that can fail.
type ErrorKind string

const (
	KindInvalidParameter  ErrorKind = "invalid_parameter"
	KindBufferOverflow    ErrorKind = "buffer_overflow"
	KindBufferTooSmall    ErrorKind = "buffer_too_small"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidHandle     ErrorKind = "invalid_handle"
	KindNameCollision     ErrorKind = "name_collision"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindConnectionLost    ErrorKind = "connection_lost"
	KindNegotiationFailed ErrorKind = "negotiation_failed"
	KindOutOfResources    ErrorKind = "out_of_resources"
	KindAborted           ErrorKind = "aborted"
	KindTimeout           ErrorKind = "timeout"
	KindInternalError     ErrorKind = "internal_error"
	KindNoDevice          ErrorKind = "no_device"
	KindInvalidRequest    ErrorKind = "invalid_request"
)

// Error is a structured error with enough context to log and to classify
// programmatically, following the op/device/kind/errno/msg/inner shape used
// throughout the core.
type Error struct {
	Op     string // operation that failed, e.g. "Create", "RequestLoop"
	Device string // instance name, empty if not device-specific
	Kind   ErrorKind
	Errno  syscall.Errno // 0 if not applicable
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Op != "" && e.Device != "":
		return fmt.Sprintf("wnbd: %s: device=%s: %s", e.Op, e.Device, msg)
	case e.Op != "":
		return fmt.Sprintf("wnbd: %s: %s", e.Op, msg)
	default:
		return fmt.Sprintf("wnbd: %s", msg)
	}
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparisons against another *Error by Kind alone,
// so callers can write errors.Is(err, &model.Error{Kind: model.KindNotFound}).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New builds a plain *Error for the given operation and kind.
func New(op string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewDevice builds a device-scoped *Error.
func NewDevice(op, device string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, Device: device, Kind: kind, Msg: msg}
}

// Wrap classifies an arbitrary error (typically from syscall/net) into a
// structured *Error, classifying connection-class errno values so
// transport failures latch hard_terminate on the owning device.
func Wrap(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Op: op, Device: existing.Device, Kind: existing.Kind, Errno: existing.Errno, Msg: existing.Msg, Inner: existing.Inner}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &Error{Op: op, Kind: classifyErrno(errno), Errno: errno, Msg: errno.Error(), Inner: err}
	}

	// A peer closing its write side (graceful EOF) or closing mid-frame
	// (unexpected EOF) is a connection-class failure same as ECONNRESET,
	// an "established socket failed mid-operation" condition: it is not
	// a syscall.Errno, but it must still latch hard_terminate rather than
	// fall through to InternalError and be silently retried forever.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Op: op, Kind: KindConnectionLost, Msg: err.Error(), Inner: err}
	}
	return &Error{Op: op, Kind: KindInternalError, Msg: err.Error(), Inner: err}
}

// classifyErrno maps a raw errno to the error kind a connection-class
// failure should surface as.
func classifyErrno(errno syscall.Errno) ErrorKind {
	switch errno {
	case syscall.ECONNRESET, syscall.EPIPE, syscall.ECONNABORTED, syscall.ENOTCONN, syscall.ESHUTDOWN:
		return KindConnectionLost
	case syscall.ETIMEDOUT:
		return KindTimeout
	case syscall.ECONNREFUSED:
		return KindConnectionRefused
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EAGAIN:
		return KindOutOfResources
	case syscall.EINVAL:
		return KindInvalidParameter
	default:
		return KindInternalError
	}
}

// IsConnectionClass reports whether err represents a transport failure that
// must latch hard_terminate on the owning device.
func IsConnectionClass(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindConnectionLost || e.Kind == KindTimeout
	}
	return false
}

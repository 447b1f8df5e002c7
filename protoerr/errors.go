// Package protoerr is the error taxonomy shared by the registry, account and
// payment components.
//
// Callers should branch on Code (via errors.Is against the Err* values, or
// CodeOf) rather than matching Error() strings, which are for humans and may
// change.
package protoerr

import (
	"errors"
	"fmt"
)

// Code is a stable category for programmatic error handling.
type Code string

const (
	AlreadyRegistered Code = "AlreadyRegistered"
	NotRegistered     Code = "NotRegistered"
	InvalidAmount     Code = "InvalidAmount"
	InvalidAddress    Code = "InvalidAddress"
	InvalidState      Code = "InvalidState"
	Unauthorized      Code = "Unauthorized"
	TransferFailed    Code = "TransferFailed"
	AlreadyDeployed   Code = "AlreadyDeployed"

	InvalidSignature Code = "InvalidSignature"
	ReplayedNonce    Code = "ReplayedNonce"
	UnknownMethod    Code = "UnknownMethod"
	Internal         Code = "Internal"
)

// Codes lists every defined code.
var Codes = []Code{
	AlreadyRegistered, NotRegistered, InvalidAmount, InvalidAddress, InvalidState,
	Unauthorized, TransferFailed, AlreadyDeployed,
	InvalidSignature, ReplayedNonce, UnknownMethod, Internal,
}

// Error is the structured error returned by every state-changing operation.
//
// Op names the operation that failed (e.g. "payments.pay"). Message is for
// humans; do not match on it.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *Error with the same Code, so errors.Is(err, ErrInvalidState)
// works regardless of Op and Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is.
var (
	ErrAlreadyRegistered = &Error{Code: AlreadyRegistered}
	ErrNotRegistered     = &Error{Code: NotRegistered}
	ErrInvalidAmount     = &Error{Code: InvalidAmount}
	ErrInvalidAddress    = &Error{Code: InvalidAddress}
	ErrInvalidState      = &Error{Code: InvalidState}
	ErrUnauthorized      = &Error{Code: Unauthorized}
	ErrTransferFailed    = &Error{Code: TransferFailed}
	ErrAlreadyDeployed   = &Error{Code: AlreadyDeployed}
	ErrInvalidSignature  = &Error{Code: InvalidSignature}
	ErrReplayedNonce     = &Error{Code: ReplayedNonce}
	ErrUnknownMethod     = &Error{Code: UnknownMethod}
)

// New returns an *Error with a formatted message.
func New(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error carrying cause. A nil cause yields a plain *Error.
func Wrap(code Code, op string, cause error, msg string) error {
	return &Error{Code: code, Op: op, Message: msg, Cause: cause}
}

// CodeOf returns the Code of err, or "" when err is nil or not structured.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// IsCode reports whether err is (or wraps) an *Error with the given Code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Known reports whether c is one of the defined codes.
func Known(c Code) bool {
	for _, k := range Codes {
		if k == c {
			return true
		}
	}
	return false
}

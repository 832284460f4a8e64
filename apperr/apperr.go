// Package apperr implements the error taxonomy used across the messaging
// substate: every failure that crosses a component boundary is classified
// into one of a fixed set of kinds so callers can branch on behavior
// (retry, surface to the user, drop silently) without parsing strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions (section 7).
type Kind string

const (
	KindTransport        Kind = "transport"
	KindProtocol         Kind = "protocol"
	KindAuthentication   Kind = "authentication"
	KindAuthorization    Kind = "authorization"
	KindRateLimited      Kind = "rate_limited"
	KindTimeout          Kind = "timeout"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindIntegrity        Kind = "integrity"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindStorage          Kind = "storage"
)

// Error wraps an underlying cause with a Kind and the component that raised it.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no underlying cause.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap attaches a Kind and component to an existing error.
func Wrap(kind Kind, component, message string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Sentinel errors for conditions that are checked by identity rather than kind.
var (
	ErrUsernameTaken      = New(KindConflict, "registry", "username already registered to another peer")
	ErrNotFound           = New(KindNotFound, "registry", "record not found")
	ErrNetworkUnreachable = New(KindTransport, "registry", "all peers errored")
	ErrInvalidSignature   = New(KindAuthentication, "registry", "signature verification failed")
	ErrRateLimited        = New(KindRateLimited, "handshake", "exchange attempted too soon")
	ErrPendingExists       = New(KindConflict, "handshake", "a pending key exchange already exists for this peer")
	ErrSessionDesync      = New(KindAuthentication, "session", "decryption failed, session cleared")
	ErrNonceReused        = New(KindProtocol, "session", "nonce reused for this key")
	ErrCapacityExceeded   = New(KindCapacityExceeded, "offline", "bucket at capacity")
	ErrIntegrity          = New(KindIntegrity, "filetransfer", "checksum mismatch")
	ErrBlocked            = New(KindAuthorization, "gating", "peer is blocked")
)

package client

import (
	"errors"
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/credit"
	"github.com/marmos91/smbclient/internal/smb/types"
)

var (
	// ErrCreditTimeout is returned when no credits became available within
	// the response timeout. The connection stays usable; callers may retry.
	ErrCreditTimeout = credit.ErrTimeout

	// ErrResponseTimeout is wrapped in a TransportError when a response did
	// not arrive in time. The connection is torn down.
	ErrResponseTimeout = errors.New("timed out waiting for response")

	// ErrSignatureVerification is wrapped by every SignatureError.
	ErrSignatureVerification = errors.New("signature verification failed")

	// ErrUnsupported reports a feature the server or this client does not
	// implement.
	ErrUnsupported = errors.New("operation not supported")

	// ErrDisconnected is returned when a connection is not usable.
	ErrDisconnected = errors.New("connection is disconnected")

	// ErrRequestTooLarge is returned when a single request exceeds the
	// maximum buffer size and cannot be split further.
	ErrRequestTooLarge = errors.New("request exceeds maximum buffer size")

	// ErrPoolFull is returned when the pool reached its size limit and no
	// idle connection could be evicted.
	ErrPoolFull = errors.New("connection pool is full")

	// ErrSessionLimit is returned when a connection already carries the
	// configured number of sessions.
	ErrSessionLimit = errors.New("session limit reached on connection")

	// ErrSessionClosed is returned by operations on a logged off or
	// invalidated session.
	ErrSessionClosed = errors.New("session is closed")
)

// TransportError is a connection-fatal failure: I/O errors, response
// timeouts and malformed framing. Every pending request on the connection
// fails with one, and the connection renegotiates on next use.
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smb transport %s %s: %v", e.Server, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-success status returned by the server for one
// request. The connection stays usable.
type StatusError struct {
	Command string
	Status  types.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %s (0x%08X)", e.Command, e.Status, uint32(e.Status))
}

// Is matches ErrUnsupported for the statuses that mean "not implemented".
func (e *StatusError) Is(target error) bool {
	return target == ErrUnsupported && e.Status.IsUnsupported()
}

// AuthError is a StatusError from the access-denied and logon-failure
// family.
type AuthError struct {
	StatusError
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.StatusError.Error()
}

func (e *AuthError) Unwrap() error { return &e.StatusError }

// SignatureError reports a response whose signature did not verify, or an
// unsigned response on a session that requires signing.
type SignatureError struct {
	Command   string
	MessageID uint64
	Unsigned  bool
}

func (e *SignatureError) Error() string {
	if e.Unsigned {
		return fmt.Sprintf("%s (mid %d): response not signed: %v", e.Command, e.MessageID, ErrSignatureVerification)
	}
	return fmt.Sprintf("%s (mid %d): %v", e.Command, e.MessageID, ErrSignatureVerification)
}

func (e *SignatureError) Unwrap() error { return ErrSignatureVerification }

// ProtocolError reports a message that violates the wire format.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "smb protocol error: " + e.Reason }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// statusError builds the error value for a failed status, classifying the
// authentication family.
func statusError(command string, status types.Status) error {
	se := StatusError{Command: command, Status: status}
	if status.IsAuthFailure() {
		return &AuthError{StatusError: se}
	}
	return &se
}

// StatusOf extracts the server status from err, if it carries one.
func StatusOf(err error) (types.Status, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}

// IsTransportError reports whether err tore down the connection.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

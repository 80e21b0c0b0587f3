package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging. Use these consistently so that
// log lines from the connection, session and DFS layers can be correlated.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Endpoint
	// ========================================================================
	KeyServer    = "server"     // Target host name as given by the caller
	KeyAddress   = "address"    // Resolved remote address
	KeyPort      = "port"       // Remote TCP port (445 or 139)
	KeyLocalAddr = "local_addr" // Local binding, when configured
	KeyDomain    = "domain"     // Authentication domain
	KeyShare     = "share"      // Tree share name
	KeyPath      = "path"       // DFS or share-relative path

	// ========================================================================
	// Protocol
	// ========================================================================
	KeyDialect   = "dialect"    // Negotiated dialect (SMB 2.1, SMB 3.1.1, ...)
	KeyCommand   = "command"    // SMB command name
	KeyMessageID = "message_id" // SMB message id (SMB2) or mid (SMB1)
	KeyAsyncID   = "async_id"   // Async id of an interim response
	KeyStatus    = "status"     // NT status
	KeyCredits   = "credits"    // Credits granted or available
	KeyCharge    = "charge"     // Credit charge of a request
	KeySize      = "size"       // Frame or payload size in bytes
	KeyCipher    = "cipher"     // Encryption cipher
	KeySigning   = "signing"    // Signing algorithm

	// ========================================================================
	// Session & Connection
	// ========================================================================
	KeySessionID    = "session_id"
	KeyTreeID       = "tree_id"
	KeyConnectionID = "connection_id"
	KeyState        = "state"
	KeyUsage        = "usage"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyOperation  = "operation"
	KeyAttempt    = "attempt"
	KeyCount      = "count"
)

// Err returns an error attribute, or an empty attribute for nil errors.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Status formats an NT status code as a hex attribute.
func Status(code uint32) slog.Attr {
	return slog.String(KeyStatus, fmt.Sprintf("0x%08X", code))
}

// MessageID returns a message id attribute.
func MessageID(mid uint64) slog.Attr {
	return slog.Uint64(KeyMessageID, mid)
}

// SessionID formats a session id as a hex attribute.
func SessionID(id uint64) slog.Attr {
	return slog.String(KeySessionID, fmt.Sprintf("0x%016x", id))
}

// Server returns a server attribute.
func Server(host string) slog.Attr {
	return slog.String(KeyServer, host)
}

// DurationMs returns the elapsed milliseconds attribute.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

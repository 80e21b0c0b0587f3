package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for client operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// ========================================================================
	// Endpoint attributes
	// ========================================================================
	AttrServerAddress = "server.address"
	AttrServerPort    = "server.port"
	AttrNetworkPeer   = "network.peer.address"

	// ========================================================================
	// Local client attributes (resource level)
	// ========================================================================
	AttrClientWorkstation       = "smb.client.workstation"
	AttrClientMinDialect        = "smb.client.min_dialect"
	AttrClientMaxDialect        = "smb.client.max_dialect"
	AttrClientSigningRequired   = "smb.client.signing_required"
	AttrClientEncryptionEnabled = "smb.client.encryption_enabled"

	// ========================================================================
	// SMB protocol attributes
	// ========================================================================
	AttrSMBDialect   = "smb.dialect"
	AttrSMBCommand   = "smb.command"
	AttrSMBMessageID = "smb.message_id"
	AttrSMBSessionID = "smb.session_id"
	AttrSMBTreeID    = "smb.tree_id"
	AttrSMBShare     = "smb.share"
	AttrSMBService   = "smb.service"
	AttrSMBStatus    = "smb.status"
	AttrSMBCredits   = "smb.credits"
	AttrSMBCharge    = "smb.credit_charge"
	AttrSMBChainLen  = "smb.chain_length"
	AttrSMBSigned    = "smb.signed"
	AttrSMBEncrypted = "smb.encrypted"
	AttrSMBRequested = "smb.credits_requested"
	AttrSMBLeg       = "smb.setup_leg"

	// ========================================================================
	// DFS attributes
	// ========================================================================
	AttrDFSPath   = "dfs.path"
	AttrDFSTarget = "dfs.target"
	AttrDFSCached = "dfs.cached"

	// ========================================================================
	// Auth attributes
	// ========================================================================
	AttrIdentity = "user.identity"
)

// Span names.
// Format: smb.<operation>
const (
	SpanSMBConnect      = "smb.connect"
	SpanSMBNegotiate    = "smb.negotiate"
	SpanSMBSend         = "smb.send"
	SpanSMBRoundTrip    = "smb.round_trip"
	SpanSMBSessionSetup = "smb.session_setup"
	SpanSMBLogoff       = "smb.logoff"
	SpanSMBTreeConnect  = "smb.tree_connect"
	SpanSMBEcho         = "smb.echo"
	SpanDFSResolve      = "smb.dfs.resolve"
)

// Span events.
const (
	EventPort139Fallback   = "smb.port139_fallback"
	EventSessionSetupLeg   = "smb.session_setup.leg"
	EventPreauthHashUpdate = "smb.preauth_hash"
)

// ServerAddress returns an attribute for the target host
func ServerAddress(host string) attribute.KeyValue {
	return attribute.String(AttrServerAddress, host)
}

// ServerPort returns an attribute for the target port
func ServerPort(port int) attribute.KeyValue {
	return attribute.Int(AttrServerPort, port)
}

// NetworkPeer returns an attribute for the resolved remote address
func NetworkPeer(addr string) attribute.KeyValue {
	return attribute.String(AttrNetworkPeer, addr)
}

// SMBDialect returns an attribute for the negotiated dialect
func SMBDialect(dialect string) attribute.KeyValue {
	return attribute.String(AttrSMBDialect, dialect)
}

// SMBCommand returns an attribute for the SMB command name
func SMBCommand(cmd string) attribute.KeyValue {
	return attribute.String(AttrSMBCommand, cmd)
}

// SMBMessageID returns an attribute for a message id
func SMBMessageID(mid uint64) attribute.KeyValue {
	return attribute.Int64(AttrSMBMessageID, int64(mid))
}

// SMBSessionID returns an attribute for a session id in hex
func SMBSessionID(id uint64) attribute.KeyValue {
	return attribute.String(AttrSMBSessionID, fmt.Sprintf("0x%016x", id))
}

// SMBTreeID returns an attribute for a tree id
func SMBTreeID(id uint32) attribute.KeyValue {
	return attribute.Int64(AttrSMBTreeID, int64(id))
}

// SMBShare returns an attribute for the share name
func SMBShare(share string) attribute.KeyValue {
	return attribute.String(AttrSMBShare, share)
}

// SMBService is the tree connect service, e.g. "?????" or "IPC".
func SMBService(service string) attribute.KeyValue {
	return attribute.String(AttrSMBService, service)
}

// SMBStatus returns an attribute for an NT status
func SMBStatus(status string) attribute.KeyValue {
	return attribute.String(AttrSMBStatus, status)
}

// SMBCredits returns an attribute for credits available or granted
func SMBCredits(n int) attribute.KeyValue {
	return attribute.Int(AttrSMBCredits, n)
}

// SMBCharge returns an attribute for a request credit charge
func SMBCharge(n int) attribute.KeyValue {
	return attribute.Int(AttrSMBCharge, n)
}

// SMBChainLen returns an attribute for the number of requests in one wire write
func SMBChainLen(n int) attribute.KeyValue {
	return attribute.Int(AttrSMBChainLen, n)
}

// SMBSigned returns an attribute telling whether a message was signed
func SMBSigned(signed bool) attribute.KeyValue {
	return attribute.Bool(AttrSMBSigned, signed)
}

// SMBEncrypted returns an attribute telling whether a message was encrypted
func SMBEncrypted(encrypted bool) attribute.KeyValue {
	return attribute.Bool(AttrSMBEncrypted, encrypted)
}

// DFSPath returns an attribute for the path being resolved
func DFSPath(path string) attribute.KeyValue {
	return attribute.String(AttrDFSPath, path)
}

// DFSTarget returns an attribute for the resolved target
func DFSTarget(target string) attribute.KeyValue {
	return attribute.String(AttrDFSTarget, target)
}

// DFSCached returns an attribute telling whether a referral came from cache
func DFSCached(cached bool) attribute.KeyValue {
	return attribute.Bool(AttrDFSCached, cached)
}

// Identity returns an attribute for the authenticated principal
func Identity(id string) attribute.KeyValue {
	return attribute.String(AttrIdentity, id)
}

// SMBRequested returns an attribute for the credits asked for in a request
func SMBRequested(n int) attribute.KeyValue {
	return attribute.Int(AttrSMBRequested, n)
}

// SMBLeg returns an attribute numbering a SESSION_SETUP round trip
func SMBLeg(n int) attribute.KeyValue {
	return attribute.Int(AttrSMBLeg, n)
}

// StartConnectionSpan starts a span for a connection-level operation
// (connect, negotiate, echo) against host.
func StartConnectionSpan(ctx context.Context, name, host string, port int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ServerAddress(host),
		ServerPort(port),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartSendSpan starts a span for one wire write of n chained requests,
// named after the first command.
func StartSendSpan(ctx context.Context, command string, n int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		SMBCommand(command),
		SMBChainLen(n),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanSMBSend, trace.WithAttributes(allAttrs...))
}

// StartDFSSpan starts a span for a referral lookup.
func StartDFSSpan(ctx context.Context, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		DFSPath(path),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanDFSResolve, trace.WithAttributes(allAttrs...))
}

// StartRoundTripSpan starts a span for one compound on the wire, from its
// write to the last response. The message id is set once assigned.
func StartRoundTripSpan(ctx context.Context, host string, n int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ServerAddress(host),
		SMBChainLen(n),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanSMBRoundTrip, trace.WithAttributes(allAttrs...))
}

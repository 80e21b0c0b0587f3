// Package message encodes and decodes the SMB command bodies the engine
// issues itself: negotiate, session setup, logoff, tree connect and
// disconnect, IOCTL, echo, cancel and server notifications for SMB2, and
// the matching SMB1 commands plus TRANSACTION2.
//
// SMB2 bodies are encoded into a Writer that holds only the body; the
// engine prepends the 64-byte header. Offsets written into bodies are
// relative to the start of the SMB2 header, so encoders add
// types.SMB2HeaderSize and decoders subtract it. Decoders receive the body
// of a single compound member, starting right after its header.
//
// Filesystem-level commands are opaque to the engine and travel as
// RawRequest/RawResponse.
package message

import (
	"errors"
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// ErrMalformed is wrapped by every decode failure in this package.
var ErrMalformed = errors.New("malformed message")

// Request is an SMB2 request body.
type Request interface {
	Command() types.Command
	// Encode writes the body into w, which starts empty at the body.
	Encode(w *smbenc.Writer)
}

// Response is an SMB2 response body.
type Response interface {
	Decode(body []byte) error
}

// Payloader is implemented by requests that move a variable amount of data.
// The credit charge covers the larger of the request and expected response
// payloads, which PayloadSize reports.
type Payloader interface {
	PayloadSize() int
}

// OverflowTolerant is implemented by requests for which
// STATUS_BUFFER_OVERFLOW is a partial success rather than an error.
type OverflowTolerant interface {
	AcceptsBufferOverflow() bool
}

// PayloadSize returns the credit-relevant payload of req, 0 when req does
// not implement Payloader.
func PayloadSize(req Request) int {
	if p, ok := req.(Payloader); ok {
		return p.PayloadSize()
	}
	return 0
}

// AcceptsBufferOverflow reports whether req tolerates STATUS_BUFFER_OVERFLOW.
func AcceptsBufferOverflow(req Request) bool {
	if o, ok := req.(OverflowTolerant); ok {
		return o.AcceptsBufferOverflow()
	}
	return false
}

// EncodeBody encodes req into a fresh buffer.
func EncodeBody(req Request) ([]byte, error) {
	w := smbenc.NewWriter(128)
	req.Encode(w)
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Command(), err)
	}
	return w.Bytes(), nil
}

// bodyOffset converts a header-relative offset into a body index, checking
// that length bytes fit in a body of size n.
func bodyOffset(offset uint32, length uint32, n int) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if offset < types.SMB2HeaderSize {
		return 0, fmt.Errorf("%w: buffer offset %d inside header", ErrMalformed, offset)
	}
	start := int(offset) - types.SMB2HeaderSize
	if start+int(length) > n {
		return 0, fmt.Errorf("%w: buffer [%d,+%d) exceeds body of %d bytes", ErrMalformed, start, length, n)
	}
	return start, nil
}

func slice(body []byte, offset, length uint32) ([]byte, error) {
	start, err := bodyOffset(offset, length, len(body))
	if err != nil || length == 0 {
		return nil, err
	}
	return append([]byte(nil), body[start:start+int(length)]...), nil
}

func decodeErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}

// =============================================================================
// Opaque bodies
// =============================================================================

// RawRequest carries an already encoded body for commands the engine does
// not interpret.
type RawRequest struct {
	Cmd     types.Command
	Body    []byte
	Payload int
	// Overflow marks STATUS_BUFFER_OVERFLOW as acceptable.
	Overflow bool
}

func (r *RawRequest) Command() types.Command      { return r.Cmd }
func (r *RawRequest) Encode(w *smbenc.Writer)     { w.WriteBytes(r.Body) }
func (r *RawRequest) PayloadSize() int            { return r.Payload }
func (r *RawRequest) AcceptsBufferOverflow() bool { return r.Overflow }

// RawResponse keeps a copy of the response body.
type RawResponse struct {
	Body []byte
}

func (r *RawResponse) Decode(body []byte) error {
	r.Body = append([]byte(nil), body...)
	return nil
}

// =============================================================================
// Fixed four-byte bodies
// =============================================================================

// encodeEmpty writes the StructureSize(4) + Reserved(2) body shared by ECHO,
// LOGOFF, TREE_DISCONNECT and CANCEL.
func encodeEmpty(w *smbenc.Writer) {
	w.WriteUint16(4)
	w.WriteUint16(0)
}

func decodeEmpty(what string, body []byte) error {
	r := smbenc.NewReader(body)
	r.ExpectUint16(4)
	if err := r.Err(); err != nil {
		return decodeErr(what, err)
	}
	return nil
}

// EchoRequest is SMB2 ECHO. [MS-SMB2] 2.2.28
type EchoRequest struct{}

func (*EchoRequest) Command() types.Command  { return types.CommandEcho }
func (*EchoRequest) Encode(w *smbenc.Writer) { encodeEmpty(w) }

// EchoResponse is the SMB2 ECHO response. [MS-SMB2] 2.2.29
type EchoResponse struct{}

func (*EchoResponse) Decode(body []byte) error { return decodeEmpty("echo", body) }
func (*EchoResponse) Encode(w *smbenc.Writer)  { encodeEmpty(w) }

// LogoffRequest is SMB2 LOGOFF. [MS-SMB2] 2.2.7
type LogoffRequest struct{}

func (*LogoffRequest) Command() types.Command  { return types.CommandLogoff }
func (*LogoffRequest) Encode(w *smbenc.Writer) { encodeEmpty(w) }

type LogoffResponse struct{}

func (*LogoffResponse) Decode(body []byte) error { return decodeEmpty("logoff", body) }
func (*LogoffResponse) Encode(w *smbenc.Writer)  { encodeEmpty(w) }

// TreeDisconnectRequest is SMB2 TREE_DISCONNECT. [MS-SMB2] 2.2.11
type TreeDisconnectRequest struct{}

func (*TreeDisconnectRequest) Command() types.Command  { return types.CommandTreeDisconnect }
func (*TreeDisconnectRequest) Encode(w *smbenc.Writer) { encodeEmpty(w) }

type TreeDisconnectResponse struct{}

func (*TreeDisconnectResponse) Decode(body []byte) error { return decodeEmpty("tree disconnect", body) }
func (*TreeDisconnectResponse) Encode(w *smbenc.Writer)  { encodeEmpty(w) }

// CancelRequest is SMB2 CANCEL. It has no response. [MS-SMB2] 2.2.30
type CancelRequest struct{}

func (*CancelRequest) Command() types.Command  { return types.CommandCancel }
func (*CancelRequest) Encode(w *smbenc.Writer) { encodeEmpty(w) }

// =============================================================================
// Error response
// =============================================================================

// ErrorResponse is the SMB2 ERROR body sent with failure statuses.
//
//	Offset  Size  Field
//	0       2     StructureSize (9)
//	2       1     ErrorContextCount
//	3       1     Reserved
//	4       4     ByteCount
//	8       n     ErrorData
//
// [MS-SMB2] 2.2.2
type ErrorResponse struct {
	ContextCount uint8
	Data         []byte
}

func (e *ErrorResponse) Decode(body []byte) error {
	r := smbenc.NewReader(body)
	r.ExpectUint16(9)
	e.ContextCount = r.ReadUint8()
	r.Skip(1)
	n := r.ReadUint32()
	if err := r.Err(); err != nil {
		return decodeErr("error response", err)
	}
	e.Data = r.ReadBytes(min(int(n), r.Remaining()))
	return nil
}

func (e *ErrorResponse) Encode(w *smbenc.Writer) {
	w.WriteUint16(9)
	w.WriteUint8(e.ContextCount)
	w.WriteUint8(0)
	w.WriteUint32(uint32(len(e.Data)))
	if len(e.Data) == 0 {
		w.WriteUint8(0)
		return
	}
	w.WriteBytes(e.Data)
}

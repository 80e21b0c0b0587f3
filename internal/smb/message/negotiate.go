package message

import (
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// negotiateRequestFixedSize covers StructureSize through ClientStartTime.
const negotiateRequestFixedSize = 36

// NegotiateRequest is SMB2 NEGOTIATE. [MS-SMB2] 2.2.3
//
// **Wire format:**
//
//	Offset  Size  Field
//	0       2     StructureSize (36)
//	2       2     DialectCount
//	4       2     SecurityMode
//	6       2     Reserved
//	8       4     Capabilities
//	12      16    ClientGuid
//	28      4     NegotiateContextOffset  (3.1.1) | ClientStartTime (8)
//	32      2     NegotiateContextCount   (3.1.1)
//	34      2     Reserved2               (3.1.1)
//	36      2*n   Dialects
//	...           Padding to 8, NegotiateContextList (3.1.1)
type NegotiateRequest struct {
	SecurityMode types.SecurityMode
	Capabilities types.Capabilities
	ClientGUID   [16]byte
	Dialects     []types.Dialect
	Contexts     []types.NegotiateContext
}

func (r *NegotiateRequest) Command() types.Command { return types.CommandNegotiate }

func (r *NegotiateRequest) Encode(w *smbenc.Writer) {
	w.WriteUint16(negotiateRequestFixedSize)
	w.WriteUint16(uint16(len(r.Dialects)))
	w.WriteUint16(uint16(r.SecurityMode))
	w.WriteUint16(0)
	w.WriteUint32(uint32(r.Capabilities))
	w.WriteBytes(r.ClientGUID[:])
	ctxField := w.Len()
	w.WriteZeros(8)
	for _, d := range r.Dialects {
		w.WriteUint16(uint16(d))
	}
	if len(r.Contexts) == 0 {
		return
	}
	w.Pad(8)
	w.PutUint32At(ctxField, uint32(types.SMB2HeaderSize+w.Len()))
	w.PutUint16At(ctxField+4, uint16(len(r.Contexts)))
	w.WriteBytes(types.EncodeNegotiateContextList(r.Contexts))
}

// HasDialect reports whether d was offered.
func (r *NegotiateRequest) HasDialect(d types.Dialect) bool {
	for _, o := range r.Dialects {
		if o == d {
			return true
		}
	}
	return false
}

// Context returns the first context of the given type.
func (r *NegotiateRequest) Context(ctxType uint16) (types.NegotiateContext, bool) {
	return findContext(r.Contexts, ctxType)
}

// DecodeNegotiateRequest parses a NEGOTIATE request body.
func DecodeNegotiateRequest(body []byte) (*NegotiateRequest, error) {
	r := smbenc.NewReader(body)
	r.ExpectUint16(negotiateRequestFixedSize)
	count := int(r.ReadUint16())
	req := &NegotiateRequest{
		SecurityMode: types.SecurityMode(r.ReadUint16()),
	}
	r.Skip(2)
	req.Capabilities = types.Capabilities(r.ReadUint32())
	copy(req.ClientGUID[:], r.ReadBytes(16))
	ctxOffset := r.ReadUint32()
	ctxCount := int(r.ReadUint16())
	r.Skip(2)
	req.Dialects = make([]types.Dialect, 0, count)
	for range count {
		req.Dialects = append(req.Dialects, types.Dialect(r.ReadUint16()))
	}
	if err := r.Err(); err != nil {
		return nil, decodeErr("negotiate request", err)
	}

	if req.HasDialect(types.Dialect0311) && ctxCount > 0 {
		start, err := bodyOffset(ctxOffset, 1, len(body))
		if err != nil {
			return nil, err
		}
		req.Contexts, err = types.ParseNegotiateContextList(body[start:], ctxCount)
		if err != nil {
			return nil, decodeErr("negotiate request", err)
		}
	}
	return req, nil
}

// negotiateResponseFixedSize is the fixed part before the security buffer.
const negotiateResponseFixedSize = 64

// NegotiateResponse is the SMB2 NEGOTIATE response. [MS-SMB2] 2.2.4
//
// **Wire format:**
//
//	Offset  Size  Field
//	0       2     StructureSize (65)
//	2       2     SecurityMode
//	4       2     DialectRevision
//	6       2     NegotiateContextCount (3.1.1)
//	8       16    ServerGuid
//	24      4     Capabilities
//	28      4     MaxTransactSize
//	32      4     MaxReadSize
//	36      4     MaxWriteSize
//	40      8     SystemTime
//	48      8     ServerStartTime
//	56      2     SecurityBufferOffset
//	58      2     SecurityBufferLength
//	60      4     NegotiateContextOffset (3.1.1)
//	64      var   SecurityBuffer, padding, NegotiateContextList
type NegotiateResponse struct {
	SecurityMode    types.SecurityMode
	Dialect         types.Dialect
	ServerGUID      [16]byte
	Capabilities    types.Capabilities
	MaxTransactSize uint32
	MaxReadSize     uint32
	MaxWriteSize    uint32
	SystemTime      uint64
	ServerStartTime uint64
	SecurityBuffer  []byte
	Contexts        []types.NegotiateContext
}

func (resp *NegotiateResponse) Decode(body []byte) error {
	r := smbenc.NewReader(body)
	r.ExpectUint16(negotiateResponseFixedSize + 1)
	resp.SecurityMode = types.SecurityMode(r.ReadUint16())
	resp.Dialect = types.Dialect(r.ReadUint16())
	ctxCount := int(r.ReadUint16())
	copy(resp.ServerGUID[:], r.ReadBytes(16))
	resp.Capabilities = types.Capabilities(r.ReadUint32())
	resp.MaxTransactSize = r.ReadUint32()
	resp.MaxReadSize = r.ReadUint32()
	resp.MaxWriteSize = r.ReadUint32()
	resp.SystemTime = r.ReadUint64()
	resp.ServerStartTime = r.ReadUint64()
	secOffset := r.ReadUint16()
	secLength := r.ReadUint16()
	ctxOffset := r.ReadUint32()
	if err := r.Err(); err != nil {
		return decodeErr("negotiate response", err)
	}

	var err error
	if resp.SecurityBuffer, err = slice(body, uint32(secOffset), uint32(secLength)); err != nil {
		return err
	}

	resp.Contexts = nil
	if resp.Dialect == types.Dialect0311 && ctxCount > 0 {
		start, err := bodyOffset(ctxOffset, 1, len(body))
		if err != nil {
			return err
		}
		if resp.Contexts, err = types.ParseNegotiateContextList(body[start:], ctxCount); err != nil {
			return decodeErr("negotiate response", err)
		}
	}
	return nil
}

// Encode writes the response body. Used by test servers.
func (resp *NegotiateResponse) Encode(w *smbenc.Writer) {
	w.WriteUint16(negotiateResponseFixedSize + 1)
	w.WriteUint16(uint16(resp.SecurityMode))
	w.WriteUint16(uint16(resp.Dialect))
	w.WriteUint16(uint16(len(resp.Contexts)))
	w.WriteBytes(resp.ServerGUID[:])
	w.WriteUint32(uint32(resp.Capabilities))
	w.WriteUint32(resp.MaxTransactSize)
	w.WriteUint32(resp.MaxReadSize)
	w.WriteUint32(resp.MaxWriteSize)
	w.WriteUint64(resp.SystemTime)
	w.WriteUint64(resp.ServerStartTime)
	w.WriteUint16(types.SMB2HeaderSize + negotiateResponseFixedSize)
	w.WriteUint16(uint16(len(resp.SecurityBuffer)))
	ctxField := w.Len()
	w.WriteUint32(0)
	w.WriteBytes(resp.SecurityBuffer)
	if len(resp.Contexts) == 0 {
		if len(resp.SecurityBuffer) == 0 {
			w.WriteUint8(0)
		}
		return
	}
	w.Pad(8)
	w.PutUint32At(ctxField, uint32(types.SMB2HeaderSize+w.Len()))
	w.WriteBytes(types.EncodeNegotiateContextList(resp.Contexts))
}

// Context returns the first context of the given type.
func (resp *NegotiateResponse) Context(ctxType uint16) (types.NegotiateContext, bool) {
	return findContext(resp.Contexts, ctxType)
}

func findContext(list []types.NegotiateContext, ctxType uint16) (types.NegotiateContext, bool) {
	for _, c := range list {
		if c.ContextType == ctxType {
			return c, true
		}
	}
	return types.NegotiateContext{}, false
}

// NegotiatedCipher returns the cipher selected in the response's
// encryption context, CipherNone when absent.
func (resp *NegotiateResponse) NegotiatedCipher() (types.Cipher, error) {
	c, ok := resp.Context(types.NegCtxEncryptionCaps)
	if !ok {
		return types.CipherNone, nil
	}
	caps, err := types.DecodeEncryptionCaps(c.Data)
	if err != nil {
		return types.CipherNone, err
	}
	if len(caps.Ciphers) != 1 {
		return types.CipherNone, fmt.Errorf("%w: server selected %d ciphers", ErrMalformed, len(caps.Ciphers))
	}
	return caps.Ciphers[0], nil
}

// NegotiatedSigning returns the signing algorithm selected in the response's
// signing context; ok is false when the server sent none.
func (resp *NegotiateResponse) NegotiatedSigning() (alg types.SigningAlg, ok bool, err error) {
	c, found := resp.Context(types.NegCtxSigningCaps)
	if !found {
		return 0, false, nil
	}
	caps, err := types.DecodeSigningCaps(c.Data)
	if err != nil {
		return 0, false, err
	}
	if len(caps.Algorithms) != 1 {
		return 0, false, fmt.Errorf("%w: server selected %d signing algorithms", ErrMalformed, len(caps.Algorithms))
	}
	return caps.Algorithms[0], true, nil
}

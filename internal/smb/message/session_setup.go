package message

import (
	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// Session setup request flags. [MS-SMB2] 2.2.5
const SessionSetupFlagBinding uint8 = 0x01

// sessionSetupRequestFixedSize is the request up to the security buffer.
const sessionSetupRequestFixedSize = 24

// SessionSetupRequest is SMB2 SESSION_SETUP. [MS-SMB2] 2.2.5
//
//	Offset  Size  Field
//	0       2     StructureSize (25)
//	2       1     Flags
//	3       1     SecurityMode
//	4       4     Capabilities
//	8       4     Channel
//	12      2     SecurityBufferOffset
//	14      2     SecurityBufferLength
//	16      8     PreviousSessionId
//	24      var   SecurityBuffer
type SessionSetupRequest struct {
	Flags             uint8
	SecurityMode      uint8
	Capabilities      types.Capabilities
	PreviousSessionID uint64
	SecurityBuffer    []byte
}

func (r *SessionSetupRequest) Command() types.Command { return types.CommandSessionSetup }

func (r *SessionSetupRequest) Encode(w *smbenc.Writer) {
	w.WriteUint16(sessionSetupRequestFixedSize + 1)
	w.WriteUint8(r.Flags)
	w.WriteUint8(r.SecurityMode)
	w.WriteUint32(uint32(r.Capabilities) & uint32(types.CapDFS))
	w.WriteUint32(0)
	w.WriteUint16(types.SMB2HeaderSize + sessionSetupRequestFixedSize)
	w.WriteUint16(uint16(len(r.SecurityBuffer)))
	w.WriteUint64(r.PreviousSessionID)
	w.WriteBytes(r.SecurityBuffer)
}

func (r *SessionSetupRequest) PayloadSize() int { return len(r.SecurityBuffer) }

// DecodeSessionSetupRequest parses a SESSION_SETUP request body.
func DecodeSessionSetupRequest(body []byte) (*SessionSetupRequest, error) {
	r := smbenc.NewReader(body)
	r.ExpectUint16(sessionSetupRequestFixedSize + 1)
	req := &SessionSetupRequest{
		Flags:        r.ReadUint8(),
		SecurityMode: r.ReadUint8(),
		Capabilities: types.Capabilities(r.ReadUint32()),
	}
	r.Skip(4)
	off := r.ReadUint16()
	n := r.ReadUint16()
	req.PreviousSessionID = r.ReadUint64()
	if err := r.Err(); err != nil {
		return nil, decodeErr("session setup request", err)
	}
	var err error
	if req.SecurityBuffer, err = slice(body, uint32(off), uint32(n)); err != nil {
		return nil, err
	}
	return req, nil
}

// SessionSetupResponse is the SMB2 SESSION_SETUP response. [MS-SMB2] 2.2.6
//
//	Offset  Size  Field
//	0       2     StructureSize (9)
//	2       2     SessionFlags
//	4       2     SecurityBufferOffset
//	6       2     SecurityBufferLength
//	8       var   SecurityBuffer
type SessionSetupResponse struct {
	SessionFlags   uint16
	SecurityBuffer []byte
}

func (resp *SessionSetupResponse) Decode(body []byte) error {
	r := smbenc.NewReader(body)
	r.ExpectUint16(9)
	resp.SessionFlags = r.ReadUint16()
	off := r.ReadUint16()
	n := r.ReadUint16()
	if err := r.Err(); err != nil {
		return decodeErr("session setup response", err)
	}
	var err error
	resp.SecurityBuffer, err = slice(body, uint32(off), uint32(n))
	return err
}

func (resp *SessionSetupResponse) Encode(w *smbenc.Writer) {
	w.WriteUint16(9)
	w.WriteUint16(resp.SessionFlags)
	w.WriteUint16(types.SMB2HeaderSize + 8)
	w.WriteUint16(uint16(len(resp.SecurityBuffer)))
	if len(resp.SecurityBuffer) == 0 {
		w.WriteUint8(0)
		return
	}
	w.WriteBytes(resp.SecurityBuffer)
}

// IsGuest reports whether the server authenticated the session as guest.
func (resp *SessionSetupResponse) IsGuest() bool {
	return resp.SessionFlags&types.SessionFlagIsGuest != 0
}

// IsAnonymous reports whether the session is a null session.
func (resp *SessionSetupResponse) IsAnonymous() bool {
	return resp.SessionFlags&types.SessionFlagIsNull != 0
}

// EncryptData reports whether the server demands encryption for the session.
func (resp *SessionSetupResponse) EncryptData() bool {
	return resp.SessionFlags&types.SessionFlagEncryptData != 0
}

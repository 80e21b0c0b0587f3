package message

import (
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// NoDialect is the DialectIndex a server returns when it accepts none of
// the offered dialects.
const NoDialect = 0xFFFF

// =============================================================================
// SMB_COM_NEGOTIATE
// =============================================================================

// SMB1NegotiateRequest offers dialect strings. [MS-CIFS] 2.2.4.52.1
type SMB1NegotiateRequest struct {
	Dialects []string
}

func (r *SMB1NegotiateRequest) SMB1Command() uint8 { return types.SMB1CommandNegotiate }

func (r *SMB1NegotiateRequest) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(0)
	pos := beginBytes(w)
	for _, d := range r.Dialects {
		w.WriteUint8(0x02) // BufferFormat: dialect
		w.WriteASCIIZ(d)
	}
	endBytes(w, pos)
}

// SMB1NegotiateResponse is the NT LM 0.12 negotiate response.
// [MS-SMB] 2.2.4.5.2
//
//	Words (17): DialectIndex(2) SecurityMode(1) MaxMpxCount(2) MaxNumberVcs(2)
//	            MaxBufferSize(4) MaxRawSize(4) SessionKey(4) Capabilities(4)
//	            SystemTime(8) ServerTimeZone(2) ChallengeLength(1)
//	Data:       ServerGUID(16) SecurityBlob   (extended security)
//	            Challenge DomainName          (otherwise)
type SMB1NegotiateResponse struct {
	DialectIndex   uint16
	SecurityMode   uint8
	MaxMpxCount    uint16
	MaxNumberVCs   uint16
	MaxBufferSize  uint32
	MaxRawSize     uint32
	SessionKey     uint32
	Capabilities   uint32
	SystemTime     uint64
	ServerTimeZone int16
	ServerGUID     [16]byte
	SecurityBlob   []byte
	Challenge      []byte
	DomainName     string
}

const smb1NegotiateWords = 17

func (resp *SMB1NegotiateResponse) DecodeSMB1(b Block) error {
	r := smbenc.NewReader(b.Words)
	resp.DialectIndex = r.ReadUint16()
	if resp.DialectIndex == NoDialect || len(b.Words) == 2 {
		return r.Err()
	}
	if len(b.Words) != 2*smb1NegotiateWords {
		return fmt.Errorf("%w: negotiate word count %d", ErrMalformed, len(b.Words)/2)
	}
	resp.SecurityMode = r.ReadUint8()
	resp.MaxMpxCount = r.ReadUint16()
	resp.MaxNumberVCs = r.ReadUint16()
	resp.MaxBufferSize = r.ReadUint32()
	resp.MaxRawSize = r.ReadUint32()
	resp.SessionKey = r.ReadUint32()
	resp.Capabilities = r.ReadUint32()
	resp.SystemTime = r.ReadUint64()
	resp.ServerTimeZone = int16(r.ReadUint16())
	challengeLen := int(r.ReadUint8())
	if err := r.Err(); err != nil {
		return decodeErr("smb1 negotiate", err)
	}

	if resp.Capabilities&types.SMB1CapExtendedSecurity != 0 {
		if len(b.Data) < 16 {
			return fmt.Errorf("%w: negotiate data of %d bytes lacks server GUID", ErrMalformed, len(b.Data))
		}
		copy(resp.ServerGUID[:], b.Data)
		resp.SecurityBlob = append([]byte(nil), b.Data[16:]...)
		return nil
	}
	if challengeLen > len(b.Data) {
		return fmt.Errorf("%w: challenge length %d", ErrMalformed, challengeLen)
	}
	resp.Challenge = append([]byte(nil), b.Data[:challengeLen]...)
	resp.DomainName = utf16ZAt(b.Data[challengeLen:], b.DataOffset+challengeLen)
	return nil
}

// EncodeSMB1 writes the extended-security form.
func (resp *SMB1NegotiateResponse) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(smb1NegotiateWords)
	w.WriteUint16(resp.DialectIndex)
	w.WriteUint8(resp.SecurityMode)
	w.WriteUint16(resp.MaxMpxCount)
	w.WriteUint16(resp.MaxNumberVCs)
	w.WriteUint32(resp.MaxBufferSize)
	w.WriteUint32(resp.MaxRawSize)
	w.WriteUint32(resp.SessionKey)
	w.WriteUint32(resp.Capabilities | types.SMB1CapExtendedSecurity)
	w.WriteUint64(resp.SystemTime)
	w.WriteUint16(uint16(resp.ServerTimeZone))
	w.WriteUint8(0)
	pos := beginBytes(w)
	w.WriteBytes(resp.ServerGUID[:])
	w.WriteBytes(resp.SecurityBlob)
	endBytes(w, pos)
}

// SigningRequired reports whether the server requires SMB1 signing.
func (resp *SMB1NegotiateResponse) SigningRequired() bool {
	return resp.SecurityMode&types.SMB1SecuritySignRequired != 0
}

// SigningEnabled reports whether the server supports SMB1 signing.
func (resp *SMB1NegotiateResponse) SigningEnabled() bool {
	return resp.SecurityMode&(types.SMB1SecuritySignEnabled|types.SMB1SecuritySignRequired) != 0
}

// =============================================================================
// SMB_COM_SESSION_SETUP_ANDX (extended security)
// =============================================================================

// SMB1SessionSetupRequest is the extended-security session setup.
// [MS-SMB] 2.2.4.6.1
type SMB1SessionSetupRequest struct {
	MaxBufferSize uint16
	MaxMpxCount   uint16
	VCNumber      uint16
	SessionKey    uint32
	Capabilities  uint32
	SecurityBlob  []byte
	NativeOS      string
	NativeLanMan  string
}

func (r *SMB1SessionSetupRequest) SMB1Command() uint8 { return types.SMB1CommandSessionSetup }

func (r *SMB1SessionSetupRequest) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(12)
	writeAndXPlaceholder(w)
	w.WriteUint16(r.MaxBufferSize)
	w.WriteUint16(r.MaxMpxCount)
	w.WriteUint16(r.VCNumber)
	w.WriteUint32(r.SessionKey)
	w.WriteUint16(uint16(len(r.SecurityBlob)))
	w.WriteUint32(0)
	w.WriteUint32(r.Capabilities | types.SMB1CapExtendedSecurity)
	pos := beginBytes(w)
	w.WriteBytes(r.SecurityBlob)
	w.Pad(2)
	w.WriteUTF16Z(r.NativeOS)
	w.WriteUTF16Z(r.NativeLanMan)
	endBytes(w, pos)
}

// SMB1SessionSetupResponse is the extended-security session setup reply.
type SMB1SessionSetupResponse struct {
	Action       uint16
	SecurityBlob []byte
}

// SMB1 session setup Action bits.
const SMB1ActionGuest uint16 = 0x0001

func (resp *SMB1SessionSetupResponse) DecodeSMB1(b Block) error {
	if len(b.Words) < 8 {
		return fmt.Errorf("%w: session setup word count %d", ErrMalformed, len(b.Words)/2)
	}
	resp.Action = b.Word(2)
	n := int(b.Word(3))
	if n > len(b.Data) {
		return fmt.Errorf("%w: security blob length %d exceeds %d", ErrMalformed, n, len(b.Data))
	}
	resp.SecurityBlob = append([]byte(nil), b.Data[:n]...)
	return nil
}

func (resp *SMB1SessionSetupResponse) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(4)
	writeAndXPlaceholder(w)
	w.WriteUint16(resp.Action)
	w.WriteUint16(uint16(len(resp.SecurityBlob)))
	pos := beginBytes(w)
	w.WriteBytes(resp.SecurityBlob)
	endBytes(w, pos)
}

// =============================================================================
// SMB_COM_TREE_CONNECT_ANDX / TREE_DISCONNECT / LOGOFF_ANDX
// =============================================================================

// Service strings for tree connect.
const (
	ServiceAny     = "?????"
	ServiceDisk    = "A:"
	ServicePrinter = "LPT1:"
	ServiceIPC     = "IPC"
	ServiceComm    = "COMM"
)

// SMB1TreeConnectRequest is SMB_COM_TREE_CONNECT_ANDX. [MS-CIFS] 2.2.4.55.1
type SMB1TreeConnectRequest struct {
	Path    string
	Service string
}

func (r *SMB1TreeConnectRequest) SMB1Command() uint8 { return types.SMB1CommandTreeConnectAnd }

func (r *SMB1TreeConnectRequest) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(4)
	writeAndXPlaceholder(w)
	w.WriteUint16(0x0008) // TREE_CONNECT_ANDX_EXTENDED_RESPONSE
	w.WriteUint16(1)      // PasswordLength
	pos := beginBytes(w)
	w.WriteUint8(0)
	w.Pad(2)
	w.WriteUTF16Z(r.Path)
	service := r.Service
	if service == "" {
		service = ServiceAny
	}
	w.WriteASCIIZ(service)
	endBytes(w, pos)
}

// SMB1TreeConnectResponse is the tree connect reply.
type SMB1TreeConnectResponse struct {
	OptionalSupport uint16
	Service         string
}

// SMB_SHARE_IS_IN_DFS
const SMB1ShareIsInDFS uint16 = 0x0002

func (resp *SMB1TreeConnectResponse) DecodeSMB1(b Block) error {
	if len(b.Words) < 6 {
		return fmt.Errorf("%w: tree connect word count %d", ErrMalformed, len(b.Words)/2)
	}
	resp.OptionalSupport = b.Word(2)
	resp.Service = readASCIIZ(b.Data)
	return nil
}

func (resp *SMB1TreeConnectResponse) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(3)
	writeAndXPlaceholder(w)
	w.WriteUint16(resp.OptionalSupport)
	pos := beginBytes(w)
	w.WriteASCIIZ(resp.Service)
	endBytes(w, pos)
}

// IsDFS reports whether the share is in a DFS namespace.
func (resp *SMB1TreeConnectResponse) IsDFS() bool {
	return resp.OptionalSupport&SMB1ShareIsInDFS != 0
}

// SMB1TreeDisconnectRequest is SMB_COM_TREE_DISCONNECT.
type SMB1TreeDisconnectRequest struct{}

func (*SMB1TreeDisconnectRequest) SMB1Command() uint8          { return types.SMB1CommandTreeDisconnect }
func (*SMB1TreeDisconnectRequest) EncodeSMB1(w *smbenc.Writer) { encodeSMB1Empty(w) }

// SMB1LogoffRequest is SMB_COM_LOGOFF_ANDX.
type SMB1LogoffRequest struct{}

func (*SMB1LogoffRequest) SMB1Command() uint8 { return types.SMB1CommandLogoffAndX }

func (*SMB1LogoffRequest) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(2)
	writeAndXPlaceholder(w)
	w.WriteUint16(0)
}

// SMB1CancelRequest is SMB_COM_NT_CANCEL; it has no response.
type SMB1CancelRequest struct{}

func (*SMB1CancelRequest) SMB1Command() uint8          { return types.SMB1CommandNTCancel }
func (*SMB1CancelRequest) EncodeSMB1(w *smbenc.Writer) { encodeSMB1Empty(w) }

// SMB1Empty decodes replies that carry nothing of interest.
type SMB1Empty struct{}

func (*SMB1Empty) DecodeSMB1(Block) error      { return nil }
func (*SMB1Empty) EncodeSMB1(w *smbenc.Writer) { encodeSMB1Empty(w) }

func encodeSMB1Empty(w *smbenc.Writer) {
	w.WriteUint8(0)
	w.WriteUint16(0)
}

// =============================================================================
// SMB_COM_ECHO
// =============================================================================

// SMB1EchoRequest is SMB_COM_ECHO. [MS-CIFS] 2.2.4.39
type SMB1EchoRequest struct {
	Count uint16
	Data  []byte
}

func (r *SMB1EchoRequest) SMB1Command() uint8 { return types.SMB1CommandEcho }

func (r *SMB1EchoRequest) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(1)
	w.WriteUint16(max(r.Count, 1))
	pos := beginBytes(w)
	w.WriteBytes(r.Data)
	endBytes(w, pos)
}

// SMB1EchoResponse is one echo reply.
type SMB1EchoResponse struct {
	SequenceNumber uint16
	Data           []byte
}

func (resp *SMB1EchoResponse) DecodeSMB1(b Block) error {
	resp.SequenceNumber = b.Word(0)
	resp.Data = append([]byte(nil), b.Data...)
	return nil
}

func (resp *SMB1EchoResponse) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(1)
	w.WriteUint16(resp.SequenceNumber)
	pos := beginBytes(w)
	w.WriteBytes(resp.Data)
	endBytes(w, pos)
}

// =============================================================================
// SMB_COM_TRANSACTION2
// =============================================================================

// SMB1Trans2Request is a single-fragment SMB_COM_TRANSACTION2.
// [MS-CIFS] 2.2.4.46.1
type SMB1Trans2Request struct {
	Subcommand        uint16
	Parameters        []byte
	Data              []byte
	MaxParameterCount uint16
	MaxDataCount      uint16
}

// smb1Trans2Words is 14 fixed words plus one setup word.
const smb1Trans2Words = 15

func (r *SMB1Trans2Request) SMB1Command() uint8 { return types.SMB1CommandTransaction2 }

func (r *SMB1Trans2Request) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(smb1Trans2Words)
	w.WriteUint16(uint16(len(r.Parameters)))
	w.WriteUint16(uint16(len(r.Data)))
	w.WriteUint16(r.MaxParameterCount)
	w.WriteUint16(r.MaxDataCount)
	w.WriteUint8(0) // MaxSetupCount
	w.WriteUint8(0)
	w.WriteUint16(0) // Flags
	w.WriteUint32(0) // Timeout
	w.WriteUint16(0)
	w.WriteUint16(uint16(len(r.Parameters)))
	paramOffField := w.Len()
	w.WriteUint16(0)
	w.WriteUint16(uint16(len(r.Data)))
	dataOffField := w.Len()
	w.WriteUint16(0)
	w.WriteUint8(1) // SetupCount
	w.WriteUint8(0)
	w.WriteUint16(r.Subcommand)

	pos := beginBytes(w)
	w.WriteUint8(0) // Name
	w.Pad(4)
	w.PutUint16At(paramOffField, uint16(w.Len()))
	w.WriteBytes(r.Parameters)
	w.Pad(4)
	if len(r.Data) > 0 {
		w.PutUint16At(dataOffField, uint16(w.Len()))
		w.WriteBytes(r.Data)
	}
	endBytes(w, pos)
}

// SMB1Trans2Response is a single-fragment TRANSACTION2 reply.
type SMB1Trans2Response struct {
	Parameters []byte
	Data       []byte
}

// ErrFragmented is returned for TRANSACTION2 replies split across several
// messages.
var ErrFragmented = fmt.Errorf("%w: fragmented transaction reply", ErrMalformed)

func (resp *SMB1Trans2Response) DecodeSMB1(b Block) error {
	if len(b.Words) < 20 {
		return fmt.Errorf("%w: trans2 word count %d", ErrMalformed, len(b.Words)/2)
	}
	totalParams, totalData := b.Word(0), b.Word(1)
	paramCount, paramOff := int(b.Word(3)), int(b.Word(4))
	dataCount, dataOff := int(b.Word(6)), int(b.Word(7))
	if int(totalParams) != paramCount || int(totalData) != dataCount {
		return ErrFragmented
	}
	if paramOff+paramCount > len(b.Msg) || dataOff+dataCount > len(b.Msg) {
		return fmt.Errorf("%w: trans2 buffers overrun message", ErrMalformed)
	}
	resp.Parameters = append([]byte(nil), b.Msg[paramOff:paramOff+paramCount]...)
	resp.Data = append([]byte(nil), b.Msg[dataOff:dataOff+dataCount]...)
	return nil
}

func (resp *SMB1Trans2Response) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(10)
	w.WriteUint16(uint16(len(resp.Parameters)))
	w.WriteUint16(uint16(len(resp.Data)))
	w.WriteUint16(0)
	w.WriteUint16(uint16(len(resp.Parameters)))
	paramOffField := w.Len()
	w.WriteUint16(0)
	w.WriteUint16(0)
	w.WriteUint16(uint16(len(resp.Data)))
	dataOffField := w.Len()
	w.WriteUint16(0)
	w.WriteUint16(0)
	w.WriteUint8(0)
	w.WriteUint8(0)

	pos := beginBytes(w)
	w.Pad(4)
	w.PutUint16At(paramOffField, uint16(w.Len()))
	w.WriteBytes(resp.Parameters)
	w.Pad(4)
	w.PutUint16At(dataOffField, uint16(w.Len()))
	w.WriteBytes(resp.Data)
	endBytes(w, pos)
}

// =============================================================================
// Oplock break (LOCKING_ANDX from the server)
// =============================================================================

// SMB1OplockBreak is an unsolicited LOCKING_ANDX carrying an oplock break.
type SMB1OplockBreak struct {
	FID         uint16
	OplockLevel uint8
}

// LOCKING_ANDX_OPLOCK_RELEASE
const smb1LockTypeOplockRelease uint8 = 0x02

// DecodeSMB1OplockBreak parses an unsolicited LOCKING_ANDX message.
func DecodeSMB1OplockBreak(msg []byte) (*Notification, error) {
	b, err := ReadBlock(msg, types.SMB1HeaderSize)
	if err != nil {
		return nil, err
	}
	if len(b.Words) < 16 {
		return nil, fmt.Errorf("%w: locking word count %d", ErrMalformed, len(b.Words)/2)
	}
	if b.Words[6]&smb1LockTypeOplockRelease == 0 {
		return nil, fmt.Errorf("%w: locking request is not an oplock break", ErrMalformed)
	}
	return &Notification{SMB1: &SMB1OplockBreak{FID: b.Word(2), OplockLevel: b.Words[7]}}, nil
}

// EncodeSMB1 writes the LOCKING_ANDX break block.
func (o *SMB1OplockBreak) EncodeSMB1(w *smbenc.Writer) {
	w.WriteUint8(8)
	writeAndXPlaceholder(w)
	w.WriteUint16(o.FID)
	w.WriteUint8(smb1LockTypeOplockRelease)
	w.WriteUint8(o.OplockLevel)
	w.WriteUint32(0)
	w.WriteUint16(0)
	w.WriteUint16(0)
	w.WriteUint16(0)
}

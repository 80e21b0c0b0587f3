// Package header encodes and decodes the fixed headers that prefix SMB
// messages: the 64-byte SMB2 header, the 32-byte SMB1 header, the 52-byte
// SMB3 transform header and the compression transform header.
//
// # SMB2 Header (64 bytes)
//
//	┌────────┬──────┬─────────────────┬───────────────────────────────────┐
//	│ Offset │ Size │ Field           │ Description                       │
//	├────────┼──────┼─────────────────┼───────────────────────────────────┤
//	│   0    │  4   │ ProtocolID      │ 0xFE 'S' 'M' 'B'                  │
//	│   4    │  2   │ StructureSize   │ Always 64                         │
//	│   6    │  2   │ CreditCharge    │ Credits consumed by this request  │
//	│   8    │  4   │ Status          │ NT_STATUS (response only)         │
//	│  12    │  2   │ Command         │ SMB2 command code                 │
//	│  14    │  2   │ Credits         │ Credits requested/granted         │
//	│  16    │  4   │ Flags           │ Header flags                      │
//	│  20    │  4   │ NextCommand     │ Offset to next command (compound) │
//	│  24    │  8   │ MessageID       │ Unique message identifier         │
//	│  32    │  4   │ Reserved/AsyncID│ ProcessID, or AsyncID low half    │
//	│  36    │  4   │ TreeID          │ TreeID, or AsyncID high half      │
//	│  40    │  8   │ SessionID       │ Session identifier                │
//	│  48    │ 16   │ Signature       │ Message signature (if signed)     │
//	└────────┴──────┴─────────────────┴───────────────────────────────────┘
//
// Reference: [MS-SMB2] Section 2.2.1
package header

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/types"
)

var (
	ErrMessageTooShort    = errors.New("message too short for header")
	ErrInvalidProtocolID  = errors.New("invalid protocol id")
	ErrInvalidHeaderSize  = errors.New("invalid header structure size")
	ErrInvalidNextCommand = errors.New("invalid next command offset")
)

// Byte offsets within the SMB2 header.
const (
	OffsetCreditCharge = 6
	OffsetStatus       = 8
	OffsetCommand      = 12
	OffsetCredits      = 14
	OffsetFlags        = 16
	OffsetNextCommand  = 20
	OffsetMessageID    = 24
	OffsetAsyncID      = 32
	OffsetTreeID       = 36
	OffsetSessionID    = 40
	OffsetSignature    = 48
	SignatureSize      = 16
)

// SMB2Header is the common SMB2 message header.
type SMB2Header struct {
	CreditCharge uint16
	// Status holds NT_STATUS in responses and ChannelSequence in requests.
	Status types.Status
	Command types.Command
	// Credits is CreditRequest in requests and CreditResponse in responses.
	Credits     uint16
	Flags       types.HeaderFlags
	NextCommand uint32
	MessageID   uint64
	// AsyncID is valid when FlagAsync is set; it overlays Reserved and TreeID.
	AsyncID   uint64
	Reserved  uint32
	TreeID    uint32
	SessionID uint64
	Signature [16]byte
}

func (h *SMB2Header) IsResponse() bool { return h.Flags.Has(types.FlagResponse) }
func (h *SMB2Header) IsAsync() bool    { return h.Flags.Has(types.FlagAsync) }
func (h *SMB2Header) IsSigned() bool   { return h.Flags.Has(types.FlagSigned) }
func (h *SMB2Header) IsRelated() bool  { return h.Flags.Has(types.FlagRelated) }

// Encode writes the header into the first 64 bytes of buf.
func (h *SMB2Header) Encode(buf []byte) {
	_ = buf[types.SMB2HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:], types.SMB2ProtocolID)
	binary.LittleEndian.PutUint16(buf[4:], types.SMB2HeaderSize)
	binary.LittleEndian.PutUint16(buf[OffsetCreditCharge:], h.CreditCharge)
	binary.LittleEndian.PutUint32(buf[OffsetStatus:], uint32(h.Status))
	binary.LittleEndian.PutUint16(buf[OffsetCommand:], uint16(h.Command))
	binary.LittleEndian.PutUint16(buf[OffsetCredits:], h.Credits)
	binary.LittleEndian.PutUint32(buf[OffsetFlags:], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[OffsetNextCommand:], h.NextCommand)
	binary.LittleEndian.PutUint64(buf[OffsetMessageID:], h.MessageID)
	if h.IsAsync() {
		binary.LittleEndian.PutUint64(buf[OffsetAsyncID:], h.AsyncID)
	} else {
		binary.LittleEndian.PutUint32(buf[OffsetAsyncID:], h.Reserved)
		binary.LittleEndian.PutUint32(buf[OffsetTreeID:], h.TreeID)
	}
	binary.LittleEndian.PutUint64(buf[OffsetSessionID:], h.SessionID)
	copy(buf[OffsetSignature:], h.Signature[:])
}

// Bytes returns the encoded header.
func (h *SMB2Header) Bytes() []byte {
	buf := make([]byte, types.SMB2HeaderSize)
	h.Encode(buf)
	return buf
}

// ParseSMB2 decodes an SMB2 header from the start of data.
func ParseSMB2(data []byte) (*SMB2Header, error) {
	if len(data) < types.SMB2HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooShort, len(data))
	}
	if id := binary.LittleEndian.Uint32(data); id != types.SMB2ProtocolID {
		return nil, fmt.Errorf("%w: 0x%08X", ErrInvalidProtocolID, id)
	}
	if size := binary.LittleEndian.Uint16(data[4:]); size != types.SMB2HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHeaderSize, size)
	}

	h := &SMB2Header{
		CreditCharge: binary.LittleEndian.Uint16(data[OffsetCreditCharge:]),
		Status:       types.Status(binary.LittleEndian.Uint32(data[OffsetStatus:])),
		Command:      types.Command(binary.LittleEndian.Uint16(data[OffsetCommand:])),
		Credits:      binary.LittleEndian.Uint16(data[OffsetCredits:]),
		Flags:        types.HeaderFlags(binary.LittleEndian.Uint32(data[OffsetFlags:])),
		NextCommand:  binary.LittleEndian.Uint32(data[OffsetNextCommand:]),
		MessageID:    binary.LittleEndian.Uint64(data[OffsetMessageID:]),
		SessionID:    binary.LittleEndian.Uint64(data[OffsetSessionID:]),
	}
	if h.IsAsync() {
		h.AsyncID = binary.LittleEndian.Uint64(data[OffsetAsyncID:])
	} else {
		h.Reserved = binary.LittleEndian.Uint32(data[OffsetAsyncID:])
		h.TreeID = binary.LittleEndian.Uint32(data[OffsetTreeID:])
	}
	copy(h.Signature[:], data[OffsetSignature:OffsetSignature+SignatureSize])
	return h, nil
}

// =============================================================================
// Raw accessors used on wire buffers without a full decode
// =============================================================================

// ProtocolID returns the first four bytes of a message, little-endian.
func ProtocolID(msg []byte) uint32 {
	if len(msg) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(msg)
}

// MessageID reads the message id of a raw SMB2 message.
func MessageID(msg []byte) uint64 {
	return binary.LittleEndian.Uint64(msg[OffsetMessageID:])
}

// NextCommand reads the NextCommand offset of a raw SMB2 message.
func NextCommand(msg []byte) uint32 {
	return binary.LittleEndian.Uint32(msg[OffsetNextCommand:])
}

// Flags reads the flags of a raw SMB2 message.
func Flags(msg []byte) types.HeaderFlags {
	return types.HeaderFlags(binary.LittleEndian.Uint32(msg[OffsetFlags:]))
}

// SetFlags ORs flag into the flags of a raw SMB2 message.
func SetFlags(msg []byte, flag types.HeaderFlags) {
	binary.LittleEndian.PutUint32(msg[OffsetFlags:], uint32(Flags(msg)|flag))
}

// SetNextCommand patches the NextCommand field of a raw SMB2 message.
func SetNextCommand(msg []byte, next uint32) {
	binary.LittleEndian.PutUint32(msg[OffsetNextCommand:], next)
}

// SessionID reads the session id of a raw SMB2 message.
func SessionID(msg []byte) uint64 {
	return binary.LittleEndian.Uint64(msg[OffsetSessionID:])
}

// Command reads the command of a raw SMB2 message.
func Command(msg []byte) types.Command {
	return types.Command(binary.LittleEndian.Uint16(msg[OffsetCommand:]))
}

// SplitCompound splits a raw SMB2 response buffer into its compound members
// by following NextCommand. Each member slice includes its padding.
func SplitCompound(buf []byte) ([][]byte, error) {
	var parts [][]byte
	for off := 0; off < len(buf); {
		if len(buf)-off < types.SMB2HeaderSize {
			return nil, fmt.Errorf("%w: member at %d has %d bytes", ErrMessageTooShort, off, len(buf)-off)
		}
		next := int(NextCommand(buf[off:]))
		if next == 0 {
			parts = append(parts, buf[off:])
			break
		}
		if next < types.SMB2HeaderSize || off+next > len(buf) {
			return nil, fmt.Errorf("%w: %d at %d", ErrInvalidNextCommand, next, off)
		}
		parts = append(parts, buf[off:off+next])
		off += next
	}
	return parts, nil
}

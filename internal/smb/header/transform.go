package header

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/types"
)

// TransformHeader is the SMB3 encryption envelope.
//
//	ProtocolID(4) 0xFD 'S' 'M' 'B'
//	Signature(16)           AEAD tag
//	Nonce(16)               11 bytes used by CCM, 12 by GCM
//	OriginalMessageSize(4)
//	Reserved(2)
//	Flags/EncryptionAlgorithm(2)
//	SessionId(8)
//
// [MS-SMB2] 2.2.41
type TransformHeader struct {
	Signature           [16]byte
	Nonce               [16]byte
	OriginalMessageSize uint32
	Flags               uint16
	SessionID           uint64
}

// TransformFlagEncrypted is the Flags value used by SMB 3.1.1.
const TransformFlagEncrypted uint16 = 0x0001

// TransformAADOffset is where the authenticated portion of the header starts.
const TransformAADOffset = 20

// Encode returns the 52-byte encoded header.
func (t *TransformHeader) Encode() []byte {
	buf := make([]byte, types.TransformHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], types.TransformProtocolID)
	copy(buf[4:20], t.Signature[:])
	copy(buf[20:36], t.Nonce[:])
	binary.LittleEndian.PutUint32(buf[36:], t.OriginalMessageSize)
	binary.LittleEndian.PutUint16(buf[42:], t.Flags)
	binary.LittleEndian.PutUint64(buf[44:], t.SessionID)
	return buf
}

// ParseTransform decodes a transform header from the start of data.
func ParseTransform(data []byte) (*TransformHeader, error) {
	if len(data) < types.TransformHeaderSize {
		return nil, fmt.Errorf("%w: transform header has %d bytes", ErrMessageTooShort, len(data))
	}
	if id := binary.LittleEndian.Uint32(data); id != types.TransformProtocolID {
		return nil, fmt.Errorf("%w: 0x%08X", ErrInvalidProtocolID, id)
	}
	t := &TransformHeader{
		OriginalMessageSize: binary.LittleEndian.Uint32(data[36:]),
		Flags:               binary.LittleEndian.Uint16(data[42:]),
		SessionID:           binary.LittleEndian.Uint64(data[44:]),
	}
	copy(t.Signature[:], data[4:20])
	copy(t.Nonce[:], data[20:36])
	return t, nil
}

// CompressionHeader is the unchained SMB2 compression transform header.
//
//	ProtocolID(4) 0xFC 'S' 'M' 'B'
//	OriginalCompressedSegmentSize(4)
//	CompressionAlgorithm(2)
//	Flags(2)
//	Offset(4)   bytes of uncompressed data following the header
//
// [MS-SMB2] 2.2.42.1
type CompressionHeader struct {
	OriginalSize uint32
	Algorithm    uint16
	Flags        uint16
	Offset       uint32
}

// CompressionFlagChained marks the chained variant.
const CompressionFlagChained uint16 = 0x0001

// ParseCompression decodes a compression transform header.
func ParseCompression(data []byte) (*CompressionHeader, error) {
	if len(data) < types.CompressionHeaderSize {
		return nil, fmt.Errorf("%w: compression header has %d bytes", ErrMessageTooShort, len(data))
	}
	if id := binary.LittleEndian.Uint32(data); id != types.CompressionProtocolID {
		return nil, fmt.Errorf("%w: 0x%08X", ErrInvalidProtocolID, id)
	}
	return &CompressionHeader{
		OriginalSize: binary.LittleEndian.Uint32(data[4:]),
		Algorithm:    binary.LittleEndian.Uint16(data[8:]),
		Flags:        binary.LittleEndian.Uint16(data[10:]),
		Offset:       binary.LittleEndian.Uint32(data[12:]),
	}, nil
}

// Encode returns the 16-byte encoded header.
func (c *CompressionHeader) Encode() []byte {
	buf := make([]byte, types.CompressionHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], types.CompressionProtocolID)
	binary.LittleEndian.PutUint32(buf[4:], c.OriginalSize)
	binary.LittleEndian.PutUint16(buf[8:], c.Algorithm)
	binary.LittleEndian.PutUint16(buf[10:], c.Flags)
	binary.LittleEndian.PutUint32(buf[12:], c.Offset)
	return buf
}

package header

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/types"
)

// Byte offsets within the SMB1 header.
//
//	Protocol(4) Command(1) Status(4) Flags(1) Flags2(2) PIDHigh(2)
//	SecurityFeatures(8) Reserved(2) TID(2) PIDLow(2) UID(2) MID(2)
//
// [MS-CIFS] 2.2.3.1
const (
	SMB1OffsetCommand   = 4
	SMB1OffsetStatus    = 5
	SMB1OffsetFlags     = 9
	SMB1OffsetFlags2    = 10
	SMB1OffsetPIDHigh   = 12
	SMB1OffsetSignature = 14
	SMB1OffsetTID       = 24
	SMB1OffsetPIDLow    = 26
	SMB1OffsetUID       = 28
	SMB1OffsetMID       = 30
	SMB1SignatureSize   = 8
)

// SMB1Header is the 32-byte SMB1 message header.
type SMB1Header struct {
	Command   uint8
	Status    uint32
	Flags     uint8
	Flags2    uint16
	PIDHigh   uint16
	Signature [8]byte
	TID       uint16
	PIDLow    uint16
	UID       uint16
	MID       uint16
}

// IsReply reports whether the reply flag is set.
func (h *SMB1Header) IsReply() bool { return h.Flags&types.SMB1FlagsReply != 0 }

// NTStatus returns the status as an NT status code, converting DOS error
// classes when the server did not set FLAGS2_NT_STATUS.
func (h *SMB1Header) NTStatus() types.Status {
	if h.Flags2&types.SMB1Flags2NTStatus != 0 {
		return types.Status(h.Status)
	}
	return types.StatusFromDOS(h.Status)
}

// Encode writes the header into the first 32 bytes of buf.
func (h *SMB1Header) Encode(buf []byte) {
	_ = buf[types.SMB1HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:], types.SMB1ProtocolID)
	buf[SMB1OffsetCommand] = h.Command
	binary.LittleEndian.PutUint32(buf[SMB1OffsetStatus:], h.Status)
	buf[SMB1OffsetFlags] = h.Flags
	binary.LittleEndian.PutUint16(buf[SMB1OffsetFlags2:], h.Flags2)
	binary.LittleEndian.PutUint16(buf[SMB1OffsetPIDHigh:], h.PIDHigh)
	copy(buf[SMB1OffsetSignature:], h.Signature[:])
	clear(buf[22:24])
	binary.LittleEndian.PutUint16(buf[SMB1OffsetTID:], h.TID)
	binary.LittleEndian.PutUint16(buf[SMB1OffsetPIDLow:], h.PIDLow)
	binary.LittleEndian.PutUint16(buf[SMB1OffsetUID:], h.UID)
	binary.LittleEndian.PutUint16(buf[SMB1OffsetMID:], h.MID)
}

// ParseSMB1 decodes an SMB1 header from the start of data.
func ParseSMB1(data []byte) (*SMB1Header, error) {
	if len(data) < types.SMB1HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooShort, len(data))
	}
	if id := binary.LittleEndian.Uint32(data); id != types.SMB1ProtocolID {
		return nil, fmt.Errorf("%w: 0x%08X", ErrInvalidProtocolID, id)
	}
	h := &SMB1Header{
		Command: data[SMB1OffsetCommand],
		Status:  binary.LittleEndian.Uint32(data[SMB1OffsetStatus:]),
		Flags:   data[SMB1OffsetFlags],
		Flags2:  binary.LittleEndian.Uint16(data[SMB1OffsetFlags2:]),
		PIDHigh: binary.LittleEndian.Uint16(data[SMB1OffsetPIDHigh:]),
		TID:     binary.LittleEndian.Uint16(data[SMB1OffsetTID:]),
		PIDLow:  binary.LittleEndian.Uint16(data[SMB1OffsetPIDLow:]),
		UID:     binary.LittleEndian.Uint16(data[SMB1OffsetUID:]),
		MID:     binary.LittleEndian.Uint16(data[SMB1OffsetMID:]),
	}
	copy(h.Signature[:], data[SMB1OffsetSignature:SMB1OffsetSignature+SMB1SignatureSize])
	return h, nil
}

// SMB1MID reads the mid of a raw SMB1 message.
func SMB1MID(msg []byte) uint16 {
	return binary.LittleEndian.Uint16(msg[SMB1OffsetMID:])
}

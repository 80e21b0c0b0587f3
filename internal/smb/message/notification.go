package message

import (
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// Structure sizes of the two SMB2 OPLOCK_BREAK notification forms.
const (
	oplockBreakSize = 24
	leaseBreakSize  = 44
)

// OplockBreak is an SMB2 oplock break notification. [MS-SMB2] 2.2.23.1
type OplockBreak struct {
	OplockLevel uint8
	FileID      [16]byte
}

// LeaseBreak is an SMB2 lease break notification. [MS-SMB2] 2.2.23.2
type LeaseBreak struct {
	NewEpoch          uint16
	Flags             uint32
	LeaseKey          [16]byte
	CurrentLeaseState uint32
	NewLeaseState     uint32
	BreakReason       uint32
	AccessMaskHint    uint32
	ShareMaskHint     uint32
}

// Notification is a message the server sent without a matching request.
// Exactly one of Oplock, Lease or SMB1 is set.
type Notification struct {
	Oplock *OplockBreak
	Lease  *LeaseBreak
	SMB1   *SMB1OplockBreak
}

func (n *Notification) String() string {
	switch {
	case n.Oplock != nil:
		return fmt.Sprintf("oplock break level=%d", n.Oplock.OplockLevel)
	case n.Lease != nil:
		return fmt.Sprintf("lease break state=0x%X->0x%X", n.Lease.CurrentLeaseState, n.Lease.NewLeaseState)
	case n.SMB1 != nil:
		return fmt.Sprintf("smb1 oplock break fid=%d level=%d", n.SMB1.FID, n.SMB1.OplockLevel)
	}
	return "empty notification"
}

// DecodeOplockBreakNotification parses the body of an unsolicited SMB2
// OPLOCK_BREAK, telling the two forms apart by StructureSize.
func DecodeOplockBreakNotification(body []byte) (*Notification, error) {
	r := smbenc.NewReader(body)
	size := r.ReadUint16()
	switch size {
	case oplockBreakSize:
		o := &OplockBreak{OplockLevel: r.ReadUint8()}
		r.Skip(5)
		copy(o.FileID[:], r.ReadBytes(16))
		if err := r.Err(); err != nil {
			return nil, decodeErr("oplock break", err)
		}
		return &Notification{Oplock: o}, nil
	case leaseBreakSize:
		l := &LeaseBreak{NewEpoch: r.ReadUint16(), Flags: r.ReadUint32()}
		copy(l.LeaseKey[:], r.ReadBytes(16))
		l.CurrentLeaseState = r.ReadUint32()
		l.NewLeaseState = r.ReadUint32()
		l.BreakReason = r.ReadUint32()
		l.AccessMaskHint = r.ReadUint32()
		l.ShareMaskHint = r.ReadUint32()
		if err := r.Err(); err != nil {
			return nil, decodeErr("lease break", err)
		}
		return &Notification{Lease: l}, nil
	}
	if err := r.Err(); err != nil {
		return nil, decodeErr("oplock break", err)
	}
	return nil, fmt.Errorf("%w: oplock break structure size %d", ErrMalformed, size)
}

// Encode writes an oplock break notification body.
func (o *OplockBreak) Encode(w *smbenc.Writer) {
	w.WriteUint16(oplockBreakSize)
	w.WriteUint8(o.OplockLevel)
	w.WriteZeros(5)
	w.WriteBytes(o.FileID[:])
}

// Encode writes a lease break notification body.
func (l *LeaseBreak) Encode(w *smbenc.Writer) {
	w.WriteUint16(leaseBreakSize)
	w.WriteUint16(l.NewEpoch)
	w.WriteUint32(l.Flags)
	w.WriteBytes(l.LeaseKey[:])
	w.WriteUint32(l.CurrentLeaseState)
	w.WriteUint32(l.NewLeaseState)
	w.WriteUint32(l.BreakReason)
	w.WriteUint32(l.AccessMaskHint)
	w.WriteUint32(l.ShareMaskHint)
}

// IsNotification reports whether a raw SMB2 response header describes a
// server-initiated notification.
func IsNotification(mid uint64, cmd types.Command) bool {
	return mid == types.SMB2AsyncNotificationMID && cmd == types.CommandOplockBreak
}

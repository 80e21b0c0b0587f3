package signing

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"sync"

	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// SMB1Digest signs SMB1 messages: MD5 over the MAC key followed by the
// message whose signature field holds the 4-byte sequence number and four
// zero bytes. The first 8 bytes of the digest become the signature.
//
// Each request consumes two sequence numbers, one for the request and one
// for its response. [MS-CIFS] 3.1.5.1
type SMB1Digest struct {
	macKey []byte

	mu  sync.Mutex
	seq uint32
}

// NewSMB1Digest creates a digest for macKey. The sequence starts at zero
// with the session setup request.
func NewSMB1Digest(macKey []byte) *SMB1Digest {
	k := make([]byte, len(macKey))
	copy(k, macKey)
	return &SMB1Digest{macKey: k}
}

// Next reserves sequence numbers for a request. noResponse is set for
// requests such as NT_CANCEL that are never answered.
func (d *SMB1Digest) Next(noResponse bool) (request, response uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	request = d.seq
	response = d.seq + 1
	if noResponse {
		d.seq++
	} else {
		d.seq += 2
	}
	return request, response
}

// Compute returns the signature of message at sequence number seq.
func (d *SMB1Digest) Compute(message []byte, seq uint32) [header.SMB1SignatureSize]byte {
	var sig [header.SMB1SignatureSize]byte
	if len(message) < types.SMB1HeaderSize {
		return sig
	}
	c := make([]byte, len(message))
	copy(c, message)
	clear(c[header.SMB1OffsetSignature : header.SMB1OffsetSignature+header.SMB1SignatureSize])
	binary.LittleEndian.PutUint32(c[header.SMB1OffsetSignature:], seq)

	h := md5.New()
	h.Write(d.macKey)
	h.Write(c)
	copy(sig[:], h.Sum(nil))
	return sig
}

// Sign sets FLAGS2_SECURITY_SIGNATURE and writes the signature for seq.
func (d *SMB1Digest) Sign(message []byte, seq uint32) {
	if len(message) < types.SMB1HeaderSize {
		return
	}
	flags2 := binary.LittleEndian.Uint16(message[header.SMB1OffsetFlags2:])
	binary.LittleEndian.PutUint16(message[header.SMB1OffsetFlags2:], flags2|types.SMB1Flags2SecuritySignature)
	sig := d.Compute(message, seq)
	copy(message[header.SMB1OffsetSignature:], sig[:])
}

// Verify checks the signature of a response expected at seq.
func (d *SMB1Digest) Verify(message []byte, seq uint32) bool {
	if len(message) < types.SMB1HeaderSize {
		return false
	}
	want := d.Compute(message, seq)
	got := message[header.SMB1OffsetSignature : header.SMB1OffsetSignature+header.SMB1SignatureSize]
	return subtle.ConstantTimeCompare(got, want[:]) == 1
}

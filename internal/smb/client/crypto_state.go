package client

import (
	"crypto/sha512"
	"sync"
	"time"

	"github.com/marmos91/smbclient/internal/smb/types"
)

// PreauthHash is the SMB 3.1.1 preauth integrity hash chain:
//
//	H(i) = SHA-512(H(i-1) || Message(i))
//
// where H(0) is 64 zero bytes and each message is a complete SMB2 NEGOTIATE
// or SESSION_SETUP request or response as it appeared on the wire.
// [MS-SMB2] 3.2.5.2
type PreauthHash struct {
	mu sync.RWMutex
	h  [64]byte
}

// newPreauthHash starts a chain from an existing value.
func newPreauthHash(from [64]byte) *PreauthHash {
	return &PreauthHash{h: from}
}

// Update chains message into the hash.
func (p *PreauthHash) Update(message []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := sha512.New()
	h.Write(p.h[:])
	h.Write(message)
	copy(p.h[:], h.Sum(nil))
}

// Value returns a copy of the current hash.
func (p *PreauthHash) Value() [64]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.h
}

// Reset returns the chain to H(0).
func (p *PreauthHash) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.h[:])
}

// Negotiated holds what a connection agreed with the server. It is set
// once per negotiation and read-only afterwards.
type Negotiated struct {
	Dialect      types.Dialect
	SecurityMode types.SecurityMode
	Capabilities types.Capabilities
	ServerGUID   [16]byte
	ClientGUID   [16]byte

	MaxTransactSize uint32
	MaxReadSize     uint32
	MaxWriteSize    uint32
	// MaxBufferSize is the largest wire write the client will produce.
	MaxBufferSize int

	// Cipher is the encryption algorithm for SMB3 sessions.
	Cipher types.Cipher
	// SigningAlg is the SMB3 signing algorithm.
	SigningAlg types.SigningAlg
	// SigningRequired is set when either side requires signing.
	SigningRequired bool
	// Compression is set when the server accepted LZ4.
	Compression bool

	// SecurityBlob is the server's SPNEGO init token.
	SecurityBlob []byte

	// PreauthHash is the hash after the negotiate exchange, the starting
	// point of every session's chain. Zero below 3.1.1.
	PreauthHash [64]byte

	ServerTime time.Time

	// SMB1 only.
	SMB1Capabilities uint32
	SMB1MaxMpxCount  uint16
	SMB1SessionKey   uint32
}

// IsSMB1 reports whether the connection fell back to SMB1.
func (n *Negotiated) IsSMB1() bool { return n.Dialect == types.DialectSMB1 }

// SupportsDFS reports whether the server advertised DFS.
func (n *Negotiated) SupportsDFS() bool {
	if n.IsSMB1() {
		return n.SMB1Capabilities&types.SMB1CapDFS != 0
	}
	return n.Capabilities&types.CapDFS != 0
}

// SupportsEncryption reports whether SMB3 encryption is available.
func (n *Negotiated) SupportsEncryption() bool {
	if !n.Dialect.IsSMB3() {
		return false
	}
	return n.Dialect == types.Dialect0311 && n.Cipher != types.CipherNone ||
		n.Capabilities&types.CapEncryption != 0
}

// SigningEnabled reports whether the server accepts signed messages.
func (n *Negotiated) SigningEnabled() bool {
	return n.SigningRequired || n.SecurityMode&types.SigningEnabled != 0
}

// filetime converts a Windows FILETIME to time.Time.
func filetime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	const epochDiff = 116444736000000000
	return time.Unix(0, int64(ft-epochDiff)*100).UTC()
}

// Package signing implements SMB message signing.
//
// SMB2 and SMB3 messages carry a 16-byte signature at header offset 48. The
// algorithm depends on the dialect:
//
//   - SMB 2.0.2 / 2.1: HMAC-SHA256 keyed with the session key
//   - SMB 3.0 / 3.0.2: AES-128-CMAC keyed with the derived signing key
//   - SMB 3.1.1:       AES-128-CMAC, or AES-128-GMAC when negotiated
//
// SMB1 uses an 8-byte MD5 digest over a MAC key and a per-connection
// sequence number, see SMB1Digest.
//
// The signature field is treated as zero while computing a signature, so
// signing is idempotent: signing an already signed message yields the same
// bytes.
package signing

import (
	"crypto/subtle"

	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// Layout constants.
const (
	SignatureOffset = header.OffsetSignature
	SignatureSize   = header.SignatureSize
	KeySize         = 16
)

// Signer signs and verifies SMB2 messages. message starts at the SMB2
// header and spans exactly one compound member.
type Signer interface {
	Sign(message []byte) [SignatureSize]byte
	Verify(message []byte) bool
	Algorithm() types.SigningAlg
}

// NewSigner returns the Signer for the negotiated dialect and signing
// algorithm, or nil when key is empty.
//
//   - dialect < 3.0: HMAC-SHA256
//   - GMAC negotiated: AES-GMAC
//   - otherwise: AES-CMAC
func NewSigner(dialect types.Dialect, alg types.SigningAlg, key []byte) Signer {
	if len(key) == 0 {
		return nil
	}
	switch {
	case !dialect.IsSMB3():
		return NewHMACSigner(key)
	case alg == types.SigningAESGMAC:
		if s := NewGMACSigner(key); s != nil {
			return s
		}
	default:
		if s := NewCMACSigner(key); s != nil {
			return s
		}
	}
	return nil
}

// SignMessage sets SMB2_FLAGS_SIGNED on message and writes its signature.
func SignMessage(s Signer, message []byte) {
	if len(message) < types.SMB2HeaderSize {
		return
	}
	header.SetFlags(message, types.FlagSigned)
	sig := s.Sign(message)
	copy(message[SignatureOffset:], sig[:])
}

// zeroedCopy returns message with the signature field cleared.
func zeroedCopy(message []byte) []byte {
	c := make([]byte, len(message))
	copy(c, message)
	clear(c[SignatureOffset : SignatureOffset+SignatureSize])
	return c
}

func verifyWith(s Signer, message []byte) bool {
	if len(message) < types.SMB2HeaderSize {
		return false
	}
	want := s.Sign(message)
	return subtle.ConstantTimeCompare(message[SignatureOffset:SignatureOffset+SignatureSize], want[:]) == 1
}

package signing

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/marmos91/smbclient/internal/smb/types"
)

// HMACSigner signs SMB 2.x messages with HMAC-SHA256.
type HMACSigner struct {
	key [KeySize]byte
}

// NewHMACSigner creates an HMACSigner from a session key, padded or
// truncated to 16 bytes.
func NewHMACSigner(sessionKey []byte) *HMACSigner {
	if len(sessionKey) == 0 {
		return nil
	}
	s := &HMACSigner{}
	copy(s.key[:], sessionKey)
	return s
}

// Sign returns the first 16 bytes of HMAC-SHA256 over the message with a
// zeroed signature field.
func (s *HMACSigner) Sign(message []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	if len(message) < types.SMB2HeaderSize {
		return sig
	}
	mac := hmac.New(sha256.New, s.key[:])
	mac.Write(zeroedCopy(message))
	copy(sig[:], mac.Sum(nil))
	return sig
}

func (s *HMACSigner) Verify(message []byte) bool { return verifyWith(s, message) }

func (s *HMACSigner) Algorithm() types.SigningAlg { return types.SigningHMACSHA256 }

package signing

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// GMACSigner signs SMB 3.1.1 messages with AES-128-GMAC: AES-GCM over an
// empty plaintext with the message as additional data.
//
// The 12-byte nonce is the MessageId followed by four bytes whose low bit
// marks server-to-client messages and whose second bit marks CANCEL
// requests. [MS-SMB2] 3.1.4.1
type GMACSigner struct {
	aead cipher.AEAD
}

// NewGMACSigner creates a GMACSigner from a 16-byte signing key.
// Returns nil if the key is not a valid AES key.
func NewGMACSigner(key []byte) *GMACSigner {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil
	}
	return &GMACSigner{aead: aead}
}

func gmacNonce(message []byte) []byte {
	nonce := make([]byte, 12)
	binary.LittleEndian.PutUint64(nonce, header.MessageID(message))
	if header.Flags(message).Has(types.FlagResponse) {
		nonce[8] |= 0x01
	}
	if header.Command(message) == types.CommandCancel {
		nonce[8] |= 0x02
	}
	return nonce
}

// Sign computes the GMAC tag over the message with a zeroed signature field.
func (s *GMACSigner) Sign(message []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	if len(message) < types.SMB2HeaderSize {
		return sig
	}
	tag := s.aead.Seal(nil, gmacNonce(message), nil, zeroedCopy(message))
	copy(sig[:], tag)
	return sig
}

func (s *GMACSigner) Verify(message []byte) bool { return verifyWith(s, message) }

func (s *GMACSigner) Algorithm() types.SigningAlg { return types.SigningAESGMAC }

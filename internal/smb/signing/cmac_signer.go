package signing

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/marmos91/smbclient/internal/smb/types"
)

// CMACSigner signs SMB 3.x messages with AES-128-CMAC (RFC 4493).
type CMACSigner struct {
	block cipher.Block
	k1    [16]byte
	k2    [16]byte
}

// NewCMACSigner creates a CMACSigner from a 16-byte signing key.
// Returns nil if the key is not a valid AES key.
func NewCMACSigner(key []byte) *CMACSigner {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}
	s := &CMACSigner{block: block}

	var l [16]byte
	block.Encrypt(l[:], l[:])
	s.k1 = dbl(l)
	s.k2 = dbl(s.k1)
	return s
}

// dbl multiplies by x in GF(2^128) as defined by RFC 4493 subkey generation.
func dbl(in [16]byte) [16]byte {
	var out [16]byte
	carry := in[0] >> 7
	for i := 0; i < 15; i++ {
		out[i] = in[i]<<1 | in[i+1]>>7
	}
	out[15] = in[15] << 1
	if carry != 0 {
		out[15] ^= 0x87
	}
	return out
}

// MAC computes the raw AES-CMAC of data.
func (s *CMACSigner) MAC(data []byte) [16]byte {
	n := (len(data) + 15) / 16
	complete := n > 0 && len(data)%16 == 0
	if n == 0 {
		n = 1
	}

	var last [16]byte
	tail := data[(n-1)*16:]
	if complete {
		for i := range last {
			last[i] = tail[i] ^ s.k1[i]
		}
	} else {
		copy(last[:], tail)
		last[len(tail)] = 0x80
		for i := range last {
			last[i] ^= s.k2[i]
		}
	}

	var x [16]byte
	for b := 0; b < n-1; b++ {
		blk := data[b*16 : b*16+16]
		for i := range x {
			x[i] ^= blk[i]
		}
		s.block.Encrypt(x[:], x[:])
	}
	for i := range x {
		x[i] ^= last[i]
	}
	s.block.Encrypt(x[:], x[:])
	return x
}

// Sign computes the AES-CMAC signature over the message with a zeroed
// signature field.
func (s *CMACSigner) Sign(message []byte) [SignatureSize]byte {
	if len(message) < types.SMB2HeaderSize {
		return [SignatureSize]byte{}
	}
	return s.MAC(zeroedCopy(message))
}

func (s *CMACSigner) Verify(message []byte) bool { return verifyWith(s, message) }

func (s *CMACSigner) Algorithm() types.SigningAlg { return types.SigningAESCMAC }

package encryption

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

var errOpen = errors.New("ccm: message authentication failed")

// ccm implements AES-CCM (RFC 3610, NIST SP 800-38C) on top of a 128-bit
// block cipher.
type ccm struct {
	b         cipher.Block
	nonceSize int
	tagSize   int
}

// NewCCM returns a CCM AEAD. nonceSize must be in [7, 13] and tagSize an
// even number in [4, 16].
func NewCCM(b cipher.Block, nonceSize, tagSize int) (cipher.AEAD, error) {
	if b.BlockSize() != 16 {
		return nil, errors.New("ccm: block size must be 16")
	}
	if nonceSize < 7 || nonceSize > 13 {
		return nil, fmt.Errorf("ccm: invalid nonce size %d", nonceSize)
	}
	if tagSize < 4 || tagSize > 16 || tagSize%2 != 0 {
		return nil, fmt.Errorf("ccm: invalid tag size %d", tagSize)
	}
	return &ccm{b: b, nonceSize: nonceSize, tagSize: tagSize}, nil
}

func (c *ccm) NonceSize() int { return c.nonceSize }
func (c *ccm) Overhead() int  { return c.tagSize }

// l is the size of the length field.
func (c *ccm) l() int { return 15 - c.nonceSize }

func (c *ccm) mac(nonce, plaintext, aad []byte) [16]byte {
	var x, blk [16]byte

	flags := byte((c.tagSize-2)/2) << 3
	flags |= byte(c.l() - 1)
	if len(aad) > 0 {
		flags |= 0x40
	}
	blk[0] = flags
	copy(blk[1:], nonce)
	putLength(blk[1+c.nonceSize:], uint64(len(plaintext)))
	c.b.Encrypt(x[:], blk[:])

	absorb := func(data []byte) {
		for len(data) > 0 {
			n := copy(blk[:], data)
			clear(blk[n:])
			data = data[n:]
			for i := range x {
				x[i] ^= blk[i]
			}
			c.b.Encrypt(x[:], x[:])
		}
	}

	if len(aad) > 0 {
		var enc []byte
		if len(aad) < 0xFF00 {
			enc = binary.BigEndian.AppendUint16(nil, uint16(len(aad)))
		} else {
			enc = binary.BigEndian.AppendUint32([]byte{0xFF, 0xFE}, uint32(len(aad)))
		}
		absorb(append(enc, aad...))
	}
	absorb(plaintext)
	return x
}

func putLength(dst []byte, n uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(n)
		n >>= 8
	}
}

// ctr XORs src into dst with the keystream starting at counter 1 and
// returns S0 for tag masking.
func (c *ccm) ctr(dst, src, nonce []byte) [16]byte {
	var a, s, s0 [16]byte
	a[0] = byte(c.l() - 1)
	copy(a[1:], nonce)
	c.b.Encrypt(s0[:], a[:])

	ctrField := a[1+c.nonceSize:]
	for i, off := uint64(1), 0; off < len(src); i++ {
		putLength(ctrField, i)
		c.b.Encrypt(s[:], a[:])
		n := min(16, len(src)-off)
		subtle.XORBytes(dst[off:off+n], src[off:off+n], s[:n])
		off += n
	}
	return s0
}

func (c *ccm) Seal(dst, nonce, plaintext, aad []byte) []byte {
	if len(nonce) != c.nonceSize {
		panic("ccm: incorrect nonce length")
	}
	t := c.mac(nonce, plaintext, aad)

	ret, out := sliceForAppend(dst, len(plaintext)+c.tagSize)
	s0 := c.ctr(out[:len(plaintext)], plaintext, nonce)
	subtle.XORBytes(out[len(plaintext):], t[:c.tagSize], s0[:c.tagSize])
	return ret
}

func (c *ccm) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != c.nonceSize {
		return nil, errors.New("ccm: incorrect nonce length")
	}
	if len(ciphertext) < c.tagSize {
		return nil, errOpen
	}
	body := ciphertext[:len(ciphertext)-c.tagSize]
	tag := ciphertext[len(ciphertext)-c.tagSize:]

	ret, out := sliceForAppend(dst, len(body))
	s0 := c.ctr(out, body, nonce)

	t := c.mac(nonce, out, aad)
	var want [16]byte
	subtle.XORBytes(want[:c.tagSize], t[:c.tagSize], s0[:c.tagSize])
	if subtle.ConstantTimeCompare(want[:c.tagSize], tag) != 1 {
		clear(out)
		return nil, errOpen
	}
	return ret, nil
}

func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return head, tail
}

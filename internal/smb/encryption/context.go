// Package encryption implements the SMB3 transform: whole-message AEAD
// encryption with AES-CCM or AES-GCM keyed by the session's derived keys.
//
// An encrypted message is a 52-byte transform header followed by the
// ciphertext. The AEAD tag goes in the header's Signature field and bytes
// 20..51 of the header (nonce onwards) are the additional data.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/types"
)

var (
	ErrUnknownCipher   = errors.New("unknown encryption cipher")
	ErrSessionMismatch = errors.New("transform header session id mismatch")
	ErrDecrypt         = errors.New("decryption failed")
)

const (
	ccmNonceSize = 11
	gcmNonceSize = 12
	tagSize      = 16
)

// Context encrypts requests and decrypts responses for one session.
type Context struct {
	cipher    types.Cipher
	dialect   types.Dialect
	sessionID uint64
	enc       cipher.AEAD
	dec       cipher.AEAD

	mu      sync.Mutex
	counter uint64
	salt    [8]byte
}

// NewContext builds a context from the client-to-server (encKey) and
// server-to-client (decKey) keys.
func NewContext(c types.Cipher, dialect types.Dialect, sessionID uint64, encKey, decKey []byte) (*Context, error) {
	enc, err := newAEAD(c, encKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	dec, err := newAEAD(c, decKey)
	if err != nil {
		return nil, fmt.Errorf("decryption key: %w", err)
	}

	ctx := &Context{cipher: c, dialect: dialect, sessionID: sessionID, enc: enc, dec: dec}
	if _, err := rand.Read(ctx.salt[:]); err != nil {
		return nil, fmt.Errorf("nonce salt: %w", err)
	}
	return ctx, nil
}

func newAEAD(c types.Cipher, key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	switch c {
	case types.CipherAES128CCM, types.CipherAES256CCM:
		return NewCCM(block, ccmNonceSize, tagSize)
	case types.CipherAES128GCM, types.CipherAES256GCM:
		return cipher.NewGCM(block)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCipher, c)
}

// Cipher returns the negotiated cipher.
func (c *Context) Cipher() types.Cipher { return c.cipher }

// nextNonce returns a unique nonce: an 8-byte counter followed by random
// salt bytes, truncated to the AEAD nonce size.
func (c *Context) nextNonce() [16]byte {
	c.mu.Lock()
	c.counter++
	n := c.counter
	c.mu.Unlock()

	var nonce [16]byte
	binary.LittleEndian.PutUint64(nonce[:], n)
	copy(nonce[8:], c.salt[:])
	clear(nonce[c.enc.NonceSize():])
	return nonce
}

func (c *Context) flags() uint16 {
	if c.dialect == types.Dialect0311 {
		return header.TransformFlagEncrypted
	}
	return uint16(c.cipher)
}

// Encrypt wraps one SMB2 message (or a whole compound) in a transform.
func (c *Context) Encrypt(msg []byte) []byte {
	th := header.TransformHeader{
		Nonce:               c.nextNonce(),
		OriginalMessageSize: uint32(len(msg)),
		Flags:               c.flags(),
		SessionID:           c.sessionID,
	}
	hdr := th.Encode()

	out := make([]byte, types.TransformHeaderSize, types.TransformHeaderSize+len(msg)+tagSize)
	copy(out, hdr)
	sealed := c.enc.Seal(out[types.TransformHeaderSize:], th.Nonce[:c.enc.NonceSize()], msg, hdr[header.TransformAADOffset:])

	// move the tag from the end into the header signature field
	body := sealed[:len(msg)]
	copy(out[4:20], sealed[len(msg):])
	return out[:types.TransformHeaderSize+len(body)]
}

// Decrypt opens a transform frame and returns the inner message.
func (c *Context) Decrypt(frame []byte) ([]byte, error) {
	th, err := header.ParseTransform(frame)
	if err != nil {
		return nil, err
	}
	if th.SessionID != c.sessionID {
		return nil, fmt.Errorf("%w: got 0x%x, want 0x%x", ErrSessionMismatch, th.SessionID, c.sessionID)
	}
	body := frame[types.TransformHeaderSize:]
	if int(th.OriginalMessageSize) != len(body) {
		return nil, fmt.Errorf("%w: original size %d, have %d", ErrDecrypt, th.OriginalMessageSize, len(body))
	}

	ct := make([]byte, 0, len(body)+tagSize)
	ct = append(ct, body...)
	ct = append(ct, th.Signature[:]...)

	plain, err := c.dec.Open(nil, th.Nonce[:c.dec.NonceSize()], ct, frame[header.TransformAADOffset:types.TransformHeaderSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// SessionID returns the session id a transform frame is addressed to.
func SessionID(frame []byte) (uint64, error) {
	th, err := header.ParseTransform(frame)
	if err != nil {
		return 0, err
	}
	return th.SessionID, nil
}

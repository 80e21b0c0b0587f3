// Package kdf implements the SP800-108 counter mode KDF with HMAC-SHA256
// that SMB 3.x uses to derive per-session keys from the authentication
// session key.
//
// SMB 3.0 and 3.0.2 use constant label/context pairs. SMB 3.1.1 uses its own
// labels with the session's preauth integrity hash as context.
//
// Reference: [SP800-108] Section 5.1, [MS-SMB2] Section 3.1.4.2
package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/marmos91/smbclient/internal/smb/types"
)

// Purpose identifies a derived key, named from the client's point of view.
type Purpose uint8

const (
	Signing    Purpose = iota
	Encryption         // client to server
	Decryption         // server to client
	Application
)

func (p Purpose) String() string {
	switch p {
	case Signing:
		return "signing"
	case Encryption:
		return "encryption"
	case Decryption:
		return "decryption"
	case Application:
		return "application"
	}
	return "unknown"
}

// Derive runs one iteration of the KDF:
//
//	HMAC-SHA256(ki, 0x00000001 || label || 0x00 || context || L)
//
// label and context include their own terminating null bytes. L is the
// output length in bits, at most 256.
func Derive(ki, label, context []byte, bits uint32) []byte {
	h := hmac.New(sha256.New, ki)

	var be [4]byte
	binary.BigEndian.PutUint32(be[:], 1)
	h.Write(be[:])
	h.Write(label)
	h.Write([]byte{0})
	h.Write(context)
	binary.BigEndian.PutUint32(be[:], bits)
	h.Write(be[:])

	return h.Sum(nil)[:bits/8]
}

type labelContext struct {
	label, context []byte
}

var smb30 = map[Purpose]labelContext{
	Signing:     {[]byte("SMB2AESCMAC\x00"), []byte("SmbSign\x00")},
	Encryption:  {[]byte("SMB2AESCCM\x00"), []byte("ServerIn \x00")},
	Decryption:  {[]byte("SMB2AESCCM\x00"), []byte("ServerOut\x00")},
	Application: {[]byte("SMB2APP\x00"), []byte("SmbRpc\x00")},
}

var smb311 = map[Purpose][]byte{
	Signing:     []byte("SMBSigningKey\x00"),
	Encryption:  []byte("SMBC2SCipherKey\x00"),
	Decryption:  []byte("SMBS2CCipherKey\x00"),
	Application: []byte("SMBAppKey\x00"),
}

// LabelAndContext returns the label and context for purpose under dialect.
func LabelAndContext(p Purpose, dialect types.Dialect, preauthHash [64]byte) (label, context []byte) {
	if dialect == types.Dialect0311 {
		ctx := make([]byte, len(preauthHash))
		copy(ctx, preauthHash[:])
		return smb311[p], ctx
	}
	lc := smb30[p]
	return lc.label, lc.context
}

// Keys holds the keys derived for one session.
type Keys struct {
	Signing     []byte
	Encryption  []byte
	Decryption  []byte
	Application []byte
}

// DeriveSessionKeys derives all SMB3 keys for a session. Encryption keys are
// 256 bits for the AES-256 ciphers and 128 bits otherwise.
func DeriveSessionKeys(sessionKey []byte, dialect types.Dialect, preauthHash [64]byte, cipher types.Cipher) Keys {
	derive := func(p Purpose, bits uint32) []byte {
		label, ctx := LabelAndContext(p, dialect, preauthHash)
		return Derive(sessionKey, label, ctx, bits)
	}
	return Keys{
		Signing:     derive(Signing, 128),
		Encryption:  derive(Encryption, cipher.KeyBits()),
		Decryption:  derive(Decryption, cipher.KeyBits()),
		Application: derive(Application, 128),
	}
}

// Destroy zeroes all key material.
func (k *Keys) Destroy() {
	clear(k.Signing)
	clear(k.Encryption)
	clear(k.Decryption)
	clear(k.Application)
}

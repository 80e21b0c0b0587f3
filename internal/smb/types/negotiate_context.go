package types

import (
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/smbenc"
)

// NegotiateContext is a single SMB 3.1.1 negotiate context.
//
// [MS-SMB2] Section 2.2.3.1
type NegotiateContext struct {
	ContextType uint16
	Data        []byte
}

// PreauthIntegrityCaps is SMB2_PREAUTH_INTEGRITY_CAPABILITIES.
//
// Wire format:
//
//	HashAlgorithmCount (2 bytes)
//	SaltLength         (2 bytes)
//	HashAlgorithms     (HashAlgorithmCount * 2 bytes)
//	Salt               (SaltLength bytes)
type PreauthIntegrityCaps struct {
	HashAlgorithms []uint16
	Salt           []byte
}

func (p PreauthIntegrityCaps) Encode() []byte {
	w := smbenc.NewWriter(4 + len(p.HashAlgorithms)*2 + len(p.Salt))
	w.WriteUint16(uint16(len(p.HashAlgorithms)))
	w.WriteUint16(uint16(len(p.Salt)))
	for _, alg := range p.HashAlgorithms {
		w.WriteUint16(alg)
	}
	w.WriteBytes(p.Salt)
	return w.Bytes()
}

// DecodePreauthIntegrityCaps parses SMB2_PREAUTH_INTEGRITY_CAPABILITIES.
func DecodePreauthIntegrityCaps(data []byte) (PreauthIntegrityCaps, error) {
	r := smbenc.NewReader(data)
	algs := make([]uint16, r.ReadUint16())
	saltLen := r.ReadUint16()
	for i := range algs {
		algs[i] = r.ReadUint16()
	}
	salt := r.ReadBytes(int(saltLen))
	if err := r.Err(); err != nil {
		return PreauthIntegrityCaps{}, fmt.Errorf("preauth integrity caps: %w", err)
	}
	return PreauthIntegrityCaps{HashAlgorithms: algs, Salt: salt}, nil
}

// EncryptionCaps is SMB2_ENCRYPTION_CAPABILITIES. A server response carries
// exactly one cipher, or CipherNone when it shares none of ours.
type EncryptionCaps struct {
	Ciphers []Cipher
}

func (e EncryptionCaps) Encode() []byte {
	w := smbenc.NewWriter(2 + len(e.Ciphers)*2)
	w.WriteUint16(uint16(len(e.Ciphers)))
	for _, c := range e.Ciphers {
		w.WriteUint16(uint16(c))
	}
	return w.Bytes()
}

// DecodeEncryptionCaps parses SMB2_ENCRYPTION_CAPABILITIES.
func DecodeEncryptionCaps(data []byte) (EncryptionCaps, error) {
	r := smbenc.NewReader(data)
	ciphers := make([]Cipher, r.ReadUint16())
	for i := range ciphers {
		ciphers[i] = Cipher(r.ReadUint16())
	}
	if err := r.Err(); err != nil {
		return EncryptionCaps{}, fmt.Errorf("encryption caps: %w", err)
	}
	return EncryptionCaps{Ciphers: ciphers}, nil
}

// SigningCaps is SMB2_SIGNING_CAPABILITIES.
//
// [MS-SMB2] Section 2.2.3.1.7
type SigningCaps struct {
	Algorithms []SigningAlg
}

func (s SigningCaps) Encode() []byte {
	w := smbenc.NewWriter(2 + len(s.Algorithms)*2)
	w.WriteUint16(uint16(len(s.Algorithms)))
	for _, a := range s.Algorithms {
		w.WriteUint16(uint16(a))
	}
	return w.Bytes()
}

// DecodeSigningCaps parses SMB2_SIGNING_CAPABILITIES.
func DecodeSigningCaps(data []byte) (SigningCaps, error) {
	r := smbenc.NewReader(data)
	algs := make([]SigningAlg, r.ReadUint16())
	for i := range algs {
		algs[i] = SigningAlg(r.ReadUint16())
	}
	if err := r.Err(); err != nil {
		return SigningCaps{}, fmt.Errorf("signing caps: %w", err)
	}
	return SigningCaps{Algorithms: algs}, nil
}

// CompressionCaps is SMB2_COMPRESSION_CAPABILITIES.
//
// Wire format:
//
//	CompressionAlgorithmCount (2 bytes)
//	Padding                   (2 bytes)
//	Flags                     (4 bytes)
//	CompressionAlgorithms     (count * 2 bytes)
type CompressionCaps struct {
	Flags      uint32
	Algorithms []uint16
}

func (c CompressionCaps) Encode() []byte {
	w := smbenc.NewWriter(8 + len(c.Algorithms)*2)
	w.WriteUint16(uint16(len(c.Algorithms)))
	w.WriteUint16(0)
	w.WriteUint32(c.Flags)
	for _, a := range c.Algorithms {
		w.WriteUint16(a)
	}
	return w.Bytes()
}

// DecodeCompressionCaps parses SMB2_COMPRESSION_CAPABILITIES.
func DecodeCompressionCaps(data []byte) (CompressionCaps, error) {
	r := smbenc.NewReader(data)
	algs := make([]uint16, r.ReadUint16())
	r.Skip(2)
	flags := r.ReadUint32()
	for i := range algs {
		algs[i] = r.ReadUint16()
	}
	if err := r.Err(); err != nil {
		return CompressionCaps{}, fmt.Errorf("compression caps: %w", err)
	}
	return CompressionCaps{Flags: flags, Algorithms: algs}, nil
}

// NetnameContext builds SMB2_NETNAME_NEGOTIATE_CONTEXT_ID for the target
// server name.
func NetnameContext(server string) NegotiateContext {
	b, _ := smbenc.EncodeUTF16(server)
	return NegotiateContext{ContextType: NegCtxNetnameContextID, Data: b}
}

// ParseNegotiateContextList parses count contexts. Contexts are 8-byte
// aligned relative to the start of the list.
func ParseNegotiateContextList(data []byte, count int) ([]NegotiateContext, error) {
	if count == 0 {
		return nil, nil
	}

	contexts := make([]NegotiateContext, 0, count)
	r := smbenc.NewReader(data)

	for i := range count {
		if i > 0 {
			if pad := r.Position() % 8; pad != 0 {
				r.Skip(8 - pad)
			}
		}
		ctxType := r.ReadUint16()
		dataLen := r.ReadUint16()
		r.Skip(4)
		payload := r.ReadBytes(int(dataLen))
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("negotiate context %d: %w", i, err)
		}
		contexts = append(contexts, NegotiateContext{ContextType: ctxType, Data: payload})
	}

	return contexts, nil
}

// EncodeNegotiateContextList encodes contexts with 8-byte alignment padding
// between them (not after the last one).
func EncodeNegotiateContextList(contexts []NegotiateContext) []byte {
	if len(contexts) == 0 {
		return nil
	}

	w := smbenc.NewWriter(256)
	for i, ctx := range contexts {
		w.WriteUint16(ctx.ContextType)
		w.WriteUint16(uint16(len(ctx.Data)))
		w.WriteUint32(0)
		w.WriteBytes(ctx.Data)
		if i < len(contexts)-1 {
			w.Pad(8)
		}
	}
	return w.Bytes()
}

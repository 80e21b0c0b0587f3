package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFromDOS(t *testing.T) {
	tests := []struct {
		name string
		code uint32
		want Status
	}{
		{"success", 0, StatusSuccess},
		{"ERRDOS/ERRbadfile", 0x00020001, StatusNoSuchFile},
		{"ERRDOS/ERRbadpath", 0x00030001, StatusObjectPathNotFound},
		{"ERRDOS/ERRnoaccess", 0x00050001, StatusAccessDenied},
		{"ERRSRV/ERRbadpw", 0x00020002, StatusWrongPassword},
		{"ERRHRD/ERRnowrite", 0x00130003, StatusMediaWriteProtected},
		{"ERRSRV/ERRpasswordExpired", 0x08c20002, StatusPasswordExpired},
		{"NT status passes through", 0xC0000257, StatusPathNotCovered},
		{"warning passes through", 0x80000005, StatusBufferOverflow},
		{"unknown", 0x12340001, StatusUnsuccessful},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFromDOS(tt.code))
		})
	}
}

func TestDOSCode(t *testing.T) {
	assert.Equal(t, DOSErrBadPathDFS, DOSCode(uint8(DOSClassERRSRV), 3))
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusSuccess.IsSuccess())
	assert.True(t, StatusPending.IsSuccess())
	assert.True(t, StatusBufferOverflow.IsWarning())
	assert.True(t, StatusAccessDenied.IsError())
	assert.True(t, StatusAccountLockedOut.IsAuthFailure())
	assert.False(t, StatusPathNotCovered.IsAuthFailure())
	assert.True(t, StatusInvalidDeviceRequest.IsUnsupported())

	assert.Equal(t, "STATUS_PATH_NOT_COVERED", StatusPathNotCovered.String())
	assert.Equal(t, "0xC0DEC0DE", Status(0xC0DEC0DE).String())
}

func TestDialect(t *testing.T) {
	d, err := ParseDialect("SMB311")
	require.NoError(t, err)
	assert.Equal(t, Dialect0311, d)
	assert.True(t, d.IsSMB3())
	assert.True(t, d.SupportsMultiCredit())
	assert.False(t, Dialect0202.SupportsMultiCredit())
	assert.False(t, DialectWildcard.IsSMB2())
	assert.False(t, DialectSMB1.IsSMB2())
	assert.Equal(t, "SMB 2.1", Dialect0210.String())

	_, err = ParseDialect("SMB4")
	assert.Error(t, err)
}

func TestCipher(t *testing.T) {
	c, err := ParseCipher("AES-256-GCM")
	require.NoError(t, err)
	assert.Equal(t, CipherAES256GCM, c)
	assert.EqualValues(t, 256, c.KeyBits())
	assert.EqualValues(t, 128, CipherAES128CCM.KeyBits())
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "TREE_CONNECT", CommandTreeConnect.String())
	assert.Equal(t, "UNKNOWN(0x0099)", Command(0x99).String())
}

func TestNegotiateContextList(t *testing.T) {
	salt := make([]byte, 32)
	for i := range salt {
		salt[i] = byte(i)
	}

	in := []NegotiateContext{
		{ContextType: NegCtxPreauthIntegrity, Data: PreauthIntegrityCaps{HashAlgorithms: []uint16{HashAlgSHA512}, Salt: salt}.Encode()},
		{ContextType: NegCtxEncryptionCaps, Data: EncryptionCaps{Ciphers: []Cipher{CipherAES128GCM, CipherAES128CCM}}.Encode()},
		{ContextType: NegCtxSigningCaps, Data: SigningCaps{Algorithms: []SigningAlg{SigningAESGMAC, SigningAESCMAC}}.Encode()},
		{ContextType: NegCtxCompressionCaps, Data: CompressionCaps{Algorithms: []uint16{CompressionLZ4}}.Encode()},
		NetnameContext("fs1"),
	}

	raw := EncodeNegotiateContextList(in)
	// preauth context: 8 header + 38 data, padded to 48
	assert.Equal(t, uint16(NegCtxEncryptionCaps), uint16(raw[48])|uint16(raw[49])<<8)

	out, err := ParseNegotiateContextList(raw, len(in))
	require.NoError(t, err)
	require.Len(t, out, len(in))

	pre, err := DecodePreauthIntegrityCaps(out[0].Data)
	require.NoError(t, err)
	assert.Equal(t, salt, pre.Salt)

	enc, err := DecodeEncryptionCaps(out[1].Data)
	require.NoError(t, err)
	assert.Equal(t, []Cipher{CipherAES128GCM, CipherAES128CCM}, enc.Ciphers)

	sig, err := DecodeSigningCaps(out[2].Data)
	require.NoError(t, err)
	assert.Equal(t, SigningAESGMAC, sig.Algorithms[0])

	comp, err := DecodeCompressionCaps(out[3].Data)
	require.NoError(t, err)
	assert.Equal(t, []uint16{CompressionLZ4}, comp.Algorithms)

	assert.Equal(t, []byte{'f', 0, 's', 0, '1', 0}, out[4].Data)
}

func TestParseNegotiateContextListTruncated(t *testing.T) {
	raw := EncodeNegotiateContextList([]NegotiateContext{{ContextType: NegCtxSigningCaps, Data: []byte{1, 0, 1, 0}}})
	_, err := ParseNegotiateContextList(raw[:10], 1)
	assert.Error(t, err)

	_, err = ParseNegotiateContextList(raw, 2)
	assert.Error(t, err)
}

package ntlm

import (
	"crypto/rc4"
	"encoding/binary"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbclient/internal/smb/smbenc"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// =============================================================================
// Detection Tests
// =============================================================================

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected bool
	}{
		{"Negotiate", BuildNegotiate(DefaultFlags, "", ""), true},
		{"TooShort", []byte{'N', 'T', 'L', 'M'}, false},
		{"WrongSignature", []byte{'X', 'X', 'X', 'X', 'X', 'X', 'X', 0, 1, 0, 0, 0}, false},
		{"Nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValid(tt.input))
		})
	}
}

func TestBuildNegotiate(t *testing.T) {
	msg := BuildNegotiate(DefaultFlags, "CORP", "WS1")
	require.True(t, IsValid(msg))
	assert.Equal(t, Negotiate, GetMessageType(msg))

	flags := NegotiateFlag(binary.LittleEndian.Uint32(msg[12:16]))
	assert.NotZero(t, flags&FlagDomainSupplied)
	assert.NotZero(t, flags&FlagWorkstationSupplied)

	domain, err := fieldAt(msg, 16)
	require.NoError(t, err)
	assert.Equal(t, "CORP", string(domain))
	ws, err := fieldAt(msg, 24)
	require.NoError(t, err)
	assert.Equal(t, "WS1", string(ws))
}

// =============================================================================
// TargetInfo Tests
// =============================================================================

func TestTargetInfoRoundTrip(t *testing.T) {
	pairs := []AVPair{
		{ID: AvNbDomainName, Value: smbenc.MustEncodeUTF16("Domain")},
		{ID: AvNbComputerName, Value: smbenc.MustEncodeUTF16("Server")},
	}
	raw := EncodeTargetInfo(pairs)
	got, err := ParseTargetInfo(raw)
	require.NoError(t, err)
	assert.Equal(t, pairs, got)

	_, err = ParseTargetInfo(raw[:len(raw)-4])
	assert.ErrorIs(t, err, ErrMessageTooShort)
}

// =============================================================================
// NTLMv2 Computation Tests ([MS-NLMP] 4.2.4 test vectors)
// =============================================================================

func TestComputeNTHash(t *testing.T) {
	empty := ComputeNTHash("")
	assert.Equal(t, "31d6cfe0d16ae931b73c59d7e0c089c0", hex.EncodeToString(empty[:]))

	h := ComputeNTHash("Password")
	assert.Equal(t, "a4f49c406510bdcab6824ee7c30fd852", hex.EncodeToString(h[:]))
}

func TestComputeNTLMv2Hash(t *testing.T) {
	h := ComputeNTLMv2Hash(ComputeNTHash("Password"), "User", "Domain")
	assert.Equal(t, "0c868a403bfd7a93a3001ef22ef02e3f", hex.EncodeToString(h[:]))

	upper := ComputeNTLMv2Hash(ComputeNTHash("Password"), "USER", "Domain")
	assert.Equal(t, h, upper, "username is case-insensitive")

	other := ComputeNTLMv2Hash(ComputeNTHash("Password"), "User", "DOMAIN")
	assert.NotEqual(t, h, other, "domain is case-sensitive")
}

func TestComputeResponses(t *testing.T) {
	var server, client [8]byte
	copy(server[:], unhex(t, "0123456789abcdef"))
	copy(client[:], unhex(t, "aaaaaaaaaaaaaaaa"))
	info := EncodeTargetInfo([]AVPair{
		{ID: AvNbDomainName, Value: smbenc.MustEncodeUTF16("Domain")},
		{ID: AvNbComputerName, Value: smbenc.MustEncodeUTF16("Server")},
	})

	hash := ComputeNTLMv2Hash(ComputeNTHash("Password"), "User", "Domain")
	r := ComputeResponses(hash, server, client, 0, info)

	assert.Equal(t, "68cd0ab851e51c96aabc927bebef6a1c", hex.EncodeToString(r.NT[:16]))
	assert.Equal(t, "86c35097ac9cec102554764a57cccc19aaaaaaaaaaaaaaaa", hex.EncodeToString(r.LM))
	assert.Equal(t, "8de40ccadbc14a82f15cb0ad0de95ca3", hex.EncodeToString(r.SessionBaseKey[:]))
	assert.Equal(t, byte(1), r.NT[16])
	assert.Equal(t, client[:], r.NT[16+16:16+24])
}

// =============================================================================
// Client Tests
// =============================================================================

func buildChallenge(flags NegotiateFlag, serverChallenge []byte, targetInfo []byte) []byte {
	name := smbenc.MustEncodeUTF16("SERVER")
	w := smbenc.NewWriter(64)
	w.WriteBytes(Signature)
	w.WriteUint32(uint32(Challenge))
	writeFields(w, len(name), challengeBaseSize)
	w.WriteUint32(uint32(flags))
	w.WriteBytes(serverChallenge)
	w.WriteZeros(8)
	writeFields(w, len(targetInfo), challengeBaseSize+len(name))
	w.WriteBytes(name)
	w.WriteBytes(targetInfo)
	return w.Bytes()
}

func counterRand() func([]byte) error {
	var n byte
	return func(b []byte) error {
		for i := range b {
			n++
			b[i] = n
		}
		return nil
	}
}

func TestParseChallenge(t *testing.T) {
	info := EncodeTargetInfo(nil)
	raw := buildChallenge(DefaultFlags, unhex(t, "0102030405060708"), info)

	msg, err := ParseChallenge(raw)
	require.NoError(t, err)
	assert.Equal(t, "SERVER", msg.TargetName)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, msg.ServerChallenge[:])
	assert.Equal(t, info, msg.TargetInfo)

	_, err = ParseChallenge(raw[:20])
	assert.ErrorIs(t, err, ErrMessageTooShort)

	_, err = ParseChallenge(BuildNegotiate(DefaultFlags, "", ""))
	assert.Error(t, err)
}

func TestClientExchange(t *testing.T) {
	stamp := make([]byte, 8)
	binary.LittleEndian.PutUint64(stamp, 0x01d0000000000000)
	info := EncodeTargetInfo([]AVPair{
		{ID: AvNbComputerName, Value: smbenc.MustEncodeUTF16("SERVER")},
		{ID: AvTimestamp, Value: stamp},
	})

	c := &Client{User: "alice", Password: "secret", Domain: "CORP", Rand: counterRand()}
	neg, err := c.Next(nil)
	require.NoError(t, err)
	assert.Equal(t, Negotiate, GetMessageType(neg))
	assert.Nil(t, c.SessionKey())

	chal := buildChallenge(DefaultFlags, unhex(t, "1122334455667788"), info)
	out, err := c.Next(chal)
	require.NoError(t, err)

	auth, err := ParseAuthenticate(out)
	require.NoError(t, err)
	assert.Equal(t, "alice", auth.Username)
	assert.Equal(t, "CORP", auth.Domain)
	assert.Equal(t, make([]byte, 24), auth.LmChallengeResponse, "server timestamp zeroes LMv2")
	assert.Equal(t, stamp, auth.NtChallengeResponse[16+8:16+16], "server timestamp is echoed")

	// Reproduce the session base key and unwrap the exchanged key.
	var server, client [8]byte
	copy(server[:], unhex(t, "1122334455667788"))
	copy(client[:], auth.NtChallengeResponse[16+16:16+24])
	hash := ComputeNTLMv2Hash(ComputeNTHash("secret"), "alice", "CORP")
	r := ComputeResponses(hash, server, client, binary.LittleEndian.Uint64(stamp), info)
	assert.Equal(t, r.NT, auth.NtChallengeResponse)

	require.Len(t, auth.EncryptedRandomSessionKey, 16)
	cipher, err := rc4.NewCipher(r.SessionBaseKey[:])
	require.NoError(t, err)
	exported := make([]byte, 16)
	cipher.XORKeyStream(exported, auth.EncryptedRandomSessionKey)
	assert.Equal(t, exported, c.SessionKey())

	_, err = c.Next(nil)
	assert.ErrorIs(t, err, ErrExchangeComplete)
}

func TestClientWithoutKeyExchange(t *testing.T) {
	c := &Client{User: "bob", Password: "pw", Rand: counterRand(), Now: func() time.Time { return time.Unix(0, 0) }}
	_, err := c.Next(nil)
	require.NoError(t, err)

	flags := DefaultFlags &^ FlagKeyExchange
	out, err := c.Next(buildChallenge(flags, unhex(t, "0000000000000001"), EncodeTargetInfo(nil)))
	require.NoError(t, err)

	auth, err := ParseAuthenticate(out)
	require.NoError(t, err)
	assert.Empty(t, auth.EncryptedRandomSessionKey)
	assert.Len(t, c.SessionKey(), 16)
	assert.Len(t, auth.LmChallengeResponse, 24)
	assert.NotEqual(t, make([]byte, 24), auth.LmChallengeResponse)
}

func TestClientAnonymous(t *testing.T) {
	c := &Client{}
	neg, err := c.Next(nil)
	require.NoError(t, err)
	flags := NegotiateFlag(binary.LittleEndian.Uint32(neg[12:16]))
	assert.NotZero(t, flags&FlagAnonymous)

	out, err := c.Next(buildChallenge(DefaultFlags, unhex(t, "0102030405060708"), EncodeTargetInfo(nil)))
	require.NoError(t, err)
	auth, err := ParseAuthenticate(out)
	require.NoError(t, err)
	assert.Empty(t, auth.Username)
	assert.Empty(t, auth.NtChallengeResponse)
	assert.Equal(t, []byte{0}, auth.LmChallengeResponse)
	assert.Nil(t, c.SessionKey())
}

func TestClientBadChallenge(t *testing.T) {
	c := &Client{User: "u", Password: "p"}
	_, err := c.Next(nil)
	require.NoError(t, err)
	_, err = c.Next([]byte("garbage"))
	assert.ErrorIs(t, err, ErrMessageTooShort)
}

package message

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

type encoder interface {
	Encode(w *smbenc.Writer)
}

func encode(t *testing.T, e encoder) []byte {
	t.Helper()
	w := smbenc.NewWriter(64)
	e.Encode(w)
	require.NoError(t, w.Err())
	return w.Bytes()
}

func TestNegotiateRequestRoundTrip(t *testing.T) {
	req := &NegotiateRequest{
		SecurityMode: types.SigningEnabled,
		Capabilities: types.CapDFS | types.CapLargeMTU,
		ClientGUID:   [16]byte{1, 2, 3, 4},
		Dialects:     types.SMB2Dialects,
		Contexts: []types.NegotiateContext{
			{ContextType: types.NegCtxPreauthIntegrity, Data: types.PreauthIntegrityCaps{
				HashAlgorithms: []uint16{types.HashAlgSHA512},
				Salt:           make([]byte, 32),
			}.Encode()},
			{ContextType: types.NegCtxEncryptionCaps, Data: types.EncryptionCaps{
				Ciphers: []types.Cipher{types.CipherAES128GCM, types.CipherAES128CCM},
			}.Encode()},
		},
	}

	body := encode(t, req)
	ctxOffset := binary.LittleEndian.Uint32(body[28:])
	assert.Zero(t, ctxOffset%8, "context list must be 8-byte aligned")
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(body[32:]))

	got, err := DecodeNegotiateRequest(body)
	require.NoError(t, err)
	assert.Equal(t, req.SecurityMode, got.SecurityMode)
	assert.Equal(t, req.Capabilities, got.Capabilities)
	assert.Equal(t, req.ClientGUID, got.ClientGUID)
	assert.Equal(t, req.Dialects, got.Dialects)
	require.Len(t, got.Contexts, 2)
	enc, ok := got.Context(types.NegCtxEncryptionCaps)
	require.True(t, ok)
	caps, err := types.DecodeEncryptionCaps(enc.Data)
	require.NoError(t, err)
	assert.Equal(t, []types.Cipher{types.CipherAES128GCM, types.CipherAES128CCM}, caps.Ciphers)
}

func TestNegotiateRequestWithoutContexts(t *testing.T) {
	req := &NegotiateRequest{Dialects: []types.Dialect{types.Dialect0202, types.Dialect0210}}
	body := encode(t, req)
	assert.Len(t, body, negotiateRequestFixedSize+4)

	got, err := DecodeNegotiateRequest(body)
	require.NoError(t, err)
	assert.Empty(t, got.Contexts)
	assert.False(t, got.HasDialect(types.Dialect0311))
}

func TestNegotiateResponseRoundTrip(t *testing.T) {
	resp := &NegotiateResponse{
		SecurityMode:    types.SigningEnabled | types.SigningRequired,
		Dialect:         types.Dialect0311,
		ServerGUID:      [16]byte{9, 9, 9},
		Capabilities:    types.CapDFS | types.CapEncryption,
		MaxTransactSize: 8 << 20,
		MaxReadSize:     8 << 20,
		MaxWriteSize:    8 << 20,
		SecurityBuffer:  []byte{0x60, 0x01, 0x02},
		Contexts: []types.NegotiateContext{
			{ContextType: types.NegCtxEncryptionCaps, Data: types.EncryptionCaps{
				Ciphers: []types.Cipher{types.CipherAES256GCM},
			}.Encode()},
			{ContextType: types.NegCtxSigningCaps, Data: types.SigningCaps{
				Algorithms: []types.SigningAlg{types.SigningAESGMAC},
			}.Encode()},
		},
	}

	var got NegotiateResponse
	require.NoError(t, got.Decode(encode(t, resp)))
	assert.Equal(t, resp.Dialect, got.Dialect)
	assert.Equal(t, resp.SecurityMode, got.SecurityMode)
	assert.Equal(t, resp.ServerGUID, got.ServerGUID)
	assert.Equal(t, resp.MaxReadSize, got.MaxReadSize)
	assert.Equal(t, resp.SecurityBuffer, got.SecurityBuffer)

	cipher, err := got.NegotiatedCipher()
	require.NoError(t, err)
	assert.Equal(t, types.CipherAES256GCM, cipher)

	alg, ok, err := got.NegotiatedSigning()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.SigningAESGMAC, alg)
}

func TestNegotiateResponseSilentContexts(t *testing.T) {
	var got NegotiateResponse
	require.NoError(t, got.Decode(encode(t, &NegotiateResponse{Dialect: types.Dialect0300})))

	cipher, err := got.NegotiatedCipher()
	require.NoError(t, err)
	assert.Equal(t, types.CipherNone, cipher)

	_, ok, err := got.NegotiatedSigning()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNegotiateResponseBadBufferOffset(t *testing.T) {
	body := encode(t, &NegotiateResponse{Dialect: types.Dialect0210, SecurityBuffer: []byte{1, 2}})
	binary.LittleEndian.PutUint16(body[58:], 500)

	var got NegotiateResponse
	assert.ErrorIs(t, got.Decode(body), ErrMalformed)
}

func TestNegotiateResponseWrongStructureSize(t *testing.T) {
	body := encode(t, &NegotiateResponse{Dialect: types.Dialect0210})
	body[0] = 64

	var got NegotiateResponse
	assert.ErrorIs(t, got.Decode(body), ErrMalformed)
}

func TestSessionSetupRoundTrip(t *testing.T) {
	req := &SessionSetupRequest{
		SecurityMode:      uint8(types.SigningEnabled),
		Capabilities:      types.CapDFS | types.CapEncryption,
		PreviousSessionID: 42,
		SecurityBuffer:    []byte("token"),
	}
	got, err := DecodeSessionSetupRequest(encode(t, req))
	require.NoError(t, err)
	assert.Equal(t, req.SecurityBuffer, got.SecurityBuffer)
	assert.Equal(t, uint64(42), got.PreviousSessionID)
	assert.Equal(t, types.CapDFS, got.Capabilities, "only DFS is a valid session setup capability")

	resp := &SessionSetupResponse{SessionFlags: types.SessionFlagIsGuest, SecurityBuffer: []byte("reply")}
	var gotResp SessionSetupResponse
	require.NoError(t, gotResp.Decode(encode(t, resp)))
	assert.True(t, gotResp.IsGuest())
	assert.False(t, gotResp.EncryptData())
	assert.Equal(t, []byte("reply"), gotResp.SecurityBuffer)
}

func TestTreeConnectRoundTrip(t *testing.T) {
	got, err := DecodeTreeConnectRequest(encode(t, &TreeConnectRequest{Path: `\\fs1\DATA`}))
	require.NoError(t, err)
	assert.Equal(t, `\\fs1\DATA`, got.Path)

	resp := &TreeConnectResponse{ShareType: types.ShareTypeDisk, ShareFlags: types.ShareFlagDFS, MaximalAccess: 0x1F01FF}
	var gotResp TreeConnectResponse
	require.NoError(t, gotResp.Decode(encode(t, resp)))
	assert.Equal(t, *resp, gotResp)
	assert.True(t, gotResp.IsDFS())
}

func TestIoctlRoundTrip(t *testing.T) {
	req := &IoctlRequest{
		CtlCode:           types.FSCTLDfsGetReferrals,
		FileID:            FileIDAny,
		Input:             []byte{3, 0, 'a', 0, 0, 0},
		MaxOutputResponse: 56 * 1024,
		Flags:             types.IoctlIsFsctl,
	}
	assert.Equal(t, 56*1024, PayloadSize(req))
	assert.False(t, AcceptsBufferOverflow(req))

	got, err := DecodeIoctlRequest(encode(t, req))
	require.NoError(t, err)
	assert.Equal(t, req, got)

	resp := &IoctlResponse{CtlCode: req.CtlCode, FileID: FileIDAny, Output: []byte("referrals")}
	var gotResp IoctlResponse
	require.NoError(t, gotResp.Decode(encode(t, resp)))
	assert.Equal(t, []byte("referrals"), gotResp.Output)
	assert.Empty(t, gotResp.Input)

	assert.True(t, AcceptsBufferOverflow(&IoctlRequest{CtlCode: types.FSCTLPipeTransceive}))
}

func TestEmptyBodies(t *testing.T) {
	for _, req := range []Request{&EchoRequest{}, &LogoffRequest{}, &TreeDisconnectRequest{}, &CancelRequest{}} {
		body, err := EncodeBody(req)
		require.NoError(t, err)
		assert.Equal(t, []byte{4, 0, 0, 0}, body, req.Command().String())
	}
	assert.NoError(t, (&EchoResponse{}).Decode([]byte{4, 0, 0, 0}))
	assert.ErrorIs(t, (&EchoResponse{}).Decode([]byte{9, 0}), ErrMalformed)
}

func TestErrorResponse(t *testing.T) {
	var e ErrorResponse
	require.NoError(t, e.Decode(encode(t, &ErrorResponse{Data: []byte{1, 2, 3}})))
	assert.Equal(t, []byte{1, 2, 3}, e.Data)

	require.NoError(t, e.Decode(encode(t, &ErrorResponse{})))
	assert.Empty(t, e.Data)
}

func TestOplockBreakNotifications(t *testing.T) {
	n, err := DecodeOplockBreakNotification(encode(t, &OplockBreak{OplockLevel: 1, FileID: [16]byte{7}}))
	require.NoError(t, err)
	require.NotNil(t, n.Oplock)
	assert.Equal(t, uint8(1), n.Oplock.OplockLevel)
	assert.Equal(t, byte(7), n.Oplock.FileID[0])

	lease := &LeaseBreak{NewEpoch: 3, LeaseKey: [16]byte{1}, CurrentLeaseState: 7, NewLeaseState: 1}
	n, err = DecodeOplockBreakNotification(encode(t, lease))
	require.NoError(t, err)
	require.NotNil(t, n.Lease)
	assert.Equal(t, *lease, *n.Lease)
	assert.Contains(t, n.String(), "lease break")

	_, err = DecodeOplockBreakNotification([]byte{10, 0, 0, 0})
	assert.ErrorIs(t, err, ErrMalformed)

	assert.True(t, IsNotification(types.SMB2AsyncNotificationMID, types.CommandOplockBreak))
	assert.False(t, IsNotification(5, types.CommandOplockBreak))
}

func TestRawRequest(t *testing.T) {
	req := &RawRequest{Cmd: types.CommandRead, Body: []byte{49, 0}, Payload: 1 << 20, Overflow: true}
	body, err := EncodeBody(req)
	require.NoError(t, err)
	assert.Equal(t, []byte{49, 0}, body)
	assert.Equal(t, 1<<20, PayloadSize(req))
	assert.True(t, AcceptsBufferOverflow(req))

	var resp RawResponse
	src := []byte{1, 2}
	require.NoError(t, resp.Decode(src))
	src[0] = 9
	assert.Equal(t, []byte{1, 2}, resp.Body, "raw response must own its bytes")
}

// =============================================================================
// SMB1
// =============================================================================

func TestSMB1NegotiateRequest(t *testing.T) {
	h := &header.SMB1Header{Flags2: types.SMB1Flags2Unicode}
	msg, err := EncodeSMB1(h, &SMB1NegotiateRequest{Dialects: []string{types.SMB1DialectNTLM012, types.SMB1DialectSMB2002}})
	require.NoError(t, err)

	assert.Equal(t, types.SMB1CommandNegotiate, msg[header.SMB1OffsetCommand])
	b, err := ReadBlock(msg, types.SMB1HeaderSize)
	require.NoError(t, err)
	assert.Empty(t, b.Words)
	assert.Equal(t, "\x02NT LM 0.12\x00\x02SMB 2.002\x00", string(b.Data))
}

func TestSMB1NegotiateResponseRoundTrip(t *testing.T) {
	resp := &SMB1NegotiateResponse{
		DialectIndex:  0,
		SecurityMode:  types.SMB1SecurityUserMode | types.SMB1SecuritySignEnabled,
		MaxMpxCount:   50,
		MaxBufferSize: 16644,
		Capabilities:  types.SMB1CapNTStatus | types.SMB1CapDFS,
		ServerGUID:    [16]byte{5},
		SecurityBlob:  []byte{0x60, 0x00},
	}
	msg, err := EncodeSMB1Response(&header.SMB1Header{}, resp)
	require.NoError(t, err)

	var got SMB1NegotiateResponse
	n, err := DecodeSMB1(msg, &got)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint32(16644), got.MaxBufferSize)
	assert.Equal(t, resp.ServerGUID, got.ServerGUID)
	assert.Equal(t, resp.SecurityBlob, got.SecurityBlob)
	assert.True(t, got.SigningEnabled())
	assert.False(t, got.SigningRequired())
}

func TestSMB1NegotiateNoDialect(t *testing.T) {
	w := smbenc.NewWriter(40)
	w.WriteZeros(types.SMB1HeaderSize)
	w.WriteUint8(1)
	w.WriteUint16(NoDialect)
	w.WriteUint16(0)
	msg := w.Bytes()
	(&header.SMB1Header{Command: types.SMB1CommandNegotiate}).Encode(msg)

	var got SMB1NegotiateResponse
	_, err := DecodeSMB1(msg, &got)
	require.NoError(t, err)
	assert.Equal(t, uint16(NoDialect), got.DialectIndex)
}

func TestSMB1AndXChain(t *testing.T) {
	h := &header.SMB1Header{Flags2: types.SMB1Flags2Unicode | types.SMB1Flags2ExtendedSecurity, MID: 3}
	msg, err := EncodeSMB1(h,
		&SMB1SessionSetupRequest{MaxBufferSize: 0xFFFF, SecurityBlob: []byte("blob"), NativeOS: "Go"},
		&SMB1TreeConnectRequest{Path: `\\FS1\IPC$`, Service: ServiceIPC},
	)
	require.NoError(t, err)
	assert.Equal(t, types.SMB1CommandSessionSetup, msg[header.SMB1OffsetCommand])

	first, err := ReadBlock(msg, types.SMB1HeaderSize)
	require.NoError(t, err)
	assert.Equal(t, types.SMB1CommandTreeConnectAnd, first.Words[0])
	next := int(first.Word(1))
	assert.Equal(t, first.DataOffset+len(first.Data), next, "AndX offset points right after the first block")

	second, err := ReadBlock(msg, next)
	require.NoError(t, err)
	assert.Equal(t, types.SMB1CommandNoAndX, second.Words[0])
	assert.Equal(t, uint16(0x0008), second.Word(2))
}

func TestSMB1ChainRejectsNonAndX(t *testing.T) {
	_, err := EncodeSMB1(&header.SMB1Header{}, &SMB1EchoRequest{}, &SMB1LogoffRequest{})
	assert.ErrorIs(t, err, ErrNotAndX)
}

func TestSMB1DecodeChainEndsEarly(t *testing.T) {
	msg, err := EncodeSMB1Response(&header.SMB1Header{Command: types.SMB1CommandSessionSetup},
		&SMB1SessionSetupResponse{Action: SMB1ActionGuest, SecurityBlob: []byte("x")})
	require.NoError(t, err)

	var setup SMB1SessionSetupResponse
	var tree SMB1TreeConnectResponse
	n, err := DecodeSMB1(msg, &setup, &tree)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, SMB1ActionGuest, setup.Action)
	assert.Equal(t, []byte("x"), setup.SecurityBlob)
}

func TestSMB1Trans2RoundTrip(t *testing.T) {
	req := &SMB1Trans2Request{
		Subcommand:        types.Trans2GetDFSReferral,
		Parameters:        []byte{3, 0, 'x', 0, 0, 0},
		MaxParameterCount: 0,
		MaxDataCount:      4096,
	}
	msg, err := EncodeSMB1(&header.SMB1Header{}, req)
	require.NoError(t, err)
	b, err := ReadBlock(msg, types.SMB1HeaderSize)
	require.NoError(t, err)
	assert.Len(t, b.Words, 2*smb1Trans2Words)
	paramOff := int(b.Word(10))
	assert.Zero(t, paramOff%4)
	assert.Equal(t, req.Parameters, msg[paramOff:paramOff+len(req.Parameters)])
	assert.Equal(t, types.Trans2GetDFSReferral, b.Word(14))

	respMsg, err := EncodeSMB1Response(&header.SMB1Header{Command: types.SMB1CommandTransaction2},
		&SMB1Trans2Response{Data: []byte("referral data")})
	require.NoError(t, err)
	var resp SMB1Trans2Response
	_, err = DecodeSMB1(respMsg, &resp)
	require.NoError(t, err)
	assert.Equal(t, []byte("referral data"), resp.Data)
	assert.Empty(t, resp.Parameters)
}

func TestSMB1Trans2Fragmented(t *testing.T) {
	respMsg, err := EncodeSMB1Response(&header.SMB1Header{Command: types.SMB1CommandTransaction2},
		&SMB1Trans2Response{Data: []byte("abcd")})
	require.NoError(t, err)
	// TotalDataCount larger than DataCount.
	binary.LittleEndian.PutUint16(respMsg[types.SMB1HeaderSize+1+2:], 100)

	var resp SMB1Trans2Response
	_, err = DecodeSMB1(respMsg, &resp)
	assert.ErrorIs(t, err, ErrFragmented)
}

func TestSMB1EchoAndOplockBreak(t *testing.T) {
	msg, err := EncodeSMB1Response(&header.SMB1Header{Command: types.SMB1CommandEcho}, &SMB1EchoResponse{SequenceNumber: 1, Data: []byte("ping")})
	require.NoError(t, err)
	var echo SMB1EchoResponse
	_, err = DecodeSMB1(msg, &echo)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), echo.Data)

	brk, err := EncodeSMB1(&header.SMB1Header{MID: types.SMB1NotificationMID}, &lockingBlock{SMB1OplockBreak{FID: 0x4001, OplockLevel: 1}})
	require.NoError(t, err)
	n, err := DecodeSMB1OplockBreak(brk)
	require.NoError(t, err)
	require.NotNil(t, n.SMB1)
	assert.Equal(t, uint16(0x4001), n.SMB1.FID)
	assert.Equal(t, uint8(1), n.SMB1.OplockLevel)
}

// lockingBlock lets the test encode a server-side LOCKING_ANDX block as a request.
type lockingBlock struct{ SMB1OplockBreak }

func (*lockingBlock) SMB1Command() uint8 { return types.SMB1CommandLockingAndX }

package client

import (
	"bytes"
	"context"
	"crypto/sha512"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbclient/internal/smb/encryption"
	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/kdf"
	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/signing"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// =============================================================================
// SMB 3.1.1 session keys
// =============================================================================

func chainSHA512(h [64]byte, msg []byte) [64]byte {
	return sha512.Sum512(append(h[:], msg...))
}

// preauthServer negotiates 3.1.1 and keeps its own preauth hash over the
// messages it reads and writes. The final session setup leg derives the
// session keys from that hash, signs the response with them and, with
// encryptData, switches the connection to transform frames.
type preauthServer struct {
	*fakeServer
	cipher      types.Cipher
	encryptData bool

	hmu  sync.Mutex
	hash [64]byte
	// challenge is the MORE_PROCESSING response as sent.
	challenge []byte
	keys      kdf.Keys
	signer    signing.Signer
}

func newPreauthServer(cipher types.Cipher) *preauthServer {
	srv := newFakeServer()
	srv.dialect = types.Dialect0311
	srv.contexts = []types.NegotiateContext{
		{ContextType: types.NegCtxPreauthIntegrity, Data: types.PreauthIntegrityCaps{
			HashAlgorithms: []uint16{types.HashAlgSHA512},
			Salt:           make([]byte, 32),
		}.Encode()},
		{ContextType: types.NegCtxEncryptionCaps, Data: types.EncryptionCaps{
			Ciphers: []types.Cipher{cipher},
		}.Encode()},
	}
	p := &preauthServer{fakeServer: srv, cipher: cipher}
	srv.handle(types.CommandNegotiate, p.negotiate)
	srv.handle(types.CommandSessionSetup, p.sessionSetup)
	return p
}

func (p *preauthServer) negotiate(_ *serverConn, req []byte, hdr *header.SMB2Header) []byte {
	h := p.responseHeader(hdr, types.StatusSuccess)
	h.Credits = p.initial
	resp := p.build(h, p.negotiateResponse(p.dialect))

	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.hash = chainSHA512(chainSHA512([64]byte{}, req), resp)
	return resp
}

func (p *preauthServer) sessionSetup(_ *serverConn, req []byte, hdr *header.SMB2Header) []byte {
	ss, err := message.DecodeSessionSetupRequest(req[types.SMB2HeaderSize:])
	if err != nil {
		return p.reply(hdr, types.StatusInvalidParameter, nil)
	}
	h := p.responseHeader(hdr, types.StatusSuccess)
	h.SessionID = testSessionID

	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.hash = chainSHA512(p.hash, req)
	if string(ss.SecurityBuffer) == "tok1" {
		h.Status = types.StatusMoreProcessingRequired
		resp := p.build(h, &message.SessionSetupResponse{SecurityBuffer: []byte("challenge")})
		p.challenge = resp
		p.hash = chainSHA512(p.hash, resp)
		return resp
	}

	p.keys = kdf.DeriveSessionKeys(testKey, p.dialect, p.hash, p.cipher)
	p.signer = signing.NewSigner(p.dialect, types.SigningAESCMAC, p.keys.Signing)

	var (
		flags uint16
		crypt *encryption.Context
	)
	if p.encryptData {
		flags = types.SessionFlagEncryptData
		crypt, err = encryption.NewContext(p.cipher, p.dialect, testSessionID, p.keys.Decryption, p.keys.Encryption)
		if err != nil {
			return p.reply(hdr, types.StatusInvalidParameter, nil)
		}
	}
	resp := p.build(h, &message.SessionSetupResponse{SessionFlags: flags})
	signing.SignMessage(p.signer, resp)

	p.fakeServer.mu.Lock()
	defer p.fakeServer.mu.Unlock()
	if crypt != nil {
		p.fakeServer.crypt = crypt
	} else {
		p.fakeServer.signer = p.signer
	}
	return resp
}

func (p *preauthServer) state() (hash [64]byte, challenge []byte, keys kdf.Keys, signer signing.Signer) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	return p.hash, p.challenge, p.keys, p.signer
}

func TestSessionKeysFollowPreauthHash(t *testing.T) {
	srv := newPreauthServer(types.CipherAES128GCM)
	c := connect(t, srv.fakeServer, testConfig())
	ctx := context.Background()

	s, err := c.Session(ctx, testFactory{identity: `CORP\alice`, key: testKey}, "", "")
	require.NoError(t, err)
	defer s.Release()
	assert.True(t, s.IsSigned())

	serverHash, challenge, serverKeys, serverSigner := srv.state()
	frames := srv.received()
	require.Len(t, frames, 3)

	// negotiate, then request, challenge, request; the final response is
	// not part of the chain.
	want := chainSHA512(c.Negotiated().PreauthHash, frames[1])
	want = chainSHA512(want, challenge)
	want = chainSHA512(want, frames[2])
	assert.Equal(t, want, serverHash)

	expected := kdf.DeriveSessionKeys(testKey, types.Dialect0311, want, types.CipherAES128GCM)
	s.mu.Lock()
	signKey, keys := s.signKey, s.keys
	s.mu.Unlock()
	assert.Equal(t, expected.Signing, signKey)
	assert.Equal(t, serverKeys.Signing, keys.Signing)
	assert.Equal(t, serverKeys.Encryption, keys.Encryption)
	assert.Equal(t, serverKeys.Decryption, keys.Decryption)

	skipped := kdf.DeriveSessionKeys(testKey, types.Dialect0311, chainSHA512(c.Negotiated().PreauthHash, frames[2]), types.CipherAES128GCM)
	assert.NotEqual(t, skipped.Signing, signKey)

	// Requests after setup carry a CMAC over the derived key.
	_, err = s.Send(ctx, Single(&message.EchoRequest{}, &message.EchoResponse{}), SendOptions{})
	require.NoError(t, err)
	frames = srv.received()
	require.Len(t, frames, 4)
	hdr, err := header.ParseSMB2(frames[3])
	require.NoError(t, err)
	assert.True(t, hdr.IsSigned())
	assert.True(t, serverSigner.Verify(frames[3]))
}

func TestSessionSetupRejectsForeignSigningKey(t *testing.T) {
	srv := newPreauthServer(types.CipherAES128GCM)
	c := connect(t, srv.fakeServer, testConfig())

	_, err := c.Session(context.Background(), testFactory{identity: `CORP\alice`, key: []byte("fedcba9876543210")}, "", "")
	var se *SignatureError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.CommandSessionSetup.String(), se.Command)
}

// =============================================================================
// Encryption
// =============================================================================

func TestEncryptedSessionRoundTrip(t *testing.T) {
	srv := newPreauthServer(types.CipherAES128GCM)
	srv.encryptData = true
	cfg := testConfig()
	cfg.EncryptionEnabled = true
	c := connect(t, srv.fakeServer, cfg)
	ctx := context.Background()

	s, err := c.Session(ctx, testFactory{identity: `CORP\alice`, key: testKey}, "", "")
	require.NoError(t, err)
	defer s.Release()
	require.True(t, s.IsEncrypted())

	l, err := c.current()
	require.NoError(t, err)
	require.NotNil(t, l.decryptor(testSessionID))

	tree, err := s.Tree(ctx, "data", ServiceAny)
	require.NoError(t, err)
	defer tree.Release()
	assert.Equal(t, uint32(1), tree.ID())

	_, err = s.Send(ctx, Single(&message.EchoRequest{}, &message.EchoResponse{}), SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, srv.decrypted())

	frames := srv.received()
	require.Len(t, frames, 5)
	var nonces [][16]byte
	for _, frame := range frames[3:] {
		require.Equal(t, types.TransformProtocolID, header.ProtocolID(frame))
		th, err := header.ParseTransform(frame)
		require.NoError(t, err)
		assert.Equal(t, uint64(testSessionID), th.SessionID)
		assert.Equal(t, header.TransformFlagEncrypted, th.Flags)
		assert.Equal(t, len(frame)-types.TransformHeaderSize, int(th.OriginalMessageSize))
		nonces = append(nonces, th.Nonce)
	}
	assert.NotEqual(t, nonces[0], nonces[1])
	assert.Equal(t, 1, srv.count(types.CommandTreeConnect))
	assert.Equal(t, 1, srv.count(types.CommandEcho))
}

func TestTamperedTransformFailsConnection(t *testing.T) {
	tests := []struct {
		name   string
		offset int
	}{
		{name: "Nonce", offset: header.TransformAADOffset},
		{name: "Flags", offset: 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newPreauthServer(types.CipherAES128GCM)
			srv.encryptData = true
			srv.tamper = func(frame []byte) { frame[tt.offset] ^= 0x02 }
			cfg := testConfig()
			cfg.EncryptionEnabled = true
			c := connect(t, srv.fakeServer, cfg)

			s, err := c.Session(context.Background(), testFactory{identity: `CORP\alice`, key: testKey}, "", "")
			require.NoError(t, err)
			defer s.Release()

			_, err = s.Tree(context.Background(), "data", ServiceAny)
			require.Error(t, err)
			assert.True(t, IsTransportError(err))
			assert.ErrorIs(t, err, encryption.ErrDecrypt)
			assert.Equal(t, 1, srv.decrypted())
		})
	}
}

// =============================================================================
// SMB1 signing
// =============================================================================

// smb1Server speaks extended-security SMB1 with signing required. Once the
// final session setup request arrives it keeps an MD5 digest in step with
// the client: every request is verified at the next even sequence number
// and answered at the following one, shifted by skew.
type smb1Server struct {
	*fakeServer
	skew uint32

	hmu      sync.Mutex
	digest   *signing.SMB1Digest
	seq      uint32
	verified []uint32
	services []string
}

const smb1TestUID = 0x0800

func newSMB1Server() *smb1Server {
	p := &smb1Server{fakeServer: newFakeServer()}
	p.smb1 = p.answer
	return p
}

func smb1Config() Config {
	cfg := testConfig()
	cfg.MinDialect = types.DialectSMB1
	cfg.MaxDialect = types.DialectSMB1
	return cfg
}

func (p *smb1Server) answer(sc *serverConn, msg []byte) {
	req, err := header.ParseSMB1(msg)
	if err != nil {
		_ = sc.Close()
		return
	}
	block, err := message.ReadBlock(msg, types.SMB1HeaderSize)
	if err != nil {
		_ = sc.Close()
		return
	}
	h := &header.SMB1Header{
		Command: req.Command,
		Flags2:  types.SMB1Flags2NTStatus | types.SMB1Flags2ExtendedSecurity | types.SMB1Flags2Unicode,
		PIDLow:  req.PIDLow,
		UID:     req.UID,
		TID:     req.TID,
		MID:     req.MID,
	}

	p.hmu.Lock()
	defer p.hmu.Unlock()

	var body message.SMB1Encoder
	switch req.Command {
	case types.SMB1CommandNegotiate:
		body = &message.SMB1NegotiateResponse{
			SecurityMode:  types.SMB1SecurityUserMode | types.SMB1SecurityEncryptPassword | types.SMB1SecuritySignEnabled | types.SMB1SecuritySignRequired,
			MaxMpxCount:   50,
			MaxNumberVCs:  1,
			MaxBufferSize: 16644,
			MaxRawSize:    65536,
			Capabilities:  types.SMB1CapUnicode | types.SMB1CapNTStatus | types.SMB1CapNTSMBs,
			SecurityBlob:  []byte("hint"),
		}
	case types.SMB1CommandSessionSetup:
		h.UID = smb1TestUID
		n := int(block.Word(7))
		if n > len(block.Data) {
			_ = sc.Close()
			return
		}
		if string(block.Data[:n]) == "tok1" {
			h.Status = uint32(types.StatusMoreProcessingRequired)
			body = &message.SMB1SessionSetupResponse{SecurityBlob: []byte("challenge")}
			break
		}
		p.digest = signing.NewSMB1Digest(testKey)
		body = &message.SMB1SessionSetupResponse{}
	case types.SMB1CommandTreeConnectAnd:
		// Data ends with the path in UTF-16 and the ASCII service.
		d := bytes.TrimSuffix(block.Data, []byte{0})
		service := string(d[bytes.LastIndexByte(d, 0)+1:])
		p.services = append(p.services, service)
		h.TID = uint16(len(p.services))
		body = &message.SMB1TreeConnectResponse{Service: service}
	case types.SMB1CommandEcho:
		body = &message.SMB1EchoResponse{SequenceNumber: 1}
	default:
		_ = sc.Close()
		return
	}

	resp, err := message.EncodeSMB1Response(h, body)
	if err != nil {
		_ = sc.Close()
		return
	}
	if p.digest != nil {
		if req.Flags2&types.SMB1Flags2SecuritySignature != 0 && p.digest.Verify(msg, p.seq) {
			p.verified = append(p.verified, p.seq)
		}
		p.digest.Sign(resp, p.seq+1+p.skew)
		p.seq += 2
	}
	sc.send(resp)
}

func (p *smb1Server) seen() (verified []uint32, services []string) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	return append([]uint32(nil), p.verified...), append([]string(nil), p.services...)
}

func TestSMB1SignedSession(t *testing.T) {
	srv := newSMB1Server()
	c := connect(t, srv.fakeServer, smb1Config())
	ctx := context.Background()
	require.True(t, c.Negotiated().IsSMB1())
	require.True(t, c.Negotiated().SigningRequired)

	s, err := c.Session(ctx, testFactory{identity: `CORP\alice`, key: testKey}, "", "")
	require.NoError(t, err)
	defer s.Release()
	assert.Equal(t, uint64(smb1TestUID), s.ID())

	disk, err := s.Tree(ctx, "data", ServiceDisk)
	require.NoError(t, err)
	defer disk.Release()
	assert.Equal(t, uint32(1), disk.ID())
	assert.Equal(t, types.ShareTypeDisk, disk.ShareType())

	ipc, err := s.Tree(ctx, IPCShare, ServiceIPC)
	require.NoError(t, err)
	defer ipc.Release()
	assert.Equal(t, types.ShareTypePipe, ipc.ShareType())

	require.NoError(t, c.Echo(ctx))

	verified, services := srv.seen()
	assert.Equal(t, []uint32{0, 2, 4, 6}, verified)
	assert.Equal(t, []string{ServiceDisk, ServiceIPC}, services)
}

func TestSMB1ResponseSignedAtWrongSequence(t *testing.T) {
	srv := newSMB1Server()
	srv.skew = 2
	c := connect(t, srv.fakeServer, smb1Config())

	_, err := c.Session(context.Background(), testFactory{identity: `CORP\alice`, key: testKey}, "", "")
	var se *SignatureError
	require.ErrorAs(t, err, &se)
	assert.True(t, errors.Is(err, ErrSignatureVerification))

	verified, _ := srv.seen()
	assert.Equal(t, []uint32{0}, verified)
}

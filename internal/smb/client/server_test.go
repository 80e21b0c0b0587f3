package client

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbclient/internal/smb/auth"
	"github.com/marmos91/smbclient/internal/smb/encryption"
	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/signing"
	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// =============================================================================
// Fake Server
// =============================================================================

// testSessionID is the session id the fake server assigns.
const testSessionID = 0x1000

type encoder interface {
	Encode(w *smbenc.Writer)
}

// handler answers one compound member. A nil result sends nothing.
type handler func(sc *serverConn, req []byte, hdr *header.SMB2Header) []byte

// fakeServer speaks enough SMB2 over in-memory pipes to drive the engine:
// negotiate, a two-leg session setup, tree connect, echo and logoff.
// Handlers registered with on replace the default for a command.
type fakeServer struct {
	dialect      types.Dialect
	securityMode types.SecurityMode
	// initial is the negotiate grant, grant the grant of every other response.
	initial uint16
	grant   uint16
	// sessionKey, when set, makes the server sign session responses once
	// authentication completes.
	sessionKey []byte
	// unsignedSetup leaves the final session setup response unsigned.
	unsignedSetup bool
	sessionFlags  uint16
	contexts      []types.NegotiateContext
	shareFlags    map[string]uint32
	// smb1 answers SMB1 frames; nil drops the connection.
	smb1 func(sc *serverConn, msg []byte)
	// dialErr fails dials to matching addresses.
	dialErr func(addr string) error
	// tamper, when set, mangles every encrypted response before it is sent.
	tamper func(frame []byte)

	mu     sync.Mutex
	on     map[types.Command]handler
	counts map[types.Command]int
	frames [][]byte
	dials  []string
	conns  []*serverConn
	signer signing.Signer
	trees  map[string]uint32
	// crypt opens transform frames and seals the answers to them.
	crypt      *encryption.Context
	transforms int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		dialect:    types.Dialect0210,
		initial:    16,
		grant:      1,
		shareFlags: map[string]uint32{},
		on:         map[types.Command]handler{},
		counts:     map[types.Command]int{},
		trees:      map[string]uint32{},
	}
}

// handle replaces the default behaviour for cmd.
func (s *fakeServer) handle(cmd types.Command, h handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on[cmd] = h
}

func (s *fakeServer) count(cmd types.Command) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[cmd]
}

// decrypted returns how many transform frames the server opened.
func (s *fakeServer) decrypted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transforms
}

// received returns the frames the server read, in order. Transform
// frames stay sealed.
func (s *fakeServer) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *fakeServer) dialed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dials...)
}

// conn returns the i-th accepted connection.
func (s *fakeServer) conn(i int) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *fakeServer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	s.mu.Lock()
	s.dials = append(s.dials, addr)
	s.mu.Unlock()
	if s.dialErr != nil {
		if err := s.dialErr(addr); err != nil {
			return nil, err
		}
	}
	client, server := net.Pipe()
	sc := &serverConn{Conn: server, srv: s}
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()
	go s.serve(sc)
	return client, nil
}

func (s *fakeServer) serve(sc *serverConn) {
	defer sc.Close()
	var nb [types.NetBIOSHeaderSize]byte
	for {
		if _, err := io.ReadFull(sc, nb[:]); err != nil {
			return
		}
		msg := make([]byte, frameLength(nb[:]))
		if _, err := io.ReadFull(sc, msg); err != nil {
			return
		}
		if nb[0] == types.NetBIOSSessionRequest {
			sc.writeRaw([]byte{types.NetBIOSPositiveSessionResponse, 0, 0, 0})
			continue
		}
		s.dispatch(sc, msg)
	}
}

func (s *fakeServer) dispatch(sc *serverConn, msg []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, msg)
	s.mu.Unlock()

	if header.ProtocolID(msg) == types.SMB1ProtocolID {
		if s.smb1 == nil {
			_ = sc.Close()
			return
		}
		s.smb1(sc, msg)
		return
	}

	var crypt *encryption.Context
	if header.ProtocolID(msg) == types.TransformProtocolID {
		s.mu.Lock()
		crypt = s.crypt
		s.mu.Unlock()
		if crypt == nil {
			_ = sc.Close()
			return
		}
		plain, err := crypt.Decrypt(msg)
		if err != nil {
			_ = sc.Close()
			return
		}
		s.mu.Lock()
		s.transforms++
		s.mu.Unlock()
		msg = plain
	}

	parts, err := header.SplitCompound(msg)
	if err != nil {
		return
	}
	for _, part := range parts {
		hdr, err := header.ParseSMB2(part)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.counts[hdr.Command]++
		h := s.on[hdr.Command]
		s.mu.Unlock()
		if h == nil {
			h = s.defaultHandler
		}
		resp := h(sc, part, hdr)
		if resp == nil {
			continue
		}
		if crypt != nil {
			resp = crypt.Encrypt(resp)
			if s.tamper != nil {
				s.tamper(resp)
			}
		}
		sc.send(resp)
	}
}

// responseHeader returns the header of a response to req with the default
// grant.
func (s *fakeServer) responseHeader(req *header.SMB2Header, status types.Status) header.SMB2Header {
	return header.SMB2Header{
		Command:   req.Command,
		Status:    status,
		Credits:   s.grant,
		Flags:     types.FlagResponse,
		MessageID: req.MessageID,
		SessionID: req.SessionID,
		TreeID:    req.TreeID,
	}
}

// build encodes h and body, signing session responses once a signer is set.
// A nil body encodes the SMB2 ERROR response.
func (s *fakeServer) build(h header.SMB2Header, body encoder) []byte {
	if body == nil {
		body = &message.ErrorResponse{}
	}
	w := smbenc.NewWriter(64)
	body.Encode(w)
	msg := append(h.Bytes(), w.Bytes()...)

	s.mu.Lock()
	signer := s.signer
	s.mu.Unlock()
	if signer != nil && h.SessionID != 0 {
		signing.SignMessage(signer, msg)
	}
	return msg
}

// reply answers req with status and body.
func (s *fakeServer) reply(req *header.SMB2Header, status types.Status, body encoder) []byte {
	return s.build(s.responseHeader(req, status), body)
}

func (s *fakeServer) defaultHandler(_ *serverConn, req []byte, hdr *header.SMB2Header) []byte {
	body := req[types.SMB2HeaderSize:]
	switch hdr.Command {
	case types.CommandNegotiate:
		h := s.responseHeader(hdr, types.StatusSuccess)
		h.Credits = s.initial
		return s.build(h, s.negotiateResponse(s.dialect))

	case types.CommandSessionSetup:
		ss, err := message.DecodeSessionSetupRequest(body)
		if err != nil {
			return s.reply(hdr, types.StatusInvalidParameter, nil)
		}
		h := s.responseHeader(hdr, types.StatusSuccess)
		if h.SessionID == 0 {
			h.SessionID = testSessionID
		}
		if string(ss.SecurityBuffer) == "tok1" {
			h.Status = types.StatusMoreProcessingRequired
			return s.build(h, &message.SessionSetupResponse{SecurityBuffer: []byte("challenge")})
		}
		if s.unsignedSetup {
			defer s.startSigning()
		} else {
			s.startSigning()
		}
		return s.build(h, &message.SessionSetupResponse{SessionFlags: s.sessionFlags})

	case types.CommandTreeConnect:
		tc, err := message.DecodeTreeConnectRequest(body)
		if err != nil {
			return s.reply(hdr, types.StatusInvalidParameter, nil)
		}
		share := strings.ToUpper(tc.Path[strings.LastIndexByte(tc.Path, '\\')+1:])
		s.mu.Lock()
		id, ok := s.trees[share]
		if !ok {
			id = uint32(len(s.trees) + 1)
			s.trees[share] = id
		}
		flags := s.shareFlags[share]
		s.mu.Unlock()

		h := s.responseHeader(hdr, types.StatusSuccess)
		h.TreeID = id
		shareType := types.ShareTypeDisk
		if share == IPCShare {
			shareType = types.ShareTypePipe
		}
		return s.build(h, &message.TreeConnectResponse{ShareType: shareType, ShareFlags: flags, MaximalAccess: 0x001F01FF})

	case types.CommandEcho:
		return s.reply(hdr, types.StatusSuccess, &message.EchoResponse{})
	case types.CommandLogoff:
		return s.reply(hdr, types.StatusSuccess, &message.LogoffResponse{})
	case types.CommandTreeDisconnect:
		return s.reply(hdr, types.StatusSuccess, &message.TreeDisconnectResponse{})
	case types.CommandCancel:
		return nil
	}
	return s.reply(hdr, types.StatusNotSupported, nil)
}

func (s *fakeServer) startSigning() {
	if len(s.sessionKey) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = signing.NewHMACSigner(s.sessionKey)
}

func (s *fakeServer) negotiateResponse(dialect types.Dialect) *message.NegotiateResponse {
	return &message.NegotiateResponse{
		SecurityMode:    s.securityMode | types.SigningEnabled,
		Dialect:         dialect,
		ServerGUID:      [16]byte{0xAB},
		MaxTransactSize: 1 << 20,
		MaxReadSize:     1 << 20,
		MaxWriteSize:    1 << 20,
		SecurityBuffer:  []byte("hint"),
		Contexts:        s.contexts,
	}
}

// serverConn is the server end of one pipe.
type serverConn struct {
	net.Conn
	srv *fakeServer
	wmu sync.Mutex
}

// send frames msg as a NetBIOS session message.
func (sc *serverConn) send(msg []byte) {
	frame := make([]byte, types.NetBIOSHeaderSize, types.NetBIOSHeaderSize+len(msg))
	frame[1] = byte(len(msg) >> 16)
	frame[2] = byte(len(msg) >> 8)
	frame[3] = byte(len(msg))
	sc.writeRaw(append(frame, msg...))
}

func (sc *serverConn) writeRaw(b []byte) {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	_, _ = sc.Write(b)
}

// network routes dials to one fake server per host.
type network map[string]*fakeServer

func (n network) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	srv, ok := n[host]
	if !ok {
		return nil, errors.New("no route to host " + host)
	}
	return srv.DialContext(ctx, network, addr)
}

// =============================================================================
// Authentication
// =============================================================================

// testAuth runs the fake server's two-leg exchange: "tok1", then "tok2".
type testAuth struct {
	identity string
	key      []byte
	step     int
}

func (a *testAuth) Identity() string  { return a.identity }
func (a *testAuth) IsAnonymous() bool { return false }

func (a *testAuth) Next(serverToken []byte) ([]byte, error) {
	a.step++
	switch a.step {
	case 1:
		return []byte("tok1"), nil
	case 2:
		if string(serverToken) != "challenge" {
			return nil, errors.New("unexpected server token " + string(serverToken))
		}
		return []byte("tok2"), nil
	}
	return nil, nil
}

func (a *testAuth) SessionKey() []byte {
	if a.step < 2 {
		return nil
	}
	return a.key
}

type testFactory struct {
	identity string
	key      []byte
}

func (f testFactory) Identity() string { return f.identity }

func (f testFactory) New() auth.Authenticator {
	return &testAuth{identity: f.identity, key: f.key}
}

var alice = testFactory{identity: `CORP\alice`}

// =============================================================================
// Helpers
// =============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port139Fallback = false
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ResponseTimeout = 2 * time.Second
	return cfg
}

func newTestConnection(t *testing.T, srv *fakeServer, cfg Config) *Connection {
	t.Helper()
	c := NewConnection("fileserver", cfg, Deps{Dialer: srv})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = c.Disconnect(ctx, true, false)
	})
	return c
}

func connect(t *testing.T, srv *fakeServer, cfg Config) *Connection {
	t.Helper()
	c := newTestConnection(t, srv, cfg)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func echoChain(n int, link func(prev message.Response, next message.Request) error) *Chain {
	ch := NewChain(link)
	for range n {
		ch.Add(&message.EchoRequest{}, &message.EchoResponse{})
	}
	return ch
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

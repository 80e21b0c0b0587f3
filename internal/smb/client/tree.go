package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/chain"
	"github.com/marmos91/smbclient/internal/smb/dfs"
	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/signing"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/internal/telemetry"
)

// IPCShare is the inter-process communication share used for referrals.
const IPCShare = "IPC$"

// Tree connect services. SMB1 sends the service in TREE_CONNECT_ANDX; SMB2
// has no such field and only uses it to keep trees apart.
const (
	ServiceAny     = message.ServiceAny
	ServiceDisk    = message.ServiceDisk
	ServicePrinter = message.ServicePrinter
	ServiceIPC     = message.ServiceIPC
	ServiceComm    = message.ServiceComm
)

// maxReferralResponse bounds the referral output requested from the server.
const maxReferralResponse = 56 * 1024

// Tree is a connection to one share within a Session. Trees are cached by
// share name and service, and reference counted like sessions.
type Tree struct {
	session *Session
	share   string
	service string
	path    string

	connectMu sync.Mutex

	mu        sync.Mutex
	id        uint32
	connected bool
	closed    bool
	usage     int
	dfs       bool
	encrypt   bool
	shareType uint8
	// signer is set on IPC$ when signing is enforced there but not on the
	// session.
	signer signing.Signer
}

// Share returns the share name.
func (t *Tree) Share() string { return t.share }

// Service returns the service the tree was requested with.
func (t *Tree) Service() string { return t.service }

// Path returns \\server\share.
func (t *Tree) Path() string { return t.path }

// Session returns the owning session.
func (t *Tree) Session() *Session { return t.session }

// ID returns the tree id.
func (t *Tree) ID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// IsDFS reports whether the share is in a DFS namespace.
func (t *Tree) IsDFS() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dfs
}

// IsEncrypted reports whether the share requires encryption.
func (t *Tree) IsEncrypted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encrypt
}

// ShareType returns the SMB2 share type.
func (t *Tree) ShareType() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shareType
}

func (t *Tree) acquire() {
	t.mu.Lock()
	t.usage++
	first := t.usage == 1
	t.mu.Unlock()
	if first {
		t.session.acquire()
	}
}

// Release drops one usage reference. The tree stays connected for reuse
// until its session logs off.
func (t *Tree) Release() {
	t.mu.Lock()
	if t.usage == 0 {
		t.mu.Unlock()
		panic("smb: tree released more times than acquired")
	}
	t.usage--
	last := t.usage == 0
	t.mu.Unlock()
	if last {
		t.session.Release()
	}
}

// Tree returns a connected tree for share and service, reusing a cached
// one. Both are matched case-insensitively; an empty service is
// ServiceAny. The caller must Release the tree.
func (s *Session) Tree(ctx context.Context, share, service string) (*Tree, error) {
	share = strings.ToUpper(strings.Trim(share, `\/`))
	if share == "" {
		return nil, fmt.Errorf("tree connect: empty share name")
	}
	service = strings.ToUpper(service)
	if service == "" {
		service = ServiceAny
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	var t *Tree
	for _, x := range s.trees {
		if x.share == share && x.service == service {
			t = x
			break
		}
	}
	created := t == nil
	if created {
		t = &Tree{session: s, share: share, service: service, path: `\\` + s.host + `\` + share}
		s.trees = append(s.trees, t)
	}
	s.mu.Unlock()

	t.acquire()
	if err := t.ensure(ctx); err != nil {
		t.Release()
		if created {
			s.removeTree(t)
		}
		return nil, err
	}
	return t, nil
}

func (s *Session) removeTree(t *Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.trees {
		if x == t {
			s.trees = append(s.trees[:i], s.trees[i+1:]...)
			return
		}
	}
}

// ensure sends TREE_CONNECT unless the tree is already connected.
func (t *Tree) ensure(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	connected, closed := t.connected, t.closed
	t.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if connected {
		return nil
	}

	s := t.session
	ctx, span := telemetry.StartConnectionSpan(ctx, telemetry.SpanSMBTreeConnect, s.conn.host, s.conn.cfg.Port,
		telemetry.SMBShare(t.share), telemetry.SMBService(t.service))
	defer span.End()

	var err error
	if s.conn.isSMB1() {
		err = t.connectSMB1(ctx)
	} else {
		err = t.connectSMB2(ctx)
	}
	if err != nil {
		telemetry.Fail(span, err, "tree connect failed")
		return err
	}
	span.SetAttributes(telemetry.SMBTreeID(t.ID()))
	logger.DebugCtx(ctx, "Tree connected",
		logger.KeyServer, s.conn.host, logger.KeyShare, t.share, logger.KeyTreeID, t.ID(), "dfs", t.IsDFS())
	return nil
}

func (t *Tree) connectSMB2(ctx context.Context) error {
	s := t.session
	signer := t.ipcSigner()
	resp := &message.TreeConnectResponse{}
	reply, err := s.send(ctx, Single(&message.TreeConnectRequest{Path: t.path}, resp), 0, false, false, signer, SendOptions{})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.id = reply.Headers[0].TreeID
	t.connected = true
	t.dfs = resp.IsDFS()
	t.encrypt = resp.EncryptData()
	t.shareType = resp.ShareType
	t.signer = signer
	t.mu.Unlock()
	return nil
}

// ipcSigner returns the session signer for IPC$ trees on sessions that
// have a key but do not sign everything.
func (t *Tree) ipcSigner() signing.Signer {
	s := t.session
	if t.share != IPCShare || !s.conn.cfg.IPCSigningEnforced {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signRequired || s.encryptData {
		return nil
	}
	return s.signer
}

func (t *Tree) connectSMB1(ctx context.Context) error {
	s := t.session
	resp := &message.SMB1TreeConnectResponse{}
	hdr, err := s.conn.sendSMB1(ctx,
		chain.Single[message.SMB1Request, message.SMB1Response](&message.SMB1TreeConnectRequest{Path: t.path, Service: t.service}, resp),
		s.smb1Target(0, false), SendOptions{})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.id = uint32(hdr.TID)
	t.connected = true
	t.dfs = resp.OptionalSupport&message.SMB1ShareIsInDFS != 0
	service := resp.Service
	if service == "" {
		service = t.service
	}
	t.shareType = smb1ShareType(service)
	t.mu.Unlock()
	return nil
}

// smb1ShareType maps the service a server answered TREE_CONNECT_ANDX with
// to the SMB2 share type.
func smb1ShareType(service string) uint8 {
	switch strings.ToUpper(service) {
	case ServiceIPC:
		return types.ShareTypePipe
	case ServicePrinter:
		return types.ShareTypePrint
	}
	return types.ShareTypeDisk
}

func (s *Session) smb1Target(tid uint16, dfs bool) smb1Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return smb1Target{uid: s.uid, tid: tid, dfs: dfs}
}

// Send issues ch on the tree. path is the UNC path the requests refer to;
// when the server answers that a DFS namespace covers it, the outcome is a
// redirect carrying the resolved referral.
func (t *Tree) Send(ctx context.Context, path string, ch *Chain, opts SendOptions) dfs.Outcome[*Reply] {
	t.mu.Lock()
	id, isDFS, encrypt, signer, closed := t.id, t.dfs, t.encrypt, t.signer, t.closed
	t.mu.Unlock()
	if closed {
		return dfs.Err[*Reply](ErrSessionClosed)
	}

	reply, err := t.session.send(ctx, ch, id, isDFS, encrypt, signer, opts)
	if err == nil {
		return dfs.Ok(reply)
	}
	if st, ok := StatusOf(err); ok {
		if ref, handled, rerr := t.session.redirect(ctx, path, st, false); handled {
			if rerr != nil {
				return dfs.Err[*Reply](rerr)
			}
			return dfs.Redirect[*Reply](ref)
		}
	}
	return dfs.Err[*Reply](err)
}

// SendSMB1 issues ch on an SMB1 tree. It returns the header of the last
// response, or a redirect like Send.
func (t *Tree) SendSMB1(ctx context.Context, path string, ch *SMB1Chain, opts SendOptions) dfs.Outcome[*header.SMB1Header] {
	t.mu.Lock()
	id, isDFS, closed := t.id, t.dfs, t.closed
	t.mu.Unlock()
	if closed {
		return dfs.Err[*header.SMB1Header](ErrSessionClosed)
	}

	hdr, err := t.session.conn.sendSMB1(ctx, ch, t.session.smb1Target(uint16(id), isDFS), opts)
	if err == nil {
		return dfs.Ok(hdr)
	}
	if st, ok := StatusOf(err); ok {
		if ref, handled, rerr := t.session.redirect(ctx, path, st, true); handled {
			if rerr != nil {
				return dfs.Err[*header.SMB1Header](rerr)
			}
			return dfs.Redirect[*header.SMB1Header](ref)
		}
	}
	return dfs.Err[*header.SMB1Header](err)
}

// Disconnect sends TREE_DISCONNECT and drops the tree from its session.
func (t *Tree) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	wasConnected := t.connected && !t.closed
	id, encrypt, signer := t.id, t.encrypt, t.signer
	t.connected = false
	t.closed = true
	t.mu.Unlock()
	t.session.removeTree(t)
	if !wasConnected {
		return nil
	}

	s := t.session
	if s.conn.isSMB1() {
		_, err := s.conn.sendSMB1(ctx,
			chain.Single[message.SMB1Request, message.SMB1Response](&message.SMB1TreeDisconnectRequest{}, nil),
			s.smb1Target(uint16(id), false), SendOptions{})
		return err
	}
	_, err := s.send(ctx, Single(&message.TreeDisconnectRequest{}, &message.TreeDisconnectResponse{}), id, false, encrypt, signer, SendOptions{})
	return err
}

// invalidate marks the tree unusable after its session went away.
func (t *Tree) invalidate() {
	t.mu.Lock()
	t.connected = false
	t.closed = true
	t.mu.Unlock()
}

// =============================================================================
// DFS
// =============================================================================

// redirect resolves the referral for path when st is a DFS trigger. handled
// is false when st is an ordinary failure.
func (s *Session) redirect(ctx context.Context, path string, st types.Status, smb1 bool) (*dfs.Referral, bool, error) {
	r := s.conn.deps.Resolver
	if r == nil || !r.Config().Triggers(st, smb1) {
		return nil, false, nil
	}
	ctx, span := telemetry.StartDFSSpan(ctx, path)
	defer span.End()

	ref, err := r.Resolve(ctx, dfs.FetchFunc(s.fetchReferral), path, s.domain)
	if err != nil {
		telemetry.Fail(span, err, "referral failed")
		return nil, true, err
	}
	span.SetAttributes(telemetry.DFSTarget(ref.Target().UNC()))
	return ref, true, nil
}

// Referral resolves the referral covering path through the connection's
// resolver, or straight from the server when DFS caching is disabled.
func (s *Session) Referral(ctx context.Context, path string) (*dfs.Referral, error) {
	r := s.conn.deps.Resolver
	if r != nil {
		return r.Resolve(ctx, dfs.FetchFunc(s.fetchReferral), path, s.domain)
	}
	resp, err := s.fetchReferral(ctx, path)
	if err != nil {
		return nil, err
	}
	return dfs.NewReferral(path, resp, s.conn.deps.now(), s.conn.cfg.DFS.TTL)
}

// fetchReferral asks the server for the referral covering path over IPC$.
func (s *Session) fetchReferral(ctx context.Context, path string) (*dfs.Response, error) {
	ipc, err := s.Tree(ctx, IPCShare, ServiceIPC)
	if err != nil {
		return nil, err
	}
	defer ipc.Release()

	input, err := dfs.EncodeRequest(dfs.MaxReferralLevel, path)
	if err != nil {
		return nil, err
	}

	if s.conn.isSMB1() {
		resp := &message.SMB1Trans2Response{}
		req := &message.SMB1Trans2Request{
			Subcommand:   types.Trans2GetDFSReferral,
			Parameters:   input,
			MaxDataCount: 0xFFFF,
		}
		_, err := s.conn.sendSMB1(ctx, chain.Single[message.SMB1Request, message.SMB1Response](req, resp),
			s.smb1Target(uint16(ipc.ID()), false), SendOptions{})
		if err != nil {
			return nil, err
		}
		return dfs.DecodeResponse(resp.Data)
	}

	resp := &message.IoctlResponse{}
	req := &message.IoctlRequest{
		CtlCode:           types.FSCTLDfsGetReferrals,
		FileID:            message.FileIDAny,
		Input:             input,
		MaxOutputResponse: maxReferralResponse,
		Flags:             types.IoctlIsFsctl,
	}
	// Not ipc.Send: a referral failure must not start another resolution.
	ipc.mu.Lock()
	id, encrypt, signer := ipc.id, ipc.encrypt, ipc.signer
	ipc.mu.Unlock()
	if _, err := s.send(ctx, Single(req, resp), id, false, encrypt, signer, SendOptions{}); err != nil {
		return nil, err
	}
	return dfs.DecodeResponse(resp.Output)
}

// domainOf extracts the domain from a credentials identity.
func domainOf(identity string) string {
	if i := strings.IndexByte(identity, '\\'); i > 0 {
		return identity[:i]
	}
	return ""
}

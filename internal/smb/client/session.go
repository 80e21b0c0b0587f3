package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/auth"
	"github.com/marmos91/smbclient/internal/smb/chain"
	"github.com/marmos91/smbclient/internal/smb/encryption"
	"github.com/marmos91/smbclient/internal/smb/kdf"
	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/signing"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/internal/telemetry"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	SessionNew SessionState = iota
	SessionActive
	// SessionExpired is set when the server reported the session expired.
	// The next use re-authenticates it.
	SessionExpired
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNew:
		return "new"
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	case SessionClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Session is an authenticated user context on a Connection. Sessions are
// shared between callers presenting the same identity for the same host
// name and domain, and reference counted: a Session holds its connection
// in use while its own usage is non-zero.
type Session struct {
	conn     *Connection
	factory  auth.Factory
	identity string
	// host is the lower-cased server name used in tree paths; domain is
	// the upper-cased domain used for referrals.
	host   string
	domain string

	// setupMu serializes session setup.
	setupMu sync.Mutex

	mu         sync.Mutex
	id         uint64
	uid        uint16
	state      SessionState
	usage      int
	expiration time.Time
	trees      []*Tree

	guest        bool
	anonymous    bool
	signKey      []byte
	signer       signing.Signer
	signRequired bool
	encryptData  bool
	encrypt      *encryption.Context
	keys         kdf.Keys
}

func newSession(c *Connection, f auth.Factory, host, domain string) *Session {
	return &Session{conn: c, factory: f, identity: f.Identity(), host: host, domain: domain}
}

// sessionKey normalizes the host and domain a session is looked up by. An
// empty host means the connection's server; an empty domain the one in the
// credentials identity.
func (c *Connection) sessionKey(f auth.Factory, host, domain string) (string, string) {
	if host == "" {
		host = c.host
	}
	if domain == "" {
		domain = domainOf(f.Identity())
	}
	return strings.ToLower(host), strings.ToUpper(domain)
}

// ID returns the SMB2 session id, or the SMB1 UID.
func (s *Session) ID() uint64 {
	smb1 := s.conn.isSMB1()
	s.mu.Lock()
	defer s.mu.Unlock()
	if smb1 {
		return uint64(s.uid)
	}
	return s.id
}

// Identity returns the identity of the credentials behind the session.
func (s *Session) Identity() string { return s.identity }

// Host returns the lower-cased server name trees of the session use.
func (s *Session) Host() string { return s.host }

// Domain returns the upper-cased domain referrals are resolved in.
func (s *Session) Domain() string { return s.domain }

// Connection returns the connection carrying the session.
func (s *Session) Connection() *Connection { return s.conn }

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsGuest reports whether the server logged the session on as guest.
func (s *Session) IsGuest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guest
}

// IsAnonymous reports whether this is a null session.
func (s *Session) IsAnonymous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anonymous
}

// IsSigned reports whether requests on the session are signed.
func (s *Session) IsSigned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signer != nil && s.signRequired
}

// IsEncrypted reports whether the server requires encryption for the
// whole session.
func (s *Session) IsEncrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encryptData
}

// Usage returns the number of callers holding the session.
func (s *Session) Usage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *Session) acquire() {
	s.mu.Lock()
	s.usage++
	first := s.usage == 1
	s.mu.Unlock()
	if first {
		s.conn.Acquire()
	}
}

// Release drops one usage reference. An unused session stays logged on
// until the session timeout passes, so a new caller can pick it up.
func (s *Session) Release() {
	s.mu.Lock()
	if s.usage == 0 {
		s.mu.Unlock()
		panic("smb: session released more times than acquired")
	}
	s.usage--
	last := s.usage == 0
	if last {
		s.expiration = s.conn.deps.now().Add(s.conn.cfg.SessionTimeout)
	}
	s.mu.Unlock()
	if last {
		s.conn.Release()
	}
}

// idleSince reports whether the session is unused and past its expiration.
func (s *Session) idleSince(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage == 0 && s.state != SessionClosed && now.After(s.expiration)
}

// =============================================================================
// Connection side
// =============================================================================

// Session returns an active session for the identity of f talking to host
// in domain, reusing one that is already logged on. host is the name the
// server is addressed by in tree paths, which differs from the connection
// address behind aliases; empty picks the connection's. The caller must
// Release the session.
func (c *Connection) Session(ctx context.Context, f auth.Factory, host, domain string) (*Session, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.sweepSessions(ctx)

	s, created, err := c.findOrAddSession(f, host, domain)
	if err != nil {
		return nil, err
	}
	s.acquire()
	if err := s.ensure(ctx); err != nil {
		s.Release()
		if created {
			s.discard()
		}
		return nil, err
	}
	return s, nil
}

func (c *Connection) findOrAddSession(f auth.Factory, host, domain string) (*Session, bool, error) {
	id := f.Identity()
	host, domain = c.sessionKey(f, host, domain)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil, false, ErrDisconnected
	}
	for _, s := range c.sessions {
		if s.identity == id && s.host == host && s.domain == domain && s.State() != SessionClosed {
			return s, false, nil
		}
	}
	if c.cfg.SessionLimit > 0 && len(c.sessions) >= c.cfg.SessionLimit {
		return nil, false, ErrSessionLimit
	}
	s := newSession(c, f, host, domain)
	c.sessions = append(c.sessions, s)
	return s, true, nil
}

// sweepSessions logs off sessions that stayed unused past their
// expiration. It runs at most once per session timeout.
func (c *Connection) sweepSessions(ctx context.Context) {
	now := c.deps.now()
	c.mu.Lock()
	if now.Sub(c.lastSweep) < c.cfg.SessionTimeout {
		c.mu.Unlock()
		return
	}
	c.lastSweep = now
	var idle []*Session
	for _, s := range c.sessions {
		if s.idleSince(now) {
			idle = append(idle, s)
		}
	}
	c.mu.Unlock()

	for _, s := range idle {
		logger.DebugCtx(ctx, "Logging off idle session",
			logger.KeyServer, c.host, logger.KeySessionID, s.ID())
		if _, err := s.logoff(ctx, true); err != nil {
			logger.DebugCtx(ctx, "Idle session logoff failed", logger.KeyServer, c.host, logger.KeyError, err)
		}
	}
}

func (c *Connection) isSMB1() bool {
	neg := c.Negotiated()
	return neg != nil && neg.IsSMB1()
}

// =============================================================================
// Setup
// =============================================================================

// ensure authenticates the session unless it is already active.
func (s *Session) ensure(ctx context.Context) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	switch s.State() {
	case SessionActive:
		return nil
	case SessionClosed:
		return ErrSessionClosed
	}

	l, err := s.conn.current()
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartConnectionSpan(ctx, telemetry.SpanSMBSessionSetup, s.conn.host, l.port)
	defer span.End()

	if l.neg.IsSMB1() {
		err = s.setupSMB1(ctx, l)
	} else {
		err = s.setupSMB2(ctx, l)
	}
	if err != nil {
		telemetry.Fail(span, err, "session setup failed")
		logger.WarnCtx(ctx, "Session setup failed",
			logger.KeyServer, s.conn.host, logger.KeyDomain, s.domain, logger.KeyError, err)
		return err
	}

	s.mu.Lock()
	s.state = SessionActive
	s.mu.Unlock()
	span.SetAttributes(telemetry.SMBSessionID(s.ID()), telemetry.Identity(s.identity),
		telemetry.SMBSigned(s.IsSigned()), telemetry.SMBEncrypted(s.IsEncrypted()))
	logger.InfoCtx(ctx, "Session established",
		logger.KeyServer, s.conn.host,
		logger.KeySessionID, s.ID(),
		"guest", s.IsGuest(),
		logger.KeySigning, s.IsSigned(),
		"encrypted", s.IsEncrypted())
	return nil
}

// setupSMB2 runs the SESSION_SETUP exchange. For 3.1.1 every request and
// every response but the final one extend the preauth hash from which the
// session keys are derived.
func (s *Session) setupSMB2(ctx context.Context, l *link) error {
	neg := l.neg
	cfg := s.conn.cfg
	authr := s.factory.New()

	s.mu.Lock()
	sid := s.id
	reauth := sid != 0 && len(s.signKey) > 0
	s.mu.Unlock()

	preauth := newPreauthHash(neg.PreauthHash)
	hashing := neg.Dialect == types.Dialect0311

	secMode := types.SigningEnabled
	if cfg.SigningRequired {
		secMode |= types.SigningRequired
	}

	token, err := authr.Next(neg.SecurityBlob)
	if err != nil {
		return fmt.Errorf("session setup: %w", err)
	}

	var (
		resp  message.SessionSetupResponse
		reply *Reply
	)
	for leg := 1; ; leg++ {
		req := &message.SessionSetupRequest{
			SecurityMode:   uint8(secMode),
			Capabilities:   types.CapDFS,
			SecurityBuffer: token,
		}
		resp = message.SessionSetupResponse{}
		t := target{sessionID: sid}
		if hashing {
			t.onSend = preauth.Update
		}
		reply, err = s.conn.send(ctx, Single(req, &resp), t, SendOptions{})
		if err != nil {
			if st, ok := StatusOf(err); ok && st == types.StatusInvalidParameter {
				return &AuthError{StatusError: StatusError{Command: types.CommandSessionSetup.String(), Status: st}}
			}
			return err
		}
		hdr := reply.Headers[0]
		if sid == 0 {
			sid = hdr.SessionID
		}
		telemetry.AddEvent(ctx, telemetry.EventSessionSetupLeg,
			telemetry.SMBLeg(leg), telemetry.SMBStatus(hdr.Status.String()), telemetry.SMBSessionID(sid))
		if hdr.Status != types.StatusMoreProcessingRequired {
			break
		}
		if hashing {
			preauth.Update(reply.Messages[0])
			telemetry.AddEvent(ctx, telemetry.EventPreauthHashUpdate, telemetry.SMBLeg(leg))
		}
		token, err = authr.Next(resp.SecurityBuffer)
		if err != nil {
			return fmt.Errorf("session setup: %w", err)
		}
	}

	// The final token carries the server's mechListMIC.
	if len(resp.SecurityBuffer) > 0 {
		if _, err := authr.Next(resp.SecurityBuffer); err != nil {
			return fmt.Errorf("session setup: %w", err)
		}
	}

	final := reply.Headers[0]
	anonymous := authr.IsAnonymous() || resp.IsAnonymous()
	guest := resp.IsGuest()
	if guest && !anonymous && !cfg.AllowGuestFallback {
		s.sendLogoff(ctx, sid)
		return &AuthError{StatusError: StatusError{Command: types.CommandSessionSetup.String(), Status: types.StatusLogonFailure}}
	}

	s.mu.Lock()
	s.id = sid
	s.guest = guest
	s.anonymous = anonymous
	s.mu.Unlock()

	// Re-authentication keeps the keys of the original setup.
	if reauth {
		return nil
	}

	key := authr.SessionKey()
	if len(key) == 0 || anonymous || guest {
		if neg.SigningRequired && !anonymous && !guest {
			return fmt.Errorf("%w: signing required but no session key", ErrUnsupported)
		}
		if resp.EncryptData() {
			return fmt.Errorf("%w: encryption required without a session key", ErrUnsupported)
		}
		return nil
	}
	key16 := make([]byte, 16)
	copy(key16, key)

	var keys kdf.Keys
	signKey := key16
	if neg.Dialect.IsSMB3() {
		keys = kdf.DeriveSessionKeys(key16, neg.Dialect, preauth.Value(), neg.Cipher)
		signKey = keys.Signing
	}
	signer := signing.NewSigner(neg.Dialect, neg.SigningAlg, signKey)
	signRequired := neg.SigningRequired || final.IsSigned()

	if final.IsSigned() {
		if !signer.Verify(reply.Messages[0]) {
			return &SignatureError{Command: final.Command.String(), MessageID: final.MessageID}
		}
	} else if neg.Dialect.IsSMB3() && neg.SigningRequired {
		return &SignatureError{Command: final.Command.String(), MessageID: final.MessageID, Unsigned: true}
	}

	var enc *encryption.Context
	if neg.SupportsEncryption() {
		enc, err = encryption.NewContext(neg.Cipher, neg.Dialect, sid, keys.Encryption, keys.Decryption)
		if err != nil {
			return fmt.Errorf("session encryption: %w", err)
		}
		l.addDecryptor(sid, enc)
	}
	if resp.EncryptData() && enc == nil {
		return fmt.Errorf("%w: server requires encryption", ErrUnsupported)
	}

	s.mu.Lock()
	s.signKey = signKey
	s.signer = signer
	s.signRequired = signRequired
	s.encrypt = enc
	s.encryptData = resp.EncryptData()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

// setupSMB1 runs the extended-security SESSION_SETUP_ANDX exchange. Once
// the client holds the session key, the request that completes
// authentication is the first one signed.
func (s *Session) setupSMB1(ctx context.Context, l *link) error {
	neg := l.neg
	cfg := s.conn.cfg
	authr := s.factory.New()
	sign := neg.SigningRequired

	token, err := authr.Next(neg.SecurityBlob)
	if err != nil {
		return fmt.Errorf("session setup: %w", err)
	}

	var (
		uid    uint16
		digest *signing.SMB1Digest
		resp   message.SMB1SessionSetupResponse
	)
	for {
		if sign && digest == nil {
			if key := authr.SessionKey(); len(key) > 0 {
				digest = signing.NewSMB1Digest(key)
			}
		}
		req := &message.SMB1SessionSetupRequest{
			MaxBufferSize: uint16(min(l.maxSize(), 0xFFFF)),
			MaxMpxCount:   neg.SMB1MaxMpxCount,
			SessionKey:    neg.SMB1SessionKey,
			Capabilities:  types.SMB1CapUnicode | types.SMB1CapNTStatus | types.SMB1CapDFS | types.SMB1CapLargeFiles,
			SecurityBlob:  token,
			NativeOS:      "Go",
			NativeLanMan:  "smbclient",
		}
		resp = message.SMB1SessionSetupResponse{}
		hdr, err := s.conn.sendSMB1(ctx, chain.Single[message.SMB1Request, message.SMB1Response](req, &resp),
			smb1Target{uid: uid, digest: digest}, SendOptions{})
		if err != nil {
			return err
		}
		if uid == 0 {
			uid = hdr.UID
		}
		if smb1Status(hdr) != types.StatusMoreProcessingRequired {
			break
		}
		token, err = authr.Next(resp.SecurityBlob)
		if err != nil {
			return fmt.Errorf("session setup: %w", err)
		}
	}
	if len(resp.SecurityBlob) > 0 {
		if _, err := authr.Next(resp.SecurityBlob); err != nil {
			return fmt.Errorf("session setup: %w", err)
		}
	}

	anonymous := authr.IsAnonymous()
	guest := resp.Action&message.SMB1ActionGuest != 0
	if guest && !anonymous && !cfg.AllowGuestFallback {
		return &AuthError{StatusError: StatusError{Command: "SMB1_SESSION_SETUP", Status: types.StatusLogonFailure}}
	}
	if digest != nil {
		l.installDigest(digest)
	}

	s.mu.Lock()
	s.uid = uid
	s.guest = guest
	s.anonymous = anonymous
	s.signKey = authr.SessionKey()
	s.mu.Unlock()
	return nil
}

// =============================================================================
// Requests
// =============================================================================

// target builds the send context for a request on the session. signer
// overrides the session signer, as for IPC$ trees.
func (s *Session) target(treeID uint32, dfs, shareEncrypt bool, signer signing.Signer, opts SendOptions) (target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return target{}, ErrSessionClosed
	}
	t := target{sessionID: s.id, treeID: treeID, dfs: dfs}
	if s.encryptData || shareEncrypt || opts.Encrypt {
		if s.encrypt == nil {
			return target{}, fmt.Errorf("%w: encryption not available on session", ErrUnsupported)
		}
		t.encrypt = s.encrypt
		return t, nil
	}
	switch {
	case signer != nil:
		t.signer = signer
		t.requireSigned = true
	case s.signRequired:
		t.signer = s.signer
		t.requireSigned = true
	}
	return t, nil
}

// Send issues ch on the session outside any tree.
func (s *Session) Send(ctx context.Context, ch *Chain, opts SendOptions) (*Reply, error) {
	return s.send(ctx, ch, 0, false, false, nil, opts)
}

// send issues ch and re-authenticates once when the server reports the
// session expired before the first request took effect.
func (s *Session) send(ctx context.Context, ch *Chain, treeID uint32, dfs, shareEncrypt bool, signer signing.Signer, opts SendOptions) (*Reply, error) {
	for attempt := 0; ; attempt++ {
		t, err := s.target(treeID, dfs, shareEncrypt, signer, opts)
		if err != nil {
			return nil, err
		}
		reply, err := s.conn.send(ctx, ch, t, opts)
		if err == nil || attempt > 0 || len(reply.Headers) == 0 || !reply.Headers[0].Status.IsSessionExpired() {
			return reply, err
		}
		logger.InfoCtx(ctx, "Session expired, re-authenticating",
			logger.KeyServer, s.conn.host, logger.KeySessionID, t.sessionID)
		s.mu.Lock()
		if s.state == SessionActive {
			s.state = SessionExpired
		}
		s.mu.Unlock()
		if err := s.ensure(ctx); err != nil {
			return reply, err
		}
	}
}

// Logoff ends the session on the server.
func (s *Session) Logoff(ctx context.Context) error {
	_, err := s.logoff(ctx, true)
	return err
}

// logoff closes the session and, when send is set, tells the server. It
// reports whether the session was still in use.
func (s *Session) logoff(ctx context.Context, send bool) (bool, error) {
	s.mu.Lock()
	inUse := s.usage > 0
	wasActive := s.state == SessionActive
	s.state = SessionClosed
	trees := s.trees
	s.trees = nil
	sid, uid := s.id, s.uid
	s.mu.Unlock()

	for _, t := range trees {
		t.invalidate()
	}

	var err error
	if send && wasActive {
		ctx, span := telemetry.StartConnectionSpan(ctx, telemetry.SpanSMBLogoff, s.conn.host, s.conn.cfg.Port)
		if s.conn.isSMB1() {
			_, err = s.conn.sendSMB1(ctx, chain.Single[message.SMB1Request, message.SMB1Response](
				&message.SMB1LogoffRequest{}, nil), smb1Target{uid: uid}, SendOptions{})
		} else {
			err = s.sendLogoffLocked(ctx, sid)
		}
		if err != nil {
			telemetry.Fail(span, err, "logoff failed")
		}
		span.End()
	}
	s.discard()
	return inUse, err
}

// sendLogoff drops a session the client refuses to use.
func (s *Session) sendLogoff(ctx context.Context, sid uint64) {
	_, err := s.conn.send(ctx, Single(&message.LogoffRequest{}, &message.LogoffResponse{}), target{sessionID: sid}, SendOptions{})
	if err != nil {
		logger.DebugCtx(ctx, "Logoff failed", logger.KeyServer, s.conn.host, logger.KeyError, err)
	}
}

// sendLogoffLocked sends LOGOFF with the session's signing state. The
// caller has already marked the session closed.
func (s *Session) sendLogoffLocked(ctx context.Context, sid uint64) error {
	s.mu.Lock()
	t := target{sessionID: sid}
	if s.encryptData {
		t.encrypt = s.encrypt
	} else if s.signRequired {
		t.signer, t.requireSigned = s.signer, true
	}
	s.mu.Unlock()
	_, err := s.conn.send(ctx, Single(&message.LogoffRequest{}, &message.LogoffResponse{}), t, SendOptions{})
	if st, ok := StatusOf(err); ok && (st.IsSessionExpired() || st == types.StatusUserSessionDeleted) {
		return nil
	}
	return err
}

// discard drops the session from its connection and destroys its keys.
func (s *Session) discard() {
	s.mu.Lock()
	s.state = SessionClosed
	sid := s.id
	s.signer = nil
	s.encrypt = nil
	clear(s.signKey)
	s.signKey = nil
	s.keys.Destroy()
	s.mu.Unlock()

	if l, err := s.conn.current(); err == nil && sid != 0 {
		l.removeDecryptor(sid)
	}
	s.conn.removeSession(s)
}

// invalidate closes the session after its connection went down.
func (s *Session) invalidate() {
	s.mu.Lock()
	trees := s.trees
	s.trees = nil
	s.mu.Unlock()
	for _, t := range trees {
		t.invalidate()
	}
	s.discard()
}

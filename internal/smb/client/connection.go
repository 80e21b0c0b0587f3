package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/credit"
	"github.com/marmos91/smbclient/internal/smb/encryption"
	"github.com/marmos91/smbclient/internal/smb/signing"
	"github.com/marmos91/smbclient/internal/telemetry"
	"github.com/marmos91/smbclient/pkg/bufpool"
	"github.com/marmos91/smbclient/pkg/metrics"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateNegotiating
	StateConnected
	StateDisconnecting
	// StateFailed follows a hard I/O failure. The next use renegotiates.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

var connectionIDs atomic.Uint64

// attempt is one in-flight connect; concurrent callers wait on it.
type attempt struct {
	done chan struct{}
	err  error
}

// Connection is a transport to one server: the socket, its receive loop,
// the negotiated parameters and the sessions established over it.
//
// A Connection is safe for concurrent use. Requests from many goroutines
// are multiplexed over the socket and matched to responses by message id.
type Connection struct {
	id   uint64
	cfg  Config
	deps Deps
	host string
	// pool, when set, forgets the connection once it is disconnected.
	pool *Pool

	mu        sync.Mutex
	state     State
	connect   *attempt
	idle      chan struct{}
	link      *link
	usage     int
	sessions  []*Session
	lastSweep time.Time
}

// NewConnection returns a disconnected Connection to host. It dials on
// first use.
func NewConnection(host string, cfg Config, deps Deps) *Connection {
	if deps.Buffers == nil {
		deps.Buffers = bufpool.NewPool(nil)
	}
	return &Connection{
		id:   connectionIDs.Add(1),
		cfg:  cfg.withDefaults(),
		deps: deps,
		host: host,
	}
}

// ID identifies the connection in logs.
func (c *Connection) ID() uint64 { return c.id }

// Host returns the server name the connection was created for.
func (c *Connection) Host() string { return c.host }

// Port returns the configured port.
func (c *Connection) Port() int { return c.cfg.Port }

// Config returns the connection settings.
func (c *Connection) Config() Config { return c.cfg }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Negotiated returns the parameters agreed with the server, or nil when
// the connection is not established.
func (c *Connection) Negotiated() *Negotiated {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	return c.link.neg
}

// Credits returns the credits currently available for new requests.
func (c *Connection) Credits() int {
	l, err := c.current()
	if err != nil {
		return 0
	}
	return l.credits.Available()
}

// Acquire takes a usage reference.
func (c *Connection) Acquire() *Connection {
	c.mu.Lock()
	c.usage++
	c.mu.Unlock()
	return c
}

// Release drops a usage reference taken by Acquire.
func (c *Connection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage--
	if c.usage < 0 {
		panic(fmt.Sprintf("smb connection %d: usage count dropped below zero", c.id))
	}
}

// Usage returns the number of outstanding usage references.
func (c *Connection) Usage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Connect dials and negotiates unless the connection is already up. When
// another goroutine is connecting, Connect waits for that attempt and
// returns its result.
func (c *Connection) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case StateConnected:
			c.mu.Unlock()
			return nil

		case StateConnecting, StateNegotiating:
			a := c.connect
			c.mu.Unlock()
			select {
			case <-a.done:
				return a.err
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateDisconnecting:
			idle := c.idle
			c.mu.Unlock()
			select {
			case <-idle:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		a := &attempt{done: make(chan struct{})}
		c.connect = a
		c.state = StateConnecting
		c.mu.Unlock()

		l, err := c.establish(ctx)

		c.mu.Lock()
		if err != nil {
			c.state = StateDisconnected
		} else {
			c.link = l
			c.state = StateConnected
			c.lastSweep = c.deps.now()
		}
		a.err = err
		close(a.done)
		c.mu.Unlock()

		if err == nil {
			go telemetry.ServerLabels(context.Background(), c.host, l.port, func(context.Context) { c.receive(l) })
		}
		return err
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// establish dials, negotiates and falls back to NetBIOS over port 139 when
// port 445 fails at any stage.
func (c *Connection) establish(ctx context.Context) (*link, error) {
	ctx, span := telemetry.StartConnectionSpan(ctx, telemetry.SpanSMBConnect, c.host, c.cfg.Port)
	defer span.End()

	l, err := c.establishOn(ctx, c.cfg.Port)
	if err != nil && c.cfg.Port == DefaultPort && c.cfg.Port139Fallback && ctx.Err() == nil {
		logger.DebugCtx(ctx, "Port 445 failed, falling back to NetBIOS session service",
			logger.KeyServer, c.host, logger.KeyError, err)
		telemetry.AddEvent(ctx, telemetry.EventPort139Fallback)
		var err139 error
		if l, err139 = c.establishOn(ctx, NetBIOSPort); err139 == nil {
			err = nil
		} else {
			err = errors.Join(err, err139)
		}
	}
	if err != nil {
		telemetry.Fail(span, err, "connect failed")
		metrics.RecordConnectionFailed(c.deps.Metrics, c.host, "connect")
		return nil, &TransportError{Server: c.host, Op: "connect", Err: err}
	}

	span.SetAttributes(telemetry.SMBDialect(l.neg.Dialect.String()), telemetry.NetworkPeer(l.conn.RemoteAddr().String()))
	metrics.RecordConnectionOpened(c.deps.Metrics, c.host, l.neg.Dialect.String())
	metrics.SetCreditsAvailable(c.deps.Metrics, c.host, l.credits.Available())
	logger.InfoCtx(ctx, "SMB connection established",
		logger.KeyServer, c.host,
		logger.KeyAddress, l.conn.RemoteAddr().String(),
		logger.KeyPort, l.port,
		logger.KeyDialect, l.neg.Dialect.String(),
		logger.KeyConnectionID, c.id)
	return l, nil
}

// establishOn performs one dial and negotiation on port, bounded by the
// connect timeout.
func (c *Connection) establishOn(ctx context.Context, port int) (*link, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.setState(StateConnecting)
	conn, err := c.dial(ctx, port)
	if err != nil {
		return nil, err
	}

	// Unblock socket I/O when ctx ends; negotiation reads synchronously.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	fail := func(err error) (*link, error) {
		stop()
		_ = conn.Close()
		return nil, err
	}

	if port == NetBIOSPort {
		if err := sessionRequest(conn, c.host, c.cfg.NetBIOSName); err != nil {
			return fail(err)
		}
	}

	c.setState(StateNegotiating)
	l := newLink(conn, port, c.cfg.ReceiveBufferSize, func(int) { metrics.RecordResync(c.deps.Metrics, c.host) })
	if err := c.negotiate(ctx, l); err != nil {
		return fail(err)
	}
	if !stop() {
		return fail(ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})
	return l, nil
}

// dial opens a TCP connection, through a SOCKS5 proxy when configured.
func (c *Connection) dial(ctx context.Context, port int) (net.Conn, error) {
	d, err := c.dialer()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(c.host, strconv.Itoa(port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}
	return conn, nil
}

func (c *Connection) dialer() (Dialer, error) {
	if c.deps.Dialer != nil {
		return c.deps.Dialer, nil
	}
	d := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	if c.cfg.LocalAddr != "" {
		ip := net.ParseIP(c.cfg.LocalAddr)
		if ip == nil {
			return nil, fmt.Errorf("invalid local address %q", c.cfg.LocalAddr)
		}
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	if c.cfg.SOCKS5Proxy == "" {
		return d, nil
	}
	pd, err := proxy.SOCKS5("tcp", c.cfg.SOCKS5Proxy, nil, d)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", c.cfg.SOCKS5Proxy, err)
	}
	cd, ok := pd.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 proxy %s: dialer does not support contexts", c.cfg.SOCKS5Proxy)
	}
	return cd, nil
}

// current returns the live link or ErrDisconnected.
func (c *Connection) current() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil, ErrDisconnected
	}
	return c.link, nil
}

// shutdown tears l down: the socket is closed, every pending request fails
// with cause and the sessions established over l are invalidated.
func (c *Connection) shutdown(l *link, cause error, state State) {
	c.mu.Lock()
	var sessions []*Session
	if c.link == l {
		c.link = nil
		c.state = state
		sessions = c.sessions
		c.sessions = nil
	}
	c.mu.Unlock()

	if !l.close(cause) {
		return
	}
	for _, s := range sessions {
		s.invalidate()
	}
	metrics.RecordConnectionClosed(c.deps.Metrics, c.host)
	if state == StateFailed {
		logger.Warn("SMB connection failed", logger.KeyServer, c.host, logger.KeyConnectionID, c.id, logger.KeyError, cause)
	} else {
		logger.Debug("SMB connection closed", logger.KeyServer, c.host, logger.KeyConnectionID, c.id)
	}
}

// Disconnect closes the connection. A soft disconnect logs off every
// session first; a hard one drops the socket immediately. inUse tells that
// the caller itself holds a usage reference. The result reports whether
// others were still using the connection.
func (c *Connection) Disconnect(ctx context.Context, hard, inUse bool) (bool, error) {
	c.mu.Lock()
	l := c.link
	if l == nil || c.state == StateDisconnecting {
		c.mu.Unlock()
		return false, nil
	}
	threshold := 0
	if inUse {
		threshold = 1
	}
	wasInUse := c.usage > threshold
	c.state = StateDisconnecting
	c.idle = make(chan struct{})
	idle := c.idle
	sessions := append([]*Session(nil), c.sessions...)
	c.mu.Unlock()

	if wasInUse {
		logger.Warn("Disconnecting connection while still in use",
			logger.KeyServer, c.host, logger.KeyConnectionID, c.id, logger.KeyUsage, c.Usage())
	}

	var errs []error
	for _, s := range sessions {
		inUse, err := s.logoff(ctx, !hard)
		wasInUse = wasInUse || inUse
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.shutdown(l, ErrDisconnected, StateDisconnected)
	<-l.done

	c.mu.Lock()
	if c.state == StateDisconnecting {
		c.state = StateDisconnected
	}
	close(idle)
	c.idle = nil
	c.mu.Unlock()

	if c.pool != nil {
		c.pool.remove(c)
	}
	return wasInUse, errors.Join(errs...)
}

// Close is a soft Disconnect for callers that do not track usage.
func (c *Connection) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResponseTimeout)
	defer cancel()
	_, err := c.Disconnect(ctx, false, false)
	return err
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.sessions {
		if x == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			return
		}
	}
}

// link is one negotiated socket. Every reconnect builds a new link, so
// state tied to a negotiation (message ids, credits, pending requests,
// decryption keys) can never leak into the next one.
type link struct {
	conn    net.Conn
	port    int
	reader  *frameReader
	neg     *Negotiated
	credits *credit.Controller
	done    chan struct{}

	// sendMu orders message id assignment with socket writes.
	sendMu     sync.Mutex
	nextMID    uint64
	smb1MID    uint16
	smb1Digest *signing.SMB1Digest

	mu         sync.Mutex
	pending    map[uint64]*call
	closed     error
	decryptors map[uint64]*encryption.Context
}

func newLink(conn net.Conn, port, maxFrame int, onResync func(int)) *link {
	return &link{
		conn:       conn,
		port:       port,
		reader:     newFrameReader(conn, maxFrame, onResync),
		credits:    credit.New(1),
		done:       make(chan struct{}),
		pending:    make(map[uint64]*call),
		decryptors: make(map[uint64]*encryption.Context),
	}
}

// close fails the link once and reports whether this call did it.
func (l *link) close(cause error) bool {
	l.mu.Lock()
	if l.closed != nil {
		l.mu.Unlock()
		return false
	}
	l.closed = cause
	pending := l.pending
	l.pending = nil
	l.decryptors = nil
	l.mu.Unlock()

	_ = l.conn.Close()
	l.credits.Close(cause)
	for _, cl := range pending {
		cl.result <- result{err: cause}
	}
	return true
}

// register adds calls to the pending table.
func (l *link) register(calls ...*call) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed != nil {
		return l.closed
	}
	for _, cl := range calls {
		l.pending[cl.mid] = cl
	}
	return nil
}

// forget removes cl and reports whether it was still pending.
func (l *link) forget(cl *call) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil || l.pending[cl.mid] != cl {
		return false
	}
	delete(l.pending, cl.mid)
	return true
}

func (l *link) addDecryptor(sessionID uint64, ctx *encryption.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.decryptors != nil {
		l.decryptors[sessionID] = ctx
	}
}

func (l *link) removeDecryptor(sessionID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.decryptors, sessionID)
}

func (l *link) decryptor(sessionID uint64) *encryption.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decryptors[sessionID]
}

// installDigest makes d the connection-wide SMB1 signing digest unless one
// is already active.
func (l *link) installDigest(d *signing.SMB1Digest) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.smb1Digest == nil {
		l.smb1Digest = d
	}
}

// maxSize is the largest single wire write.
func (l *link) maxSize() int {
	return l.neg.MaxBufferSize
}

package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/auth"
	"github.com/marmos91/smbclient/internal/smb/dfs"
	"github.com/marmos91/smbclient/pkg/bufpool"
)

// Pool is a registry of connections shared by everything created from it.
// There is no process-wide pool: callers own their Pool and close it.
type Pool struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	conns  []*Connection
	closed bool
}

// NewPool creates a pool. Missing buffer pool and DFS resolver
// collaborators are created from cfg.
func NewPool(cfg Config, deps Deps) *Pool {
	cfg = cfg.withDefaults()
	if deps.Buffers == nil {
		deps.Buffers = bufpool.NewPool(nil)
	}
	if deps.Resolver == nil && !cfg.DFS.Disabled {
		deps.Resolver = dfs.NewResolver(cfg.DFS, nil, deps.Metrics)
	}
	return &Pool{cfg: cfg, deps: deps}
}

// Config returns the settings shared by the pooled connections.
func (p *Pool) Config() Config { return p.cfg }

// Resolver returns the DFS resolver, or nil when DFS is disabled.
func (p *Pool) Resolver() *dfs.Resolver { return p.deps.Resolver }

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ConnectionInfo is a point-in-time view of one pooled connection.
type ConnectionInfo struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	State   string `json:"state"`
	Dialect string `json:"dialect,omitempty"`
	Credits int    `json:"credits"`
	Usage   int    `json:"usage"`
}

// Snapshot describes every pooled connection.
func (p *Pool) Snapshot() []ConnectionInfo {
	p.mu.Lock()
	conns := append([]*Connection(nil), p.conns...)
	p.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		info := ConnectionInfo{
			Host:    c.Host(),
			Port:    c.Port(),
			State:   c.State().String(),
			Credits: c.Credits(),
			Usage:   c.Usage(),
		}
		if n := c.Negotiated(); n != nil {
			info.Dialect = n.Dialect.String()
		}
		out = append(out, info)
	}
	return out
}

// Get returns a connected Connection to host:port, reusing a pooled one.
// A zero port selects the configured port. The connection is returned
// acquired; the caller must Release it.
func (p *Pool) Get(ctx context.Context, host string, port int) (*Connection, error) {
	c, err := p.lookup(ctx, host, port, nil)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

// lookup finds a reusable connection or creates one. skip excludes
// connections already tried by the caller.
func (p *Pool) lookup(ctx context.Context, host string, port int, skip map[*Connection]bool) (*Connection, error) {
	if port == 0 {
		port = p.cfg.Port
	}
	host = strings.ToLower(host)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrDisconnected
	}
	for _, c := range p.conns {
		if skip[c] || c.host != host || c.cfg.Port != port || c.State() == StateFailed && c.Usage() > 0 {
			continue
		}
		c.Acquire()
		p.mu.Unlock()
		return c, nil
	}
	if p.cfg.MaxPoolSize > 0 && len(p.conns) >= p.cfg.MaxPoolSize {
		victim := p.idleLocked()
		if victim == nil {
			p.mu.Unlock()
			return nil, ErrPoolFull
		}
		p.removeLocked(victim)
		p.mu.Unlock()
		logger.DebugCtx(ctx, "Evicting idle connection", logger.KeyServer, victim.host, logger.KeyConnectionID, victim.id)
		if _, err := victim.Disconnect(ctx, false, false); err != nil {
			logger.DebugCtx(ctx, "Evicted connection did not close cleanly", logger.KeyServer, victim.host, logger.KeyError, err)
		}
		p.mu.Lock()
	}

	cfg := p.cfg
	cfg.Port = port
	c := NewConnection(host, cfg, p.deps)
	c.pool = p
	p.conns = append(p.conns, c)
	c.Acquire()
	p.mu.Unlock()
	return c, nil
}

// idleLocked picks an unused connection, preferring failed ones.
func (p *Pool) idleLocked() *Connection {
	var idle *Connection
	for _, c := range p.conns {
		if c.Usage() != 0 {
			continue
		}
		if c.State() == StateFailed {
			return c
		}
		if idle == nil {
			idle = c
		}
	}
	return idle
}

func (p *Pool) remove(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(c)
}

func (p *Pool) removeLocked(c *Connection) {
	for i, x := range p.conns {
		if x == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// Session returns an acquired session on host for the credentials of f.
// Connections that reached their session limit are passed over.
func (p *Pool) Session(ctx context.Context, host string, f auth.Factory) (*Session, error) {
	tried := map[*Connection]bool{}
	for {
		c, err := p.lookup(ctx, host, 0, tried)
		if err != nil {
			return nil, err
		}
		tried[c] = true
		s, err := c.Session(ctx, f, host, "")
		c.Release()
		if errors.Is(err, ErrSessionLimit) {
			continue
		}
		return s, err
	}
}

// Tree returns an acquired tree for \\host\share, connected with
// ServiceAny.
func (p *Pool) Tree(ctx context.Context, host, share string, f auth.Factory) (*Tree, error) {
	s, err := p.Session(ctx, host, f)
	if err != nil {
		return nil, err
	}
	defer s.Release()
	return s.Tree(ctx, share, ServiceAny)
}

// Close disconnects every pooled connection and closes the resolver.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if _, err := c.Disconnect(ctx, false, false); err != nil {
			errs = append(errs, err)
		}
	}
	if p.deps.Resolver != nil {
		if err := p.deps.Resolver.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Do runs op on the tree of path (\\server\share[\rest]) and follows DFS
// redirects to their targets, each hop on the tree of the target path.
func Do[T any](ctx context.Context, p *Pool, f auth.Factory, path string, op func(ctx context.Context, t *Tree, path string) dfs.Outcome[T]) (T, error) {
	return dfs.Retry(ctx, p.cfg.DFS.MaxHops, path, func(ctx context.Context, path string) dfs.Outcome[T] {
		host, share, err := SplitUNC(path)
		if err != nil {
			return dfs.Err[T](err)
		}
		t, err := p.Tree(ctx, host, share, f)
		if err != nil {
			return dfs.Err[T](err)
		}
		defer t.Release()
		return op(ctx, t, path)
	})
}

// SplitUNC returns the server and share of \\server\share[\rest]. A single
// leading separator, as in referral targets, is accepted too.
func SplitUNC(path string) (host, share string, err error) {
	p := strings.TrimLeft(strings.ReplaceAll(path, "/", `\`), `\`)
	parts := strings.SplitN(p, `\`, 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid UNC path %q", path)
	}
	return parts[0], parts[1], nil
}

package client

import (
	"context"
	"net"
	"time"

	"github.com/marmos91/smbclient/internal/smb/dfs"
	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/pkg/bufpool"
	"github.com/marmos91/smbclient/pkg/metrics"
)

// Well-known SMB ports: direct hosting and NetBIOS session service.
const (
	DefaultPort = 445
	NetBIOSPort = 139
)

// Config holds the client engine settings. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// Port is the port dialed first.
	Port int
	// Port139Fallback retries over NetBIOS session service on port 139 when
	// connecting or negotiating on port 445 fails.
	Port139Fallback bool
	// NetBIOSName is the calling name sent in the NetBIOS session request.
	NetBIOSName string

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	// SessionTimeout is how long an unused session stays logged on.
	SessionTimeout time.Duration

	MinDialect types.Dialect
	MaxDialect types.Dialect
	// SMB1Negotiate starts with an SMB1 multi-dialect negotiate. It is
	// implied when MinDialect is DialectSMB1.
	SMB1Negotiate bool

	SigningEnabled  bool
	SigningRequired bool
	// IPCSigningEnforced signs requests on IPC$ trees whenever the session
	// has a signing key, even if signing was not negotiated as required.
	IPCSigningEnforced bool
	// AllowGuestFallback accepts a guest logon for named credentials.
	AllowGuestFallback bool

	EncryptionEnabled bool
	Ciphers           []types.Cipher
	Compression       bool

	// MaxBufferSize caps the size of one wire write. The negotiated
	// transact size caps it further.
	MaxBufferSize int
	// ReceiveBufferSize bounds accepted frames.
	ReceiveBufferSize int
	DesiredCredits    int

	// SessionLimit caps the sessions per connection; 0 means unlimited.
	SessionLimit int
	// MaxPoolSize caps the pooled connections; 0 means unlimited.
	MaxPoolSize int

	// SOCKS5Proxy, when set, is the host:port of a SOCKS5 proxy.
	SOCKS5Proxy string
	// LocalAddr binds outgoing connections.
	LocalAddr string

	DFS dfs.Config
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		Port:               DefaultPort,
		Port139Fallback:    true,
		ConnectTimeout:     35 * time.Second,
		ResponseTimeout:    30 * time.Second,
		SessionTimeout:     35 * time.Second,
		MinDialect:         types.Dialect0202,
		MaxDialect:         types.Dialect0311,
		SigningEnabled:     true,
		IPCSigningEnforced: true,
		Ciphers: []types.Cipher{
			types.CipherAES128GCM,
			types.CipherAES128CCM,
			types.CipherAES256GCM,
			types.CipherAES256CCM,
		},
		MaxBufferSize:     1 << 20,
		ReceiveBufferSize: types.DefaultReceiveBufferSize,
		DesiredCredits:    512,
		DFS:               dfs.DefaultConfig(),
	}
}

// withDefaults fills zero values that would make the engine unusable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.MinDialect == 0 {
		c.MinDialect = d.MinDialect
	}
	if c.MaxDialect == 0 {
		c.MaxDialect = d.MaxDialect
	}
	if len(c.Ciphers) == 0 {
		c.Ciphers = d.Ciphers
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = d.ReceiveBufferSize
	}
	if c.DesiredCredits <= 0 {
		c.DesiredCredits = d.DesiredCredits
	}
	if c.DFS.MaxHops <= 0 {
		c.DFS.MaxHops = d.DFS.MaxHops
	}
	return c
}

// smb1First reports whether negotiation starts with an SMB1 negotiate.
func (c Config) smb1First() bool {
	return c.SMB1Negotiate || c.MinDialect == types.DialectSMB1
}

// offeredDialects lists the SMB2 dialects within [MinDialect, MaxDialect].
func (c Config) offeredDialects() []types.Dialect {
	var out []types.Dialect
	for _, d := range types.SMB2Dialects {
		if d >= c.MinDialect && d <= c.MaxDialect {
			out = append(out, d)
		}
	}
	return out
}

// Dialer opens network connections. *net.Dialer and the SOCKS5 dialer of
// golang.org/x/net/proxy satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NotificationHandler receives server-initiated messages such as oplock
// and lease breaks. It runs on the receive goroutine and must not block.
type NotificationHandler func(conn *Connection, n *message.Notification)

// Deps are the collaborators injected into a Pool and its connections.
type Deps struct {
	// Dialer overrides the dialer built from Config.
	Dialer   Dialer
	Metrics  metrics.ClientMetrics
	Resolver *dfs.Resolver
	Buffers  *bufpool.Pool
	Notify   NotificationHandler
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// SendOptions tune a single Send.
type SendOptions struct {
	// NoTimeout waits for credits and the response until they arrive or
	// the connection drops, for long-poll requests like change notify.
	NoTimeout bool
	// Encrypt forces encryption of the request.
	Encrypt bool
}

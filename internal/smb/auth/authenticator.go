// Package auth is the credentials boundary of the SMB client.
//
// Session setup drives an Authenticator: it hands over whatever security
// blob the server sent (the negotiate hint first, then each SESSION_SETUP
// response buffer) and sends back the token it returns, until the server
// reports success. Once the exchange completes the Authenticator yields the
// session key the signing and encryption keys are derived from.
//
// This package provides the client side of SPNEGO (RFC 4178) over a pluggable
// Mechanism, and an NTLMv2 mechanism in the ntlm subpackage.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jcmturner/gofork/encoding/asn1"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/auth/ntlm"
)

// Authenticator produces security tokens for SESSION_SETUP.
// An Authenticator serves a single session setup and need not be safe for
// concurrent use. A Factory hands out fresh instances.
type Authenticator interface {
	// Identity identifies the credentials. Sessions are reused only when
	// the identities match.
	Identity() string

	// Next consumes the server token and returns the next client token.
	// A nil token with a nil error means the client has nothing more to send.
	Next(serverToken []byte) ([]byte, error)

	// SessionKey returns the key established by the exchange, or nil for
	// anonymous and guest logons.
	SessionKey() []byte

	// IsAnonymous reports whether this is a null session.
	IsAnonymous() bool
}

// Mechanism is a GSS mechanism wrapped by SPNEGO.
type Mechanism interface {
	OID() asn1.ObjectIdentifier
	Next(in []byte) ([]byte, error)
	SessionKey() []byte
	IsAnonymous() bool
}

// SPNEGO is an Authenticator that frames a single Mechanism in SPNEGO.
type SPNEGO struct {
	identity string
	mech     Mechanism
	started  bool
	done     bool
}

var _ Authenticator = (*SPNEGO)(nil)

// NewSPNEGO wraps mech. identity is what Identity reports.
func NewSPNEGO(identity string, mech Mechanism) *SPNEGO {
	return &SPNEGO{identity: identity, mech: mech}
}

func (s *SPNEGO) Identity() string   { return s.identity }
func (s *SPNEGO) SessionKey() []byte { return s.mech.SessionKey() }
func (s *SPNEGO) IsAnonymous() bool  { return s.mech.IsAnonymous() }

func (s *SPNEGO) Next(serverToken []byte) ([]byte, error) {
	if s.done {
		return nil, nil
	}

	if !s.started {
		s.started = true
		if len(serverToken) > 0 {
			// Servers that include negHints produce an init token the
			// strict parser rejects; the hint is advisory either way.
			hint, err := Parse(serverToken)
			switch {
			case err != nil:
				logger.Debug("SPNEGO: ignoring unparsable negotiate hint", logger.KeyError, err)
			case hint.Type == TokenTypeInit && len(hint.MechTypes) > 0 && !hint.HasMechanism(s.mech.OID()):
				return nil, fmt.Errorf("%w: server does not offer %s", ErrUnsupportedMech, s.mech.OID())
			}
		}
		tok, err := s.mech.Next(nil)
		if err != nil {
			return nil, err
		}
		return BuildInit([]asn1.ObjectIdentifier{s.mech.OID()}, tok)
	}

	if len(serverToken) == 0 {
		s.done = true
		return nil, nil
	}
	resp, err := Parse(serverToken)
	if err != nil {
		return nil, err
	}
	if resp.Type != TokenTypeResp {
		return nil, fmt.Errorf("%w: expected NegTokenResp", ErrInvalidToken)
	}
	switch resp.NegState {
	case NegStateReject:
		return nil, ErrRejected
	case NegStateAcceptCompleted:
		s.done = true
		return nil, nil
	}
	if len(resp.SupportedMech) > 0 && !resp.SupportedMech.Equal(s.mech.OID()) {
		return nil, fmt.Errorf("%w: server selected %s", ErrUnsupportedMech, resp.SupportedMech)
	}

	tok, err := s.mech.Next(resp.MechToken)
	if err != nil {
		return nil, err
	}
	return BuildResponse(NegStateAcceptIncomplete, nil, tok)
}

// ntlmMechanism adapts ntlm.Client to Mechanism.
type ntlmMechanism struct {
	*ntlm.Client
}

func (ntlmMechanism) OID() asn1.ObjectIdentifier { return OIDNTLMSSP }

// Credentials are a user name, domain and password.
type Credentials struct {
	Domain   string
	User     string
	Password string
}

// Identity is the case-insensitive account name plus a password fingerprint,
// so changed passwords never reuse an old session.
func (c Credentials) Identity() string {
	if c.User == "" && c.Password == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(c.Password))
	return strings.ToUpper(c.Domain) + `\` + strings.ToLower(c.User) + ":" + hex.EncodeToString(sum[:8])
}

// NewNTLM returns an SPNEGO-wrapped NTLMv2 Authenticator for creds.
// Empty user and password select anonymous authentication.
func NewNTLM(creds Credentials, workstation string) *SPNEGO {
	client := &ntlm.Client{
		User:        creds.User,
		Password:    creds.Password,
		Domain:      creds.Domain,
		Workstation: workstation,
	}
	return NewSPNEGO(creds.Identity(), ntlmMechanism{client})
}

// Factory creates a fresh Authenticator for each session setup.
type Factory interface {
	Identity() string
	New() Authenticator
}

// NTLMFactory hands out NTLM authenticators for fixed credentials.
type NTLMFactory struct {
	Credentials Credentials
	Workstation string
}

func (f NTLMFactory) Identity() string   { return f.Credentials.Identity() }
func (f NTLMFactory) New() Authenticator { return NewNTLM(f.Credentials, f.Workstation) }

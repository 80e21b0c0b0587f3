package auth

import (
	"errors"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// Well-known mechanism OIDs used in SPNEGO negotiation.
var (
	// OIDMSKerberosV5 is Microsoft's Kerberos 5 OID (1.2.840.48018.1.2.2).
	OIDMSKerberosV5 = asn1.ObjectIdentifier{1, 2, 840, 48018, 1, 2, 2}

	// OIDKerberosV5 is the standard Kerberos 5 OID (1.2.840.113554.1.2.2).
	OIDKerberosV5 = asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}

	// OIDNTLMSSP is the NTLM Security Support Provider OID (1.3.6.1.4.1.311.2.2.10).
	OIDNTLMSSP = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}

	// OIDSPNEGO is the SPNEGO mechanism OID (1.3.6.1.5.5.2).
	OIDSPNEGO = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 2}
)

// NegState represents the state of SPNEGO negotiation.
// [RFC 4178] Section 4.2.2
type NegState int

const (
	NegStateAcceptCompleted  NegState = 0
	NegStateAcceptIncomplete NegState = 1
	NegStateReject           NegState = 2
	NegStateRequestMIC       NegState = 3
)

// Error types for SPNEGO handling.
var (
	ErrInvalidToken    = errors.New("spnego: invalid token format")
	ErrUnsupportedMech = errors.New("spnego: unsupported mechanism")
	ErrRejected        = errors.New("spnego: server rejected authentication")
)

// TokenType indicates whether a token is an init or response token.
type TokenType int

const (
	// TokenTypeInit is a NegTokenInit (the server's negotiate hint or a client's first message).
	TokenTypeInit TokenType = iota

	// TokenTypeResp is a NegTokenResp.
	TokenTypeResp
)

// ParsedToken contains the result of parsing a SPNEGO token.
type ParsedToken struct {
	Type          TokenType
	MechTypes     []asn1.ObjectIdentifier
	MechToken     []byte
	NegState      NegState
	SupportedMech asn1.ObjectIdentifier
}

// Parse parses a SPNEGO token. The input can be a GSSAPI-wrapped token
// (0x60), a raw NegTokenInit (0xa0) or a raw NegTokenResp (0xa1).
func Parse(data []byte) (*ParsedToken, error) {
	if len(data) < 2 {
		return nil, ErrInvalidToken
	}

	var tok spnego.SPNEGOToken
	if data[0] == 0x60 {
		if err := tok.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	} else {
		isInit, nt, err := spnego.UnmarshalNegToken(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		var ok bool
		if isInit {
			tok.Init = true
			tok.NegTokenInit, ok = nt.(spnego.NegTokenInit)
		} else {
			tok.Resp = true
			tok.NegTokenResp, ok = nt.(spnego.NegTokenResp)
		}
		if !ok {
			return nil, ErrInvalidToken
		}
	}

	if tok.Init {
		return &ParsedToken{
			Type:      TokenTypeInit,
			MechTypes: tok.NegTokenInit.MechTypes,
			MechToken: tok.NegTokenInit.MechTokenBytes,
		}, nil
	}
	return &ParsedToken{
		Type:          TokenTypeResp,
		MechToken:     tok.NegTokenResp.ResponseToken,
		NegState:      NegState(tok.NegTokenResp.NegState),
		SupportedMech: tok.NegTokenResp.SupportedMech,
	}, nil
}

// HasMechanism checks if the parsed token offers a specific mechanism.
func (p *ParsedToken) HasMechanism(oid asn1.ObjectIdentifier) bool {
	for _, mech := range p.MechTypes {
		if mech.Equal(oid) {
			return true
		}
	}
	return false
}

// BuildInit creates the GSSAPI-wrapped NegTokenInit a client sends first.
func BuildInit(mechs []asn1.ObjectIdentifier, mechToken []byte) ([]byte, error) {
	tok := spnego.SPNEGOToken{
		Init: true,
		NegTokenInit: spnego.NegTokenInit{
			MechTypes:      mechs,
			MechTokenBytes: mechToken,
		},
	}
	return tok.Marshal()
}

// BuildResponse creates a NegTokenResp carrying a mechanism token.
func BuildResponse(state NegState, mech asn1.ObjectIdentifier, responseToken []byte) ([]byte, error) {
	resp := spnego.NegTokenResp{
		NegState:      asn1.Enumerated(state),
		SupportedMech: mech,
		ResponseToken: responseToken,
	}
	return resp.Marshal()
}

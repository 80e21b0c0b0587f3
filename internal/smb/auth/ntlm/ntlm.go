// Package ntlm implements the client side of NTLM authentication.
//
// NTLM (NT LAN Manager) is a challenge-response authentication protocol
// defined in [MS-NLMP]. This package provides:
//   - NEGOTIATE (Type 1) message building
//   - CHALLENGE (Type 2) message parsing, including the AV_PAIR list
//   - NTLMv2 AUTHENTICATE (Type 3) message building and session key derivation
//   - Anonymous authentication
//
// The Client type drives the three-message exchange and is meant to be wrapped
// in SPNEGO by the auth package.
package ntlm

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/md4"

	"github.com/marmos91/smbclient/internal/smb/smbenc"
)

// =============================================================================
// NTLM Message Types
// =============================================================================

// MessageType identifies the three messages in the NTLM handshake.
// [MS-NLMP] Section 2.2.1
type MessageType uint32

const (
	// Negotiate (Type 1) is sent by the client to initiate authentication.
	Negotiate MessageType = 1

	// Challenge (Type 2) is sent by the server in response to Type 1.
	Challenge MessageType = 2

	// Authenticate (Type 3) is sent by the client to complete authentication.
	Authenticate MessageType = 3
)

// Signature is the 8-byte signature that identifies NTLM messages.
// [MS-NLMP] Section 2.2.1
var Signature = []byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0}

// NTLM message header offsets (common to all message types)
const (
	signatureOffset   = 0
	messageTypeOffset = 8
	headerSize        = 12
)

// NTLM Type 1 (NEGOTIATE) layout. [MS-NLMP] Section 2.2.1.1
//
//	Offset  Size  Field
//	0       8     Signature
//	8       4     MessageType (1)
//	12      4     NegotiateFlags
//	16      8     DomainNameFields
//	24      8     WorkstationFields
//	32      var   Payload
const negotiateBaseSize = 32

// NTLM Type 2 (CHALLENGE) offsets. [MS-NLMP] Section 2.2.1.2
const (
	challengeTargetNameOffset = 12 // 8 bytes: TargetName fields
	challengeFlagsOffset      = 20 // 4 bytes: NegotiateFlags
	challengeServerChalOffset = 24 // 8 bytes: ServerChallenge
	challengeTargetInfoOffset = 40 // 8 bytes: TargetInfo fields
	challengeBaseSize         = 48 // Minimum size without Version and payload
)

// NTLM Type 3 (AUTHENTICATE) layout. [MS-NLMP] Section 2.2.1.3
//
//	Offset  Size  Field
//	12      8     LmChallengeResponseFields
//	20      8     NtChallengeResponseFields
//	28      8     DomainNameFields
//	36      8     UserNameFields
//	44      8     WorkstationFields
//	52      8     EncryptedRandomSessionKeyFields
//	60      4     NegotiateFlags
//	64      var   Payload (no Version, no MIC)
const authBaseSize = 64

// NTLM challenge sizes
const (
	challengeSize  = 8
	sessionKeySize = 16
)

// =============================================================================
// NTLM Negotiate Flags
// =============================================================================

// NegotiateFlag controls authentication behavior and capabilities.
// These flags are exchanged in Type 1, Type 2, and Type 3 messages.
// [MS-NLMP] Section 2.2.2.5
type NegotiateFlag uint32

const (
	// FlagUnicode (bit A): strings are encoded as UTF-16LE.
	FlagUnicode NegotiateFlag = 0x00000001

	// FlagOEM (bit B): strings use the OEM code page.
	FlagOEM NegotiateFlag = 0x00000002

	// FlagRequestTarget (bit C) requests the server's authentication realm.
	FlagRequestTarget NegotiateFlag = 0x00000004

	// FlagSign (bit D) indicates message integrity support.
	FlagSign NegotiateFlag = 0x00000010

	// FlagSeal (bit E) indicates message confidentiality support.
	FlagSeal NegotiateFlag = 0x00000020

	// FlagLMKey (bit G) indicates LAN Manager session key computation.
	FlagLMKey NegotiateFlag = 0x00000080

	// FlagNTLM (bit I) indicates NTLM authentication support.
	FlagNTLM NegotiateFlag = 0x00000200

	// FlagAnonymous (bit K) indicates anonymous authentication.
	FlagAnonymous NegotiateFlag = 0x00000800

	// FlagDomainSupplied (bit L) indicates domain name is present.
	FlagDomainSupplied NegotiateFlag = 0x00001000

	// FlagWorkstationSupplied (bit M) indicates workstation name is present.
	FlagWorkstationSupplied NegotiateFlag = 0x00002000

	// FlagAlwaysSign (bit O) requires signing for all messages.
	FlagAlwaysSign NegotiateFlag = 0x00008000

	// FlagTargetTypeDomain (bit P) indicates target is a domain.
	FlagTargetTypeDomain NegotiateFlag = 0x00010000

	// FlagTargetTypeServer (bit Q) indicates target is a server.
	FlagTargetTypeServer NegotiateFlag = 0x00020000

	// FlagExtendedSecurity (bit S) indicates extended session security.
	FlagExtendedSecurity NegotiateFlag = 0x00080000

	// FlagTargetInfo (bit W) indicates TargetInfo is present.
	FlagTargetInfo NegotiateFlag = 0x00800000

	// FlagVersion (bit Y) indicates version field is present.
	FlagVersion NegotiateFlag = 0x02000000

	// Flag128 (bit Z) indicates 128-bit encryption support.
	Flag128 NegotiateFlag = 0x20000000

	// FlagKeyExchange (bit AB) requests an explicit session key exchange.
	FlagKeyExchange NegotiateFlag = 0x40000000

	// Flag56 (bit AA) indicates 56-bit encryption support.
	Flag56 NegotiateFlag = 0x80000000
)

// DefaultFlags are the flags a client offers in its NEGOTIATE message.
const DefaultFlags = FlagUnicode |
	FlagRequestTarget |
	FlagSign |
	FlagNTLM |
	FlagAlwaysSign |
	FlagExtendedSecurity |
	FlagTargetInfo |
	Flag128 |
	FlagKeyExchange |
	Flag56

// =============================================================================
// AV_PAIR Constants (TargetInfo Structure)
// =============================================================================

// AvID represents AV_PAIR attribute IDs for the TargetInfo field.
// Each AV_PAIR has: AvId (2 bytes) + AvLen (2 bytes) + Value (AvLen bytes)
// [MS-NLMP] Section 2.2.2.1
type AvID uint16

const (
	AvEOL             AvID = 0x0000
	AvNbComputerName  AvID = 0x0001
	AvNbDomainName    AvID = 0x0002
	AvDNSComputerName AvID = 0x0003
	AvDNSDomainName   AvID = 0x0004
	AvDNSTreeName     AvID = 0x0005
	AvFlags           AvID = 0x0006
	AvTimestamp       AvID = 0x0007
	AvTargetName      AvID = 0x0009
)

// AVPair is one attribute of the TargetInfo list.
type AVPair struct {
	ID    AvID
	Value []byte
}

// ParseTargetInfo decodes an AV_PAIR list up to its MsvAvEOL terminator.
func ParseTargetInfo(buf []byte) ([]AVPair, error) {
	var pairs []AVPair
	for len(buf) >= 4 {
		id := AvID(binary.LittleEndian.Uint16(buf[0:2]))
		n := int(binary.LittleEndian.Uint16(buf[2:4]))
		if id == AvEOL {
			return pairs, nil
		}
		if 4+n > len(buf) {
			return nil, ErrMessageTooShort
		}
		pairs = append(pairs, AVPair{ID: id, Value: buf[4 : 4+n]})
		buf = buf[4+n:]
	}
	return nil, ErrMessageTooShort
}

// EncodeTargetInfo encodes pairs followed by the MsvAvEOL terminator.
func EncodeTargetInfo(pairs []AVPair) []byte {
	w := smbenc.NewWriter(64)
	for _, p := range pairs {
		w.WriteUint16(uint16(p.ID))
		w.WriteUint16(uint16(len(p.Value)))
		w.WriteBytes(p.Value)
	}
	w.WriteUint32(0)
	return w.Bytes()
}

// =============================================================================
// NTLM Message Detection
// =============================================================================

// IsValid checks if the buffer starts with the NTLMSSP signature.
func IsValid(buf []byte) bool {
	if len(buf) < headerSize {
		return false
	}
	return bytes.Equal(buf[signatureOffset:signatureOffset+8], Signature)
}

// GetMessageType returns the NTLM message type from a buffer, or 0 when the
// buffer is too short.
func GetMessageType(buf []byte) MessageType {
	if len(buf) < headerSize {
		return 0
	}
	return MessageType(binary.LittleEndian.Uint32(buf[messageTypeOffset : messageTypeOffset+4]))
}

// =============================================================================
// NTLM Message Building
// =============================================================================

// BuildNegotiate creates an NTLM Type 1 (NEGOTIATE) message. Domain and
// workstation are written as OEM strings and flagged when non-empty.
func BuildNegotiate(flags NegotiateFlag, domain, workstation string) []byte {
	if domain != "" {
		flags |= FlagDomainSupplied
	}
	if workstation != "" {
		flags |= FlagWorkstationSupplied
	}

	w := smbenc.NewWriter(negotiateBaseSize + len(domain) + len(workstation))
	w.WriteBytes(Signature)
	w.WriteUint32(uint32(Negotiate))
	w.WriteUint32(uint32(flags))

	off := negotiateBaseSize
	writeFields(w, len(domain), off)
	writeFields(w, len(workstation), off+len(domain))
	w.WriteBytes([]byte(domain))
	w.WriteBytes([]byte(workstation))
	return w.Bytes()
}

// writeFields writes a Len/MaxLen/Offset triple.
func writeFields(w *smbenc.Writer, n, off int) {
	w.WriteUint16(uint16(n))
	w.WriteUint16(uint16(n))
	w.WriteUint32(uint32(off))
}

// ChallengeMessage contains the fields of an NTLM Type 2 message.
// [MS-NLMP] Section 2.2.1.2
type ChallengeMessage struct {
	NegotiateFlags  NegotiateFlag
	ServerChallenge [challengeSize]byte
	TargetName      string
	TargetInfo      []byte
}

// ParseChallenge parses an NTLM Type 2 (CHALLENGE) message.
func ParseChallenge(buf []byte) (*ChallengeMessage, error) {
	if len(buf) < challengeBaseSize {
		return nil, ErrMessageTooShort
	}
	if !IsValid(buf) {
		return nil, ErrInvalidSignature
	}
	if GetMessageType(buf) != Challenge {
		return nil, ErrWrongMessageType
	}

	msg := &ChallengeMessage{
		NegotiateFlags: NegotiateFlag(binary.LittleEndian.Uint32(buf[challengeFlagsOffset:])),
	}
	copy(msg.ServerChallenge[:], buf[challengeServerChalOffset:challengeServerChalOffset+challengeSize])

	name, err := fieldAt(buf, challengeTargetNameOffset)
	if err != nil {
		return nil, err
	}
	msg.TargetName = decodeString(name, msg.NegotiateFlags&FlagUnicode != 0)

	info, err := fieldAt(buf, challengeTargetInfoOffset)
	if err != nil {
		return nil, err
	}
	msg.TargetInfo = append([]byte(nil), info...)
	return msg, nil
}

// fieldAt resolves the Len/MaxLen/Offset triple stored at pos.
func fieldAt(buf []byte, pos int) ([]byte, error) {
	n := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
	off := int(binary.LittleEndian.Uint32(buf[pos+4 : pos+8]))
	if n == 0 {
		return nil, nil
	}
	if off+n > len(buf) {
		return nil, ErrMessageTooShort
	}
	return buf[off : off+n], nil
}

// AuthenticateMessage holds the fields the client sends in Type 3.
// [MS-NLMP] Section 2.2.1.3
type AuthenticateMessage struct {
	LmChallengeResponse       []byte
	NtChallengeResponse       []byte
	Domain                    string
	Username                  string
	Workstation               string
	EncryptedRandomSessionKey []byte
	NegotiateFlags            NegotiateFlag
}

// Marshal encodes the message. Strings are UTF-16LE when FlagUnicode is set.
func (m *AuthenticateMessage) Marshal() []byte {
	unicode := m.NegotiateFlags&FlagUnicode != 0
	domain := encodeString(m.Domain, unicode)
	user := encodeString(m.Username, unicode)
	ws := encodeString(m.Workstation, unicode)

	w := smbenc.NewWriter(authBaseSize + len(domain) + len(user) + len(ws) +
		len(m.LmChallengeResponse) + len(m.NtChallengeResponse) + len(m.EncryptedRandomSessionKey))
	w.WriteBytes(Signature)
	w.WriteUint32(uint32(Authenticate))

	off := authBaseSize
	payload := [][]byte{m.LmChallengeResponse, m.NtChallengeResponse, domain, user, ws, m.EncryptedRandomSessionKey}
	// Payload order differs from field order: names first, then responses.
	order := []int{2, 3, 4, 0, 1, 5}
	offsets := make([]int, len(payload))
	for _, i := range order {
		offsets[i] = off
		off += len(payload[i])
	}
	for i, p := range payload {
		writeFields(w, len(p), offsets[i])
	}
	w.WriteUint32(uint32(m.NegotiateFlags))
	for _, i := range order {
		w.WriteBytes(payload[i])
	}
	return w.Bytes()
}

// ParseAuthenticate parses an NTLM Type 3 (AUTHENTICATE) message.
func ParseAuthenticate(buf []byte) (*AuthenticateMessage, error) {
	if len(buf) < authBaseSize {
		return nil, ErrMessageTooShort
	}
	if !IsValid(buf) {
		return nil, ErrInvalidSignature
	}
	if GetMessageType(buf) != Authenticate {
		return nil, ErrWrongMessageType
	}

	msg := &AuthenticateMessage{
		NegotiateFlags: NegotiateFlag(binary.LittleEndian.Uint32(buf[60:64])),
	}
	unicode := msg.NegotiateFlags&FlagUnicode != 0

	fields := make([][]byte, 6)
	for i := range fields {
		f, err := fieldAt(buf, 12+8*i)
		if err != nil {
			return nil, err
		}
		fields[i] = f
	}
	msg.LmChallengeResponse = append([]byte(nil), fields[0]...)
	msg.NtChallengeResponse = append([]byte(nil), fields[1]...)
	msg.Domain = decodeString(fields[2], unicode)
	msg.Username = decodeString(fields[3], unicode)
	msg.Workstation = decodeString(fields[4], unicode)
	msg.EncryptedRandomSessionKey = append([]byte(nil), fields[5]...)
	return msg, nil
}

func encodeString(s string, unicode bool) []byte {
	if !unicode {
		return []byte(s)
	}
	b, err := smbenc.EncodeUTF16(s)
	if err != nil {
		return nil
	}
	return b
}

// decodeString decodes a string from either UTF-16LE (Unicode) or OEM encoding.
func decodeString(buf []byte, isUnicode bool) string {
	if !isUnicode {
		return string(buf)
	}
	s, err := smbenc.DecodeUTF16(buf)
	if err != nil {
		return ""
	}
	return s
}

// =============================================================================
// NTLMv2 Computation
// =============================================================================

// ComputeNTHash returns MD4(UTF16LE(password)).
func ComputeNTHash(password string) [16]byte {
	var out [16]byte
	h := md4.New()
	h.Write(smbenc.MustEncodeUTF16(password))
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeNTLMv2Hash returns HMAC-MD5(ntHash, UTF16LE(UPPER(user) + domain)).
// [MS-NLMP] Section 3.3.2 (NTOWFv2)
func ComputeNTLMv2Hash(ntHash [16]byte, username, domain string) [16]byte {
	var out [16]byte
	mac := hmac.New(md5.New, ntHash[:])
	mac.Write(smbenc.MustEncodeUTF16(strings.ToUpper(username) + domain))
	copy(out[:], mac.Sum(nil))
	return out
}

// Responses are the results of the NTLMv2 computation.
type Responses struct {
	LM             []byte
	NT             []byte
	SessionBaseKey [16]byte
}

// ComputeResponses builds the NTLMv2 and LMv2 responses for a challenge.
// timestamp is a FILETIME. [MS-NLMP] Section 3.3.2
func ComputeResponses(ntlmv2Hash [16]byte, serverChallenge, clientChallenge [challengeSize]byte, timestamp uint64, targetInfo []byte) Responses {
	w := smbenc.NewWriter(28 + len(targetInfo) + 4)
	w.WriteUint8(1) // RespType
	w.WriteUint8(1) // HiRespType
	w.WriteZeros(6)
	w.WriteUint64(timestamp)
	w.WriteBytes(clientChallenge[:])
	w.WriteZeros(4)
	w.WriteBytes(targetInfo)
	w.WriteZeros(4)
	temp := w.Bytes()

	mac := hmac.New(md5.New, ntlmv2Hash[:])
	mac.Write(serverChallenge[:])
	mac.Write(temp)
	proof := mac.Sum(nil)

	mac.Reset()
	mac.Write(serverChallenge[:])
	mac.Write(clientChallenge[:])
	lm := append(mac.Sum(nil), clientChallenge[:]...)

	mac.Reset()
	mac.Write(proof)
	var r Responses
	copy(r.SessionBaseKey[:], mac.Sum(nil))
	r.LM = lm
	r.NT = append(proof, temp...)
	return r
}

// filetime converts t to Windows FILETIME (100ns intervals since 1601).
func filetime(t time.Time) uint64 {
	const epochDelta = 116444736000000000
	return uint64(t.UnixNano()/100) + epochDelta
}

// =============================================================================
// Client
// =============================================================================

// Client performs the client side of an NTLM exchange. A Client is used for a
// single authentication and is not safe for concurrent use.
type Client struct {
	User        string
	Password    string
	Domain      string
	Workstation string

	// Now and Rand are overridable for tests.
	Now  func() time.Time
	Rand func([]byte) error

	step       int
	sessionKey []byte
}

// IsAnonymous reports whether the client authenticates as the null user.
func (c *Client) IsAnonymous() bool {
	return c.User == "" && c.Password == ""
}

// Next returns the next message of the exchange. The first call ignores in
// and returns NEGOTIATE; the second consumes CHALLENGE and returns
// AUTHENTICATE.
func (c *Client) Next(in []byte) ([]byte, error) {
	switch c.step {
	case 0:
		c.step++
		flags := DefaultFlags
		if c.IsAnonymous() {
			flags |= FlagAnonymous
		}
		return BuildNegotiate(flags, "", ""), nil
	case 1:
		c.step++
		chal, err := ParseChallenge(in)
		if err != nil {
			return nil, fmt.Errorf("parse challenge: %w", err)
		}
		return c.authenticate(chal)
	}
	return nil, ErrExchangeComplete
}

// SessionKey returns the exported session key once the exchange completed.
// It is nil for anonymous authentication.
func (c *Client) SessionKey() []byte {
	return c.sessionKey
}

func (c *Client) authenticate(chal *ChallengeMessage) ([]byte, error) {
	flags := chal.NegotiateFlags & DefaultFlags
	msg := &AuthenticateMessage{
		Domain:         c.Domain,
		Username:       c.User,
		Workstation:    c.Workstation,
		NegotiateFlags: flags,
	}

	if c.IsAnonymous() {
		msg.NegotiateFlags |= FlagAnonymous
		msg.LmChallengeResponse = []byte{0}
		return msg.Marshal(), nil
	}

	randFn := c.Rand
	if randFn == nil {
		randFn = func(b []byte) error { _, err := rand.Read(b); return err }
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}

	var clientChallenge [challengeSize]byte
	if err := randFn(clientChallenge[:]); err != nil {
		return nil, err
	}

	timestamp := filetime(now())
	hasServerTime := false
	if pairs, err := ParseTargetInfo(chal.TargetInfo); err == nil {
		for _, p := range pairs {
			if p.ID == AvTimestamp && len(p.Value) == 8 {
				timestamp = binary.LittleEndian.Uint64(p.Value)
				hasServerTime = true
			}
		}
	}

	hash := ComputeNTLMv2Hash(ComputeNTHash(c.Password), c.User, c.Domain)
	resp := ComputeResponses(hash, chal.ServerChallenge, clientChallenge, timestamp, chal.TargetInfo)
	msg.NtChallengeResponse = resp.NT
	msg.LmChallengeResponse = resp.LM
	if hasServerTime {
		// With a server timestamp the LMv2 response must be zeroed.
		msg.LmChallengeResponse = make([]byte, 24)
	}

	keyExchangeKey := resp.SessionBaseKey[:]
	exported := keyExchangeKey
	if flags&FlagKeyExchange != 0 {
		exported = make([]byte, sessionKeySize)
		if err := randFn(exported); err != nil {
			return nil, err
		}
		cipher, err := rc4.NewCipher(keyExchangeKey)
		if err != nil {
			return nil, err
		}
		msg.EncryptedRandomSessionKey = make([]byte, sessionKeySize)
		cipher.XORKeyStream(msg.EncryptedRandomSessionKey, exported)
	}
	c.sessionKey = append([]byte(nil), exported...)
	return msg.Marshal(), nil
}

// =============================================================================
// NTLM Errors
// =============================================================================

// Error types for NTLM message handling.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrMessageTooShort is returned when the buffer is too small for the message type.
	ErrMessageTooShort Error = "ntlm: message too short"

	// ErrInvalidSignature is returned when the NTLMSSP signature is missing or invalid.
	ErrInvalidSignature Error = "ntlm: invalid signature"

	// ErrWrongMessageType is returned when parsing a message of unexpected type.
	ErrWrongMessageType Error = "ntlm: wrong message type"

	// ErrExchangeComplete is returned when Next is called after AUTHENTICATE.
	ErrExchangeComplete Error = "ntlm: exchange already complete"
)

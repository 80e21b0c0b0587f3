package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// SMBServerName is the wildcard called name accepted by most servers.
const SMBServerName = "*SMBSERVER"

// NetBIOS negative session response error codes (RFC 1002 4.3.4).
const (
	nbNotListeningOnCalledName = 0x80
	nbNotListeningForCaller    = 0x81
	nbCalledNameNotPresent     = 0x82
	nbInsufficientResources    = 0x83
	nbUnspecifiedError         = 0x8F
)

// NetBIOSError is a negative or retarget session response.
type NetBIOSError struct {
	Type uint8
	Code uint8
}

func (e *NetBIOSError) Error() string {
	if e.Type == types.NetBIOSRetargetSessionResponse {
		return "netbios: session retarget not supported"
	}
	var reason string
	switch e.Code {
	case nbNotListeningOnCalledName:
		reason = "not listening on called name"
	case nbNotListeningForCaller:
		reason = "not listening for calling name"
	case nbCalledNameNotPresent:
		reason = "called name not present"
	case nbInsufficientResources:
		reason = "insufficient resources"
	case nbUnspecifiedError:
		reason = "unspecified error"
	default:
		reason = fmt.Sprintf("error 0x%02X", e.Code)
	}
	return "netbios: negative session response: " + reason
}

// netbiosName derives the called name from a host: the first DNS label,
// upper-cased, at most 15 characters. IP addresses yield *SMBSERVER.
func netbiosName(host string) string {
	if net.ParseIP(host) != nil {
		return SMBServerName
	}
	name, _, _ := strings.Cut(host, ".")
	name = strings.ToUpper(name)
	if len(name) > 15 {
		name = name[:15]
	}
	if name == "" {
		return SMBServerName
	}
	return name
}

// encodeNetBIOSName returns the first-level encoding of name with suffix
// 0x20 (file server service): 32 half-ASCII characters behind a length
// byte and a terminating empty label.
func encodeNetBIOSName(name string) []byte {
	var raw [16]byte
	for i := range raw {
		raw[i] = ' '
	}
	if name == SMBServerName {
		copy(raw[:], name)
	} else {
		copy(raw[:15], strings.ToUpper(name))
	}
	raw[15] = 0x20

	out := make([]byte, 0, 34)
	out = append(out, 32)
	for _, b := range raw {
		out = append(out, 'A'+(b>>4), 'A'+(b&0x0F))
	}
	return append(out, 0)
}

// sessionRequest performs the NetBIOS session establishment on port 139,
// trying the host-derived called name first and *SMBSERVER second.
func sessionRequest(rw io.ReadWriter, host, calling string) error {
	if calling == "" {
		calling = "SMBCLIENT"
	}
	names := []string{netbiosName(host)}
	if names[0] != SMBServerName {
		names = append(names, SMBServerName)
	}

	var lastErr error
	for _, called := range names {
		err := sessionRequestOnce(rw, called, calling)
		if err == nil {
			return nil
		}
		var nbErr *NetBIOSError
		if !errors.As(err, &nbErr) || nbErr.Type != types.NetBIOSNegativeSessionResponse {
			return err
		}
		logger.Debug("NetBIOS session request rejected", "called", called, logger.KeyError, err)
		lastErr = err
	}
	return lastErr
}

func sessionRequestOnce(rw io.ReadWriter, called, calling string) error {
	payload := append(encodeNetBIOSName(called), encodeNetBIOSName(calling)...)
	req := make([]byte, types.NetBIOSHeaderSize, types.NetBIOSHeaderSize+len(payload))
	req[0] = types.NetBIOSSessionRequest
	req[2] = byte(len(payload) >> 8)
	req[3] = byte(len(payload))
	req = append(req, payload...)
	if _, err := rw.Write(req); err != nil {
		return fmt.Errorf("netbios session request: %w", err)
	}

	var hdr [types.NetBIOSHeaderSize]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return fmt.Errorf("netbios session response: %w", err)
	}
	body := make([]byte, frameLength(hdr[:]))
	if _, err := io.ReadFull(rw, body); err != nil {
		return fmt.Errorf("netbios session response: %w", err)
	}

	switch hdr[0] {
	case types.NetBIOSPositiveSessionResponse:
		return nil
	case types.NetBIOSNegativeSessionResponse:
		code := uint8(nbUnspecifiedError)
		if len(body) > 0 {
			code = body[0]
		}
		return &NetBIOSError{Type: hdr[0], Code: code}
	case types.NetBIOSRetargetSessionResponse:
		return &NetBIOSError{Type: hdr[0]}
	}
	return protocolErrorf("unexpected netbios session response type 0x%02X", hdr[0])
}

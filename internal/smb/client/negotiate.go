package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/credit"
	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/internal/telemetry"
)

// preauthSaltSize is the salt length offered in the preauth context.
const preauthSaltSize = 32

// smb1PID is the process id stamped into SMB1 headers.
var smb1PID = uint16(os.Getpid())

// negotiate runs the negotiation exchange synchronously on l, before the
// receive loop starts. On success l.neg is set and the credit pool holds
// the server's initial grant.
func (c *Connection) negotiate(ctx context.Context, l *link) error {
	ctx, span := telemetry.StartConnectionSpan(ctx, telemetry.SpanSMBNegotiate, c.host, l.port)
	defer span.End()

	// One credit covers the negotiate request itself.
	l.credits.Reset(1)
	var err error
	if c.cfg.smb1First() {
		err = c.negotiateSMB1(ctx, l)
	} else {
		err = c.negotiateSMB2(ctx, l, 0)
	}
	if err != nil {
		telemetry.Fail(span, err, "negotiate failed")
		return err
	}
	span.SetAttributes(telemetry.SMBDialect(l.neg.Dialect.String()), telemetry.SMBCredits(l.credits.Available()))
	logger.DebugCtx(ctx, "Negotiated",
		logger.KeyServer, c.host,
		logger.KeyDialect, l.neg.Dialect.String(),
		logger.KeyCredits, l.credits.Available(),
		logger.KeyCipher, l.neg.Cipher.String(),
		logger.KeySigning, l.neg.SigningAlg.String(),
		"signing_required", l.neg.SigningRequired)
	return nil
}

// exchange writes one message and reads the next frame.
func (c *Connection) exchange(l *link, msg []byte) ([]byte, error) {
	if err := writeFrame(l.conn, c.deps.Buffers, msg); err != nil {
		return nil, err
	}
	return l.reader.next()
}

// negotiateSMB1 offers NT LM 0.12 plus the SMB2 dialect strings. A server
// that prefers SMB2 answers with an SMB2 negotiate response: 2.0.2 is
// accepted as is, the wildcard leads to a proper SMB2 negotiate.
func (c *Connection) negotiateSMB1(ctx context.Context, l *link) error {
	dialects := []string{types.SMB1DialectNTLM012}
	if c.cfg.MaxDialect.IsSMB2() {
		dialects = append(dialects, types.SMB1DialectSMB2002, types.SMB1DialectSMB2Wildc)
	}
	h := &header.SMB1Header{
		Flags:  types.SMB1FlagsCaseless | types.SMB1FlagsCanonical,
		Flags2: types.SMB1Flags2LongNames | types.SMB1Flags2ExtendedSecurity | types.SMB1Flags2NTStatus | types.SMB1Flags2Unicode,
		PIDLow: smb1PID,
	}
	msg, err := message.EncodeSMB1(h, &message.SMB1NegotiateRequest{Dialects: dialects})
	if err != nil {
		return err
	}
	raw, err := c.exchange(l, msg)
	if err != nil {
		return fmt.Errorf("smb1 negotiate: %w", err)
	}

	if header.ProtocolID(raw) == types.SMB2ProtocolID {
		hdr, resp, err := decodeNegotiateResponse(raw)
		if err != nil {
			return err
		}
		switch resp.Dialect {
		case types.DialectWildcard:
			logger.DebugCtx(ctx, "Server selected SMB2 wildcard, renegotiating", logger.KeyServer, c.host)
			return c.negotiateSMB2(ctx, l, 1)
		case types.Dialect0202:
			if c.cfg.MinDialect > types.Dialect0202 {
				return fmt.Errorf("%w: server selected %s below minimum %s", ErrUnsupported, resp.Dialect, c.cfg.MinDialect)
			}
			l.nextMID = 1
			return c.applySMB2(l, hdr, resp, nil, nil, nil)
		}
		return protocolErrorf("server answered SMB1 negotiate with dialect %s", resp.Dialect)
	}

	if c.cfg.MinDialect.IsSMB2() {
		return fmt.Errorf("%w: server does not support SMB2", ErrUnsupported)
	}
	rh, err := header.ParseSMB1(raw)
	if err != nil {
		return err
	}
	if st := rh.NTStatus(); !st.IsSuccess() {
		return statusError("SMB_COM_NEGOTIATE", st)
	}
	resp := &message.SMB1NegotiateResponse{}
	if _, err := message.DecodeSMB1(raw, resp); err != nil {
		return err
	}
	if resp.DialectIndex != 0 {
		return fmt.Errorf("%w: server rejected NT LM 0.12", ErrUnsupported)
	}
	if resp.Capabilities&types.SMB1CapExtendedSecurity == 0 {
		return fmt.Errorf("%w: SMB1 server without extended security", ErrUnsupported)
	}
	if c.cfg.SigningRequired && !resp.SigningEnabled() {
		return fmt.Errorf("%w: signing required but not supported by server", ErrUnsupported)
	}

	neg := &Negotiated{
		Dialect:          types.DialectSMB1,
		ServerGUID:       resp.ServerGUID,
		MaxTransactSize:  resp.MaxBufferSize,
		MaxReadSize:      resp.MaxBufferSize,
		MaxWriteSize:     resp.MaxBufferSize,
		MaxBufferSize:    c.cfg.MaxBufferSize,
		SigningRequired:  c.cfg.SigningRequired || resp.SigningRequired(),
		SecurityBlob:     resp.SecurityBlob,
		ServerTime:       filetime(resp.SystemTime),
		SMB1Capabilities: resp.Capabilities,
		SMB1MaxMpxCount:  max(resp.MaxMpxCount, 1),
		SMB1SessionKey:   resp.SessionKey,
	}
	if resp.SigningEnabled() {
		neg.SecurityMode |= types.SigningEnabled
	}
	if resp.MaxBufferSize > 0 {
		neg.MaxBufferSize = min(neg.MaxBufferSize, int(resp.MaxBufferSize))
	}
	l.neg = neg
	l.smb1MID = 1
	// SMB1 has no credits; one permit keeps the pool usable for echo.
	l.credits.Reset(1)
	return nil
}

// negotiateSMB2 sends an SMB2 NEGOTIATE with message id mid.
func (c *Connection) negotiateSMB2(ctx context.Context, l *link, mid uint64) error {
	req, err := c.negotiateRequest()
	if err != nil {
		return err
	}
	body, err := message.EncodeBody(req)
	if err != nil {
		return err
	}
	// The request spends the credit the link starts with.
	l.credits.TryAcquire(1)
	hdr := header.SMB2Header{
		Command:   types.CommandNegotiate,
		MessageID: mid,
		Credits:   credit.Request(c.cfg.DesiredCredits, l.credits.Available(), 1),
	}
	msg := append(hdr.Bytes(), body...)

	raw, err := c.exchange(l, msg)
	if err != nil {
		return fmt.Errorf("smb2 negotiate: %w", err)
	}
	rh, resp, err := decodeNegotiateResponse(raw)
	if err != nil {
		return err
	}
	if rh.MessageID != mid {
		return protocolErrorf("negotiate response for message id %d, expected %d", rh.MessageID, mid)
	}
	if !req.HasDialect(resp.Dialect) {
		return protocolErrorf("server selected dialect %s which was not offered", resp.Dialect)
	}
	l.nextMID = mid + 1
	logger.DebugCtx(ctx, "SMB2 negotiate response", logger.KeyDialect, resp.Dialect.String(), logger.KeyCredits, rh.Credits)
	return c.applySMB2(l, rh, resp, req, msg, raw)
}

// negotiateRequest builds the NEGOTIATE body for the configured dialect
// range, with 3.1.1 negotiate contexts when 3.1.1 is offered.
func (c *Connection) negotiateRequest() (*message.NegotiateRequest, error) {
	dialects := c.cfg.offeredDialects()
	if len(dialects) == 0 {
		return nil, fmt.Errorf("%w: no SMB2 dialect between %s and %s", ErrUnsupported, c.cfg.MinDialect, c.cfg.MaxDialect)
	}
	req := &message.NegotiateRequest{
		SecurityMode: types.SigningEnabled,
		Dialects:     dialects,
	}
	if c.cfg.SigningRequired {
		req.SecurityMode |= types.SigningRequired
	}
	guid := uuid.New()
	copy(req.ClientGUID[:], guid[:])

	maxDialect := slices.Max(dialects)
	req.Capabilities = types.CapDFS
	if maxDialect >= types.Dialect0210 {
		req.Capabilities |= types.CapLargeMTU
	}
	if maxDialect.IsSMB3() && c.cfg.EncryptionEnabled {
		req.Capabilities |= types.CapEncryption
	}

	if maxDialect == types.Dialect0311 {
		salt := make([]byte, preauthSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("preauth salt: %w", err)
		}
		req.Contexts = append(req.Contexts,
			types.NegotiateContext{
				ContextType: types.NegCtxPreauthIntegrity,
				Data:        types.PreauthIntegrityCaps{HashAlgorithms: []uint16{types.HashAlgSHA512}, Salt: salt}.Encode(),
			},
			types.NegotiateContext{
				ContextType: types.NegCtxEncryptionCaps,
				Data:        types.EncryptionCaps{Ciphers: c.cfg.Ciphers}.Encode(),
			},
			types.NegotiateContext{
				ContextType: types.NegCtxSigningCaps,
				Data: types.SigningCaps{Algorithms: []types.SigningAlg{
					types.SigningAESGMAC, types.SigningAESCMAC, types.SigningHMACSHA256,
				}}.Encode(),
			},
			types.NetnameContext(c.host),
		)
		if c.cfg.Compression {
			req.Contexts = append(req.Contexts, types.NegotiateContext{
				ContextType: types.NegCtxCompressionCaps,
				Data:        types.CompressionCaps{Algorithms: []uint16{types.CompressionLZ4}}.Encode(),
			})
		}
	}
	return req, nil
}

func decodeNegotiateResponse(raw []byte) (*header.SMB2Header, *message.NegotiateResponse, error) {
	hdr, err := header.ParseSMB2(raw)
	if err != nil {
		return nil, nil, err
	}
	if hdr.Command != types.CommandNegotiate || !hdr.IsResponse() {
		return nil, nil, protocolErrorf("expected negotiate response, got %s", hdr.Command)
	}
	if !hdr.Status.IsSuccess() {
		return nil, nil, statusError(types.CommandNegotiate.String(), hdr.Status)
	}
	resp := &message.NegotiateResponse{}
	if err := resp.Decode(raw[types.SMB2HeaderSize:]); err != nil {
		return nil, nil, err
	}
	return hdr, resp, nil
}

// applySMB2 records the negotiated parameters. req, reqMsg and respMsg are
// nil when 2.0.2 was selected through the SMB1 negotiate.
func (c *Connection) applySMB2(l *link, hdr *header.SMB2Header, resp *message.NegotiateResponse, req *message.NegotiateRequest, reqMsg, respMsg []byte) error {
	neg := &Negotiated{
		Dialect:         resp.Dialect,
		SecurityMode:    resp.SecurityMode,
		Capabilities:    resp.Capabilities,
		ServerGUID:      resp.ServerGUID,
		MaxTransactSize: resp.MaxTransactSize,
		MaxReadSize:     resp.MaxReadSize,
		MaxWriteSize:    resp.MaxWriteSize,
		MaxBufferSize:   c.cfg.MaxBufferSize,
		SigningRequired: c.cfg.SigningRequired || resp.SecurityMode&types.SigningRequired != 0,
		SecurityBlob:    resp.SecurityBuffer,
		ServerTime:      filetime(resp.SystemTime),
		SigningAlg:      types.SigningHMACSHA256,
	}
	if req != nil {
		neg.ClientGUID = req.ClientGUID
	}
	if resp.MaxTransactSize > 0 {
		neg.MaxBufferSize = min(neg.MaxBufferSize, int(resp.MaxTransactSize)+types.SMB2HeaderSize)
	}

	switch {
	case resp.Dialect == types.Dialect0311:
		preauth := newPreauthHash([64]byte{})
		preauth.Update(reqMsg)
		preauth.Update(respMsg)
		neg.PreauthHash = preauth.Value()

		cipher, err := resp.NegotiatedCipher()
		if err != nil {
			return err
		}
		if cipher != types.CipherNone && !slices.Contains(c.cfg.Ciphers, cipher) {
			return protocolErrorf("server selected cipher %s which was not offered", cipher)
		}
		if cipher == types.CipherNone {
			cipher = types.CipherAES128CCM
		}
		neg.Cipher = cipher

		neg.SigningAlg = types.SigningAESCMAC
		if alg, ok, err := resp.NegotiatedSigning(); err != nil {
			return err
		} else if ok {
			neg.SigningAlg = alg
		}

		if cc, ok := resp.Context(types.NegCtxCompressionCaps); ok {
			caps, err := types.DecodeCompressionCaps(cc.Data)
			if err != nil {
				return err
			}
			neg.Compression = slices.Contains(caps.Algorithms, types.CompressionLZ4)
		}

	case resp.Dialect.IsSMB3():
		neg.SigningAlg = types.SigningAESCMAC
		if resp.Capabilities.Has(types.CapEncryption) {
			neg.Cipher = types.CipherAES128CCM
		}
	}

	l.neg = neg
	// A grant of zero would leave the connection unable to send anything.
	l.credits.Reset(max(1, int(hdr.Credits)))
	return nil
}

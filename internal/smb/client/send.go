package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/chain"
	"github.com/marmos91/smbclient/internal/smb/credit"
	"github.com/marmos91/smbclient/internal/smb/encryption"
	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/signing"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/internal/telemetry"
	"github.com/marmos91/smbclient/pkg/metrics"
)

// Chain is a sequence of SMB2 requests sent as one or more compounds.
type Chain = chain.Chain[message.Request, message.Response]

// SMB1Chain is a sequence of SMB1 commands sent as one or more AndX
// chains.
type SMB1Chain = chain.Chain[message.SMB1Request, message.SMB1Response]

// NewChain returns an empty chain. link prepares each continuation when
// the chain has to be split; it may be nil.
func NewChain(link chain.LinkFunc[message.Request, message.Response]) *Chain {
	return chain.New(link)
}

// Single returns a one-request chain.
func Single(req message.Request, resp message.Response) *Chain {
	return chain.Single(req, resp)
}

// Reply holds the response headers of every request that was answered, in
// chain order, and the raw response messages.
type Reply struct {
	Headers  []*header.SMB2Header
	Messages [][]byte
}

// Status returns the status of the i-th response.
func (r *Reply) Status(i int) types.Status {
	return r.Headers[i].Status
}

// Last returns the header of the final response.
func (r *Reply) Last() *header.SMB2Header {
	if len(r.Headers) == 0 {
		return nil
	}
	return r.Headers[len(r.Headers)-1]
}

// target carries the per-session and per-tree context of a send.
type target struct {
	sessionID uint64
	treeID    uint32
	dfs       bool
	// signer signs requests and verifies responses when set.
	signer signing.Signer
	// requireSigned rejects unsigned responses.
	requireSigned bool
	encrypt       *encryption.Context
	// onSend observes the plaintext compound before it is encrypted.
	onSend func(msg []byte)
}

// wire is an encoded request body with its credit charge.
type wire struct {
	body   []byte
	charge uint16
}

// Send issues ch outside any session, as for ECHO. Requests within
// sessions go through Session and Tree.
func (c *Connection) Send(ctx context.Context, ch *Chain, opts SendOptions) (*Reply, error) {
	return c.send(ctx, ch, target{}, opts)
}

// send transmits ch, splitting it into several compounds when credits or
// the buffer size demand it. After each compound the linking callback
// prepares the next head from the last response. A failed status stops the
// chain: the remaining requests are not sent.
func (c *Connection) send(ctx context.Context, ch *Chain, t target, opts SendOptions) (*Reply, error) {
	if ch == nil || ch.Len() == 0 {
		return nil, errors.New("send: empty chain")
	}
	l, err := c.current()
	if err != nil {
		return nil, err
	}
	if l.neg.IsSMB1() {
		return nil, fmt.Errorf("%w: SMB2 request on an SMB1 connection", ErrUnsupported)
	}

	command := ch.At(0).Request.Command().String()
	ctx, span := telemetry.StartSendSpan(ctx, command, ch.Len(),
		telemetry.SMBSessionID(t.sessionID),
		telemetry.SMBTreeID(t.treeID),
		telemetry.SMBSigned(t.signer != nil),
		telemetry.SMBEncrypted(t.encrypt != nil))
	defer span.End()

	reply := &Reply{}
	for head := ch; head != nil; {
		chunk, rest, wires, err := c.reserve(ctx, l, head, opts)
		if err != nil {
			telemetry.Fail(span, err, "credits")
			return reply, err
		}
		if err := c.roundTrip(ctx, l, chunk, wires, t, opts, reply); err != nil {
			telemetry.Fail(span, err, "request failed")
			return reply, err
		}
		if rest != nil {
			if err := rest.Prepare(chunk.Last().Response); err != nil {
				return reply, fmt.Errorf("prepare chained request: %w", err)
			}
		}
		head = rest
	}
	return reply, nil
}

// reserve takes credits for the longest prefix of head that fits both the
// pool and the maximum buffer size. When not even the first request fits
// the pool, it waits for its credits and sends it alone.
func (c *Connection) reserve(ctx context.Context, l *link, head *Chain, opts SendOptions) (chunk, rest *Chain, wires []wire, err error) {
	multi := l.neg.Dialect.SupportsMultiCredit()
	maxSize := l.maxSize()
	total := 0
	for i, lk := range head.Links() {
		body, err := message.EncodeBody(lk.Request)
		if err != nil {
			releaseWires(l, wires)
			return nil, nil, nil, err
		}
		size := types.SMB2HeaderSize + align8(len(body))
		charge := credit.Charge(message.PayloadSize(lk.Request), multi)

		if total+size <= maxSize && l.credits.TryAcquire(int(charge)) {
			total += size
			wires = append(wires, wire{body: body, charge: charge})
			continue
		}
		if i > 0 {
			chunk, rest = head.Split(i)
			return chunk, rest, wires, nil
		}

		if size > maxSize {
			return nil, nil, nil, fmt.Errorf("%w: %s of %d bytes, limit %d", ErrRequestTooLarge, lk.Request.Command(), size, maxSize)
		}
		if err := c.acquireCredits(ctx, l, int(charge), opts); err != nil {
			return nil, nil, nil, err
		}
		wires = append(wires, wire{body: body, charge: charge})
		if head.Len() == 1 {
			return head, nil, wires, nil
		}
		chunk, rest = head.Split(1)
		return chunk, rest, wires, nil
	}
	return head, nil, wires, nil
}

func (c *Connection) acquireCredits(ctx context.Context, l *link, n int, opts SendOptions) error {
	start := time.Now()
	if !opts.NoTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ResponseTimeout)
		defer cancel()
	}
	err := l.credits.Acquire(ctx, n)
	metrics.RecordCreditWait(c.deps.Metrics, time.Since(start))
	if errors.Is(err, credit.ErrTimeout) {
		metrics.RecordCreditTimeout(c.deps.Metrics)
		logger.WarnCtx(ctx, "Failed to acquire credits in time",
			logger.KeyServer, c.host, logger.KeyCharge, n, "waiting", l.credits.Waiting())
	}
	return err
}

func releaseWires(l *link, wires []wire) {
	n := 0
	for _, w := range wires {
		n += int(w.charge)
	}
	l.credits.Release(n)
}

func align8(n int) int { return (n + 7) &^ 7 }

// roundTrip sends one compound and waits for all of its responses.
func (c *Connection) roundTrip(ctx context.Context, l *link, chunk *Chain, wires []wire, t target, opts SendOptions, reply *Reply) (err error) {
	n := chunk.Len()
	multi := l.neg.Dialect.SupportsMultiCredit()
	calls := make([]*call, n)
	bounds := make([][2]int, n)

	ctx, span := telemetry.StartRoundTripSpan(ctx, c.host, n)
	defer func() {
		telemetry.Fail(span, err, "round trip failed")
		span.End()
	}()

	l.sendMu.Lock()
	requested := credit.Request(c.cfg.DesiredCredits, l.credits.Available(), n)
	var buf []byte
	for i, lk := range chunk.Links() {
		w := wires[i]
		start := len(buf)
		buf = append(buf, make([]byte, types.SMB2HeaderSize)...)
		buf = append(buf, w.body...)

		h := header.SMB2Header{
			Command:   lk.Request.Command(),
			Credits:   w.charge,
			MessageID: l.nextMID,
			TreeID:    t.treeID,
			SessionID: t.sessionID,
		}
		if i == 0 {
			h.Credits = requested
		} else {
			h.Flags |= types.FlagRelated
		}
		if multi {
			h.CreditCharge = w.charge
		}
		if t.dfs {
			h.Flags |= types.FlagDFS
		}
		if i < n-1 {
			for len(buf)%8 != 0 {
				buf = append(buf, 0)
			}
			h.NextCommand = uint32(len(buf) - start)
		}
		h.Encode(buf[start:])
		bounds[i] = [2]int{start, len(buf)}
		calls[i] = newCall(h.MessageID, h.Command.String())
		l.nextMID += uint64(max(1, w.charge))
	}
	span.SetAttributes(telemetry.SMBMessageID(calls[0].mid), telemetry.SMBRequested(int(requested)))

	if t.signer != nil && t.encrypt == nil {
		for _, b := range bounds {
			signing.SignMessage(t.signer, buf[b[0]:b[1]])
		}
	}
	if t.onSend != nil {
		t.onSend(buf)
	}
	out := buf
	if t.encrypt != nil {
		out = t.encrypt.Encrypt(buf)
	}

	if err := l.register(calls...); err != nil {
		l.sendMu.Unlock()
		releaseWires(l, wires)
		return err
	}
	err = writeFrame(l.conn, c.deps.Buffers, out)
	l.sendMu.Unlock()
	if err != nil {
		te := &TransportError{Server: c.host, Op: "send", Err: err}
		c.shutdown(l, te, StateFailed)
		return te
	}

	start := time.Now()
	results := make([]result, n)
	for i, cl := range calls {
		r, err := c.wait(ctx, l, cl, t, opts)
		if err != nil {
			for _, other := range calls[i+1:] {
				l.forget(other)
			}
			return err
		}
		results[i] = r
	}
	span.SetAttributes(telemetry.SMBStatus(results[n-1].hdr.Status.String()))

	for i, r := range results {
		lk := chunk.At(i)
		reply.Headers = append(reply.Headers, r.hdr)
		reply.Messages = append(reply.Messages, r.msg)
		metrics.RecordRequest(c.deps.Metrics, r.hdr.Command.String(), r.hdr.Status.String(), time.Since(start))

		if err := verifyResponse(t, r); err != nil {
			logger.WarnCtx(ctx, "Response signature rejected",
				logger.KeyServer, c.host, logger.KeyCommand, r.hdr.Command.String(), logger.KeyMessageID, r.hdr.MessageID)
			return err
		}
		if err := decodeResponse(lk, r); err != nil {
			return err
		}
	}
	return nil
}

// wait blocks until cl completes. Every interim response restarts the
// response timeout. A timeout is fatal to the connection; cancelling ctx
// abandons the request and asks the server to cancel it.
func (c *Connection) wait(ctx context.Context, l *link, cl *call, t target, opts SendOptions) (result, error) {
	var expire <-chan time.Time
	var timer *time.Timer
	if !opts.NoTimeout {
		timer = time.NewTimer(c.cfg.ResponseTimeout)
		defer timer.Stop()
		expire = timer.C
	}
	for {
		select {
		case r := <-cl.result:
			return r, r.err
		case <-cl.extend:
			if timer != nil {
				timer.Reset(c.cfg.ResponseTimeout)
			}
		case <-expire:
			err := &TransportError{Server: c.host, Op: cl.command, Err: ErrResponseTimeout}
			logger.WarnCtx(ctx, "Response timeout",
				logger.KeyServer, c.host, logger.KeyCommand, cl.command, logger.KeyMessageID, cl.mid)
			c.shutdown(l, err, StateFailed)
			return result{}, err
		case <-ctx.Done():
			if l.forget(cl) {
				c.cancel(l, cl, t)
			}
			return result{}, ctx.Err()
		}
	}
}

// cancel sends a best-effort CANCEL for an abandoned request. CANCEL has
// no response and consumes no credits or message ids.
func (c *Connection) cancel(l *link, cl *call, t target) {
	if l.neg.IsSMB1() {
		c.cancelSMB1(l, cl)
		return
	}
	l.mu.Lock()
	async, asyncID := cl.interim, cl.asyncID
	l.mu.Unlock()

	body, _ := message.EncodeBody(&message.CancelRequest{})
	h := header.SMB2Header{
		Command:   types.CommandCancel,
		MessageID: cl.mid,
		SessionID: t.sessionID,
		TreeID:    t.treeID,
	}
	if async {
		h.Flags |= types.FlagAsync
		h.AsyncID = asyncID
	}
	msg := append(h.Bytes(), body...)
	if t.signer != nil && t.encrypt == nil {
		signing.SignMessage(t.signer, msg)
	}
	if t.encrypt != nil {
		msg = t.encrypt.Encrypt(msg)
	}

	l.sendMu.Lock()
	err := writeFrame(l.conn, c.deps.Buffers, msg)
	l.sendMu.Unlock()
	logger.Debug("Cancelled request",
		logger.KeyServer, c.host, logger.KeyMessageID, cl.mid, logger.KeyAsyncID, asyncID, logger.KeyError, err)
}

// verifyResponse checks the signature of a response on a signed session.
// Encrypted responses are authenticated by the transform instead.
func verifyResponse(t target, r result) error {
	if t.signer == nil || r.encrypted {
		return nil
	}
	if !r.hdr.IsSigned() {
		if t.requireSigned {
			return &SignatureError{Command: r.hdr.Command.String(), MessageID: r.hdr.MessageID, Unsigned: true}
		}
		return nil
	}
	if !t.signer.Verify(r.msg) {
		return &SignatureError{Command: r.hdr.Command.String(), MessageID: r.hdr.MessageID}
	}
	return nil
}

// decodeResponse maps the status and fills the response object.
func decodeResponse(lk chain.Link[message.Request, message.Response], r result) error {
	st := r.hdr.Status
	switch {
	case st.IsSuccess():
	case st == types.StatusBufferOverflow && message.AcceptsBufferOverflow(lk.Request):
	case st == types.StatusMoreProcessingRequired && r.hdr.Command == types.CommandSessionSetup:
	default:
		return statusError(r.hdr.Command.String(), st)
	}
	if lk.Response == nil {
		return nil
	}
	return lk.Response.Decode(r.msg[types.SMB2HeaderSize:])
}

// =============================================================================
// SMB1
// =============================================================================

// smb1Target carries the per-session and per-tree context of an SMB1 send.
type smb1Target struct {
	uid uint16
	tid uint16
	dfs bool
	// digest overrides the connection digest during session setup.
	digest *signing.SMB1Digest
}

// SendSMB1 issues ch outside any session.
func (c *Connection) SendSMB1(ctx context.Context, ch *SMB1Chain, opts SendOptions) (*header.SMB1Header, error) {
	return c.sendSMB1(ctx, ch, smb1Target{}, opts)
}

// sendSMB1 transmits ch as one or more AndX chains and returns the header
// of the last response.
func (c *Connection) sendSMB1(ctx context.Context, ch *SMB1Chain, t smb1Target, opts SendOptions) (*header.SMB1Header, error) {
	if ch == nil || ch.Len() == 0 {
		return nil, errors.New("send: empty chain")
	}
	l, err := c.current()
	if err != nil {
		return nil, err
	}
	if !l.neg.IsSMB1() {
		return nil, fmt.Errorf("%w: SMB1 request on an SMB2 connection", ErrUnsupported)
	}

	ctx, span := telemetry.StartSendSpan(ctx, fmt.Sprintf("SMB1_0x%02X", ch.At(0).Request.SMB1Command()), ch.Len())
	defer span.End()

	var last *header.SMB1Header
	for head := ch; head != nil; {
		chunk, rest, msg, err := c.fitSMB1(l, head, t)
		if err != nil {
			return last, err
		}
		hdr, err := c.roundTripSMB1(ctx, l, chunk, msg, t, opts)
		if hdr != nil {
			last = hdr
		}
		if err != nil {
			telemetry.Fail(span, err, "request failed")
			return last, err
		}
		if rest != nil {
			if err := rest.Prepare(chunk.Last().Response); err != nil {
				return last, fmt.Errorf("prepare chained request: %w", err)
			}
		}
		head = rest
	}
	return last, nil
}

// fitSMB1 encodes the longest prefix of head that fits the buffer size.
func (c *Connection) fitSMB1(l *link, head *SMB1Chain, t smb1Target) (chunk, rest *SMB1Chain, msg []byte, err error) {
	flags2 := types.SMB1Flags2LongNames | types.SMB1Flags2ExtendedSecurity | types.SMB1Flags2NTStatus | types.SMB1Flags2Unicode
	if t.dfs {
		flags2 |= types.SMB1Flags2DFS
	}
	for k := head.Len(); k > 0; k-- {
		reqs := make([]message.SMB1Request, k)
		for i := range reqs {
			reqs[i] = head.At(i).Request
		}
		h := &header.SMB1Header{
			Flags:  types.SMB1FlagsCaseless | types.SMB1FlagsCanonical,
			Flags2: flags2,
			PIDLow: smb1PID,
			UID:    t.uid,
			TID:    t.tid,
		}
		msg, err := message.EncodeSMB1(h, reqs...)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(msg) > l.maxSize() {
			continue
		}
		if k == head.Len() {
			return head, nil, msg, nil
		}
		chunk, rest = head.Split(k)
		return chunk, rest, msg, nil
	}
	return nil, nil, nil, fmt.Errorf("%w: SMB1 command 0x%02X", ErrRequestTooLarge, head.At(0).Request.SMB1Command())
}

func (c *Connection) roundTripSMB1(ctx context.Context, l *link, chunk *SMB1Chain, msg []byte, t smb1Target, opts SendOptions) (*header.SMB1Header, error) {
	command := fmt.Sprintf("SMB1_0x%02X", chunk.At(0).Request.SMB1Command())

	l.sendMu.Lock()
	mid := l.smb1MID
	l.smb1MID = (l.smb1MID + 1) % types.SMB1MIDModulus
	binary.LittleEndian.PutUint16(msg[header.SMB1OffsetMID:], mid)

	digest := t.digest
	if digest == nil {
		digest = l.smb1Digest
	}
	var respSeq uint32
	if digest != nil {
		var reqSeq uint32
		reqSeq, respSeq = digest.Next(false)
		digest.Sign(msg, reqSeq)
	}
	cl := newCall(uint64(mid), command)
	if err := l.register(cl); err != nil {
		l.sendMu.Unlock()
		return nil, err
	}
	err := writeFrame(l.conn, c.deps.Buffers, msg)
	l.sendMu.Unlock()
	if err != nil {
		te := &TransportError{Server: c.host, Op: "send", Err: err}
		c.shutdown(l, te, StateFailed)
		return nil, te
	}

	start := time.Now()
	r, err := c.wait(ctx, l, cl, target{}, opts)
	if err != nil {
		return nil, err
	}
	hdr := r.smb1
	st := smb1Status(hdr)
	metrics.RecordRequest(c.deps.Metrics, command, st.String(), time.Since(start))

	switch {
	case st.IsSuccess():
	case st == types.StatusBufferOverflow:
	case st == types.StatusMoreProcessingRequired && hdr.Command == types.SMB1CommandSessionSetup:
	default:
		return hdr, statusError(command, st)
	}
	// Error responses to the final session setup are not signed.
	if digest != nil && !digest.Verify(r.msg, respSeq) {
		return hdr, &SignatureError{Command: command, MessageID: uint64(mid)}
	}

	resps := make([]message.SMB1Response, 0, chunk.Len())
	for _, lk := range chunk.Links() {
		if lk.Response == nil {
			break
		}
		resps = append(resps, lk.Response)
	}
	if len(resps) > 0 {
		if _, err := message.DecodeSMB1(r.msg, resps...); err != nil {
			return hdr, err
		}
	}
	return hdr, nil
}

// smb1Status converts the status of an SMB1 response. The DOS error
// ERRSRV/ERRbadpath is what servers without NT status send for a path
// covered by DFS.
func smb1Status(h *header.SMB1Header) types.Status {
	if h.Flags2&types.SMB1Flags2NTStatus == 0 && h.Status == types.DOSErrBadPathDFS {
		return types.StatusPathNotCovered
	}
	return h.NTStatus()
}

// cancelSMB1 sends NT_CANCEL with the mid of the abandoned request.
func (c *Connection) cancelSMB1(l *link, cl *call) {
	h := &header.SMB1Header{
		Flags:  types.SMB1FlagsCaseless | types.SMB1FlagsCanonical,
		Flags2: types.SMB1Flags2LongNames | types.SMB1Flags2NTStatus | types.SMB1Flags2Unicode,
		PIDLow: smb1PID,
		MID:    uint16(cl.mid),
	}
	msg, err := message.EncodeSMB1(h, &message.SMB1CancelRequest{})
	if err != nil {
		return
	}
	l.sendMu.Lock()
	if l.smb1Digest != nil {
		seq, _ := l.smb1Digest.Next(true)
		l.smb1Digest.Sign(msg, seq)
	}
	err = writeFrame(l.conn, c.deps.Buffers, msg)
	l.sendMu.Unlock()
	logger.Debug("Cancelled SMB1 request", logger.KeyServer, c.host, logger.KeyMessageID, cl.mid, logger.KeyError, err)
}

// Echo sends an ECHO to check that the server is alive.
func (c *Connection) Echo(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	neg := c.Negotiated()
	if neg == nil {
		return ErrDisconnected
	}
	ctx, span := telemetry.StartConnectionSpan(ctx, telemetry.SpanSMBEcho, c.host, c.cfg.Port)
	defer span.End()

	if neg.IsSMB1() {
		_, err := c.SendSMB1(ctx, chain.Single[message.SMB1Request, message.SMB1Response](
			&message.SMB1EchoRequest{Count: 1, Data: []byte{0}}, &message.SMB1EchoResponse{}), SendOptions{})
		return err
	}
	_, err := c.Send(ctx, Single(&message.EchoRequest{}, &message.EchoResponse{}), SendOptions{})
	return err
}

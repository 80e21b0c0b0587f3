package client

import (
	"errors"
	"fmt"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/compress"
	"github.com/marmos91/smbclient/internal/smb/encryption"
	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/pkg/metrics"
)

// call is one request waiting for its response.
type call struct {
	mid     uint64
	command string
	// result receives exactly one value: the response or the failure that
	// tore the connection down.
	result chan result
	// extend is signalled for each interim STATUS_PENDING response.
	extend chan struct{}

	// guarded by link.mu
	interim bool
	asyncID uint64
}

func newCall(mid uint64, command string) *call {
	return &call{
		mid:     mid,
		command: command,
		result:  make(chan result, 1),
		extend:  make(chan struct{}, 1),
	}
}

// result is the outcome delivered to a waiting call.
type result struct {
	hdr       *header.SMB2Header
	smb1      *header.SMB1Header
	msg       []byte
	encrypted bool
	err       error
}

// receive is the per-link read loop. It runs until the socket fails or is
// closed, delivering responses to waiting calls and notifications to the
// configured handler.
func (c *Connection) receive(l *link) {
	defer close(l.done)
	for {
		msg, err := l.reader.next()
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				logger.Warn("Discarding frame", logger.KeyServer, c.host, logger.KeyError, err)
				continue
			}
			c.shutdown(l, &TransportError{Server: c.host, Op: "receive", Err: err}, StateFailed)
			return
		}
		if err := c.dispatch(l, msg); err != nil {
			c.shutdown(l, &TransportError{Server: c.host, Op: "receive", Err: err}, StateFailed)
			return
		}
	}
}

// dispatch unwraps transforms and routes msg by protocol.
func (c *Connection) dispatch(l *link, msg []byte) error {
	encrypted := false
	if header.ProtocolID(msg) == types.TransformProtocolID {
		plain, err := c.decrypt(l, msg)
		if err != nil {
			return err
		}
		msg, encrypted = plain, true
	}
	if header.ProtocolID(msg) == types.CompressionProtocolID {
		plain, err := compress.Decompress(msg)
		if err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
		msg = plain
	}

	switch header.ProtocolID(msg) {
	case types.SMB2ProtocolID:
		return c.dispatchSMB2(l, msg, encrypted)
	case types.SMB1ProtocolID:
		return c.dispatchSMB1(l, msg)
	}
	return protocolErrorf("unknown protocol id 0x%08X", header.ProtocolID(msg))
}

func (c *Connection) decrypt(l *link, frame []byte) ([]byte, error) {
	sid, err := encryption.SessionID(frame)
	if err != nil {
		return nil, err
	}
	dec := l.decryptor(sid)
	if dec == nil {
		return nil, protocolErrorf("encrypted message for unknown session 0x%016x", sid)
	}
	return dec.Decrypt(frame)
}

func (c *Connection) dispatchSMB2(l *link, msg []byte, encrypted bool) error {
	parts, err := header.SplitCompound(msg)
	if err != nil {
		return err
	}
	for _, part := range parts {
		hdr, err := header.ParseSMB2(part)
		if err != nil {
			return err
		}
		if !hdr.IsResponse() {
			logger.Debug("Ignoring request from server", logger.KeyServer, c.host, logger.KeyCommand, hdr.Command.String())
			continue
		}
		if message.IsNotification(hdr.MessageID, hdr.Command) {
			c.notifySMB2(part)
			continue
		}
		c.deliver(l, hdr, part, encrypted)
	}
	return nil
}

// deliver hands a response to its call. Credits granted by responses
// nobody waits for any more still go back to the pool.
func (c *Connection) deliver(l *link, hdr *header.SMB2Header, part []byte, encrypted bool) {
	l.mu.Lock()
	cl := l.pending[hdr.MessageID]
	if cl == nil {
		l.mu.Unlock()
		l.credits.Release(int(hdr.Credits))
		logger.Debug("Dropping unmatched response",
			logger.KeyServer, c.host,
			logger.KeyCommand, hdr.Command.String(),
			logger.KeyMessageID, hdr.MessageID,
			logger.KeyStatus, hdr.Status.String())
		return
	}

	if hdr.IsAsync() && hdr.Status == types.StatusPending {
		first := !cl.interim
		cl.interim = true
		cl.asyncID = hdr.AsyncID
		l.mu.Unlock()
		// Only the first interim response carries a usable grant.
		if first {
			l.credits.Release(int(hdr.Credits))
		}
		logger.Debug("Interim response",
			logger.KeyCommand, hdr.Command.String(),
			logger.KeyMessageID, hdr.MessageID,
			logger.KeyAsyncID, hdr.AsyncID)
		select {
		case cl.extend <- struct{}{}:
		default:
		}
		return
	}

	delete(l.pending, hdr.MessageID)
	l.mu.Unlock()

	if hdr.Credits == 0 && !hdr.IsAsync() && l.credits.Available() == 0 {
		logger.Warn("Server took away all our credits",
			logger.KeyServer, c.host,
			logger.KeyCommand, hdr.Command.String(),
			logger.KeyMessageID, hdr.MessageID)
	}
	l.credits.Release(int(hdr.Credits))
	metrics.SetCreditsAvailable(c.deps.Metrics, c.host, l.credits.Available())
	cl.result <- result{hdr: hdr, msg: part, encrypted: encrypted}
}

func (c *Connection) dispatchSMB1(l *link, msg []byte) error {
	hdr, err := header.ParseSMB1(msg)
	if err != nil {
		return err
	}
	if hdr.MID == types.SMB1NotificationMID && hdr.Command == types.SMB1CommandLockingAndX {
		n, err := message.DecodeSMB1OplockBreak(msg)
		if err != nil {
			logger.Warn("Malformed SMB1 oplock break", logger.KeyServer, c.host, logger.KeyError, err)
			return nil
		}
		c.notify(n)
		return nil
	}

	l.mu.Lock()
	cl := l.pending[uint64(hdr.MID)]
	if cl != nil {
		delete(l.pending, uint64(hdr.MID))
	}
	l.mu.Unlock()
	if cl == nil {
		logger.Debug("Dropping unmatched SMB1 response", logger.KeyServer, c.host, logger.KeyMessageID, hdr.MID)
		return nil
	}
	cl.result <- result{smb1: hdr, msg: msg}
	return nil
}

func (c *Connection) notifySMB2(part []byte) {
	n, err := message.DecodeOplockBreakNotification(part[types.SMB2HeaderSize:])
	if err != nil {
		logger.Warn("Malformed break notification", logger.KeyServer, c.host, logger.KeyError, err)
		return
	}
	c.notify(n)
}

func (c *Connection) notify(n *message.Notification) {
	if c.deps.Notify == nil {
		logger.Debug("Unhandled server notification", logger.KeyServer, c.host, "notification", n.String())
		return
	}
	c.deps.Notify(c, n)
}

package client

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/pkg/bufpool"
)

// peekSize is what the reader inspects before trusting a frame: the
// NetBIOS header plus the smallest protocol header.
const peekSize = types.NetBIOSHeaderSize + types.SMB1HeaderSize

// maxNetBIOSLength is the largest length the 24-bit field can carry.
const maxNetBIOSLength = 1<<24 - 1

// frameReader reads NetBIOS-framed SMB messages from a stream. It skips
// keep-alives and, when the stream is out of phase, slides forward one
// byte at a time until a NetBIOS header is followed by a known magic.
type frameReader struct {
	r        io.Reader
	max      int
	window   [peekSize]byte
	onResync func(skipped int)
}

func newFrameReader(r io.Reader, max int, onResync func(int)) *frameReader {
	return &frameReader{r: r, max: max, onResync: onResync}
}

// frameLength decodes the 24-bit big-endian length of a NetBIOS header.
func frameLength(h []byte) int {
	return int(h[1])<<16 | int(h[2])<<8 | int(h[3])
}

// inPhase reports whether the window starts with a plausible frame.
func (fr *frameReader) inPhase() bool {
	w := fr.window[:]
	if w[0] != types.NetBIOSSessionMessage || frameLength(w) < types.MinFrameSize {
		return false
	}
	switch binary.LittleEndian.Uint32(w[types.NetBIOSHeaderSize:]) {
	case types.SMB2ProtocolID, types.TransformProtocolID, types.CompressionProtocolID:
		return true
	case types.SMB1ProtocolID:
		// SMB1 frames never exceed 64KiB
		return w[1] == 0
	}
	return false
}

// next returns the payload of the next frame, without the NetBIOS header.
// A frame larger than the receive buffer is discarded and reported as a
// *ProtocolError; the stream stays usable.
func (fr *frameReader) next() ([]byte, error) {
	for {
		if _, err := io.ReadFull(fr.r, fr.window[:types.NetBIOSHeaderSize]); err != nil {
			return nil, err
		}
		if fr.window[0] != types.NetBIOSSessionKeepAlive {
			break
		}
		if n := frameLength(fr.window[:]); n > 0 {
			if _, err := io.CopyN(io.Discard, fr.r, int64(n)); err != nil {
				return nil, err
			}
		}
	}
	if _, err := io.ReadFull(fr.r, fr.window[types.NetBIOSHeaderSize:]); err != nil {
		return nil, err
	}

	skipped := 0
	for !fr.inPhase() {
		copy(fr.window[:], fr.window[1:])
		if _, err := io.ReadFull(fr.r, fr.window[peekSize-1:]); err != nil {
			return nil, err
		}
		skipped++
	}
	if skipped > 0 {
		logger.Debug("Receive stream out of phase, resynchronized", "skipped", skipped)
		if fr.onResync != nil {
			fr.onResync(skipped)
		}
	}

	size := frameLength(fr.window[:])
	rest := size - types.SMB1HeaderSize
	if types.NetBIOSHeaderSize+size > fr.max {
		if _, err := io.CopyN(io.Discard, fr.r, int64(rest)); err != nil {
			return nil, err
		}
		return nil, protocolErrorf("frame of %d bytes exceeds receive buffer of %d", size, fr.max)
	}

	msg := make([]byte, size)
	copy(msg, fr.window[types.NetBIOSHeaderSize:])
	if _, err := io.ReadFull(fr.r, msg[types.SMB1HeaderSize:]); err != nil {
		return nil, fmt.Errorf("read SMB message: %w", err)
	}
	return msg, nil
}

// writeFrame wraps msg in a NetBIOS session message header and writes it
// in a single call. The caller serializes writes.
func writeFrame(w io.Writer, buffers *bufpool.Pool, msg []byte) error {
	if len(msg) > maxNetBIOSLength {
		return protocolErrorf("message of %d bytes exceeds NetBIOS framing", len(msg))
	}
	frame := buffers.Get(types.NetBIOSHeaderSize + len(msg))
	defer buffers.Put(frame)

	frame[0] = types.NetBIOSSessionMessage
	frame[1] = byte(len(msg) >> 16)
	frame[2] = byte(len(msg) >> 8)
	frame[3] = byte(len(msg))
	copy(frame[types.NetBIOSHeaderSize:], msg)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write SMB message: %w", err)
	}
	return nil
}

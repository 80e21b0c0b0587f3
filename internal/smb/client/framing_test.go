package client

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/pkg/bufpool"
)

func smb2Message(mid uint64, body int) []byte {
	h := header.SMB2Header{Command: types.CommandEcho, Flags: types.FlagResponse, MessageID: mid}
	return append(h.Bytes(), make([]byte, body)...)
}

func frame(t *testing.T, msg []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, bufpool.NewPool(nil), msg))
	return buf.Bytes()
}

func TestWriteFrameHeader(t *testing.T) {
	msg := smb2Message(1, 4)
	f := frame(t, msg)

	require.Len(t, f, types.NetBIOSHeaderSize+len(msg))
	assert.Equal(t, types.NetBIOSSessionMessage, f[0])
	assert.Equal(t, len(msg), frameLength(f))
	assert.Equal(t, msg, f[types.NetBIOSHeaderSize:])
}

func TestFrameReaderReadsConsecutiveFrames(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(t, smb2Message(1, 4))...)
	stream = append(stream, frame(t, smb2Message(2, 100))...)

	fr := newFrameReader(bytes.NewReader(stream), types.DefaultReceiveBufferSize, nil)
	for _, mid := range []uint64{1, 2} {
		msg, err := fr.next()
		require.NoError(t, err)
		h, err := header.ParseSMB2(msg)
		require.NoError(t, err)
		assert.Equal(t, mid, h.MessageID)
	}
	_, err := fr.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderSkipsKeepAlive(t *testing.T) {
	stream := []byte{types.NetBIOSSessionKeepAlive, 0, 0, 0}
	stream = append(stream, frame(t, smb2Message(5, 4))...)

	fr := newFrameReader(bytes.NewReader(stream), types.DefaultReceiveBufferSize, nil)
	msg, err := fr.next()
	require.NoError(t, err)
	h, err := header.ParseSMB2(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), h.MessageID)
}

func TestFrameReaderResynchronizes(t *testing.T) {
	junk := []byte{0x42, 0x00, 0x13, 0x37, 0xFE}
	stream := append(append([]byte(nil), junk...), frame(t, smb2Message(9, 8))...)

	skipped := 0
	fr := newFrameReader(bytes.NewReader(stream), types.DefaultReceiveBufferSize, func(n int) { skipped = n })
	msg, err := fr.next()
	require.NoError(t, err)
	assert.Equal(t, len(junk), skipped)
	h, err := header.ParseSMB2(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), h.MessageID)
}

func TestFrameReaderDiscardsOversizeFrame(t *testing.T) {
	var stream []byte
	stream = append(stream, frame(t, smb2Message(1, 512))...)
	stream = append(stream, frame(t, smb2Message(2, 4))...)

	fr := newFrameReader(bytes.NewReader(stream), types.NetBIOSHeaderSize+types.SMB2HeaderSize+64, nil)
	_, err := fr.next()
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)

	msg, err := fr.next()
	require.NoError(t, err)
	h, err := header.ParseSMB2(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.MessageID)
}

func TestFrameReaderRejectsSMB1AboveSixtyFourKiB(t *testing.T) {
	window := []byte{0, 1, 0, 0}
	window = append(window, 0xFF, 'S', 'M', 'B')
	fr := &frameReader{}
	copy(fr.window[:], append(window, make([]byte, peekSize-len(window))...))
	assert.False(t, fr.inPhase())

	fr.window[1] = 0
	fr.window[2] = 0x40
	assert.True(t, fr.inPhase())
}

func TestFrameReaderTruncatedStream(t *testing.T) {
	f := frame(t, smb2Message(1, 32))
	fr := newFrameReader(bytes.NewReader(f[:len(f)-10]), types.DefaultReceiveBufferSize, nil)
	_, err := fr.next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

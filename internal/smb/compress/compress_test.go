package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/types"
)

func TestRoundTrip(t *testing.T) {
	hdr := (&header.SMB2Header{Command: types.CommandRead, Flags: types.FlagResponse}).Bytes()
	msg := append(hdr, bytes.Repeat([]byte("compressible "), 400)...)

	frame, err := Compress(msg, types.SMB2HeaderSize)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Less(t, len(frame), len(msg))
	assert.Equal(t, types.CompressionProtocolID, header.ProtocolID(frame))

	out, err := Decompress(frame)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestIncompressible(t *testing.T) {
	frame, err := Compress([]byte{1, 2, 3}, 0)
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestDecompressRejects(t *testing.T) {
	h := header.CompressionHeader{OriginalSize: 10, Algorithm: types.CompressionLZNT1}
	_, err := Decompress(append(h.Encode(), 0, 0))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	h = header.CompressionHeader{OriginalSize: 10, Algorithm: types.CompressionLZ4, Flags: header.CompressionFlagChained}
	_, err = Decompress(h.Encode())
	assert.ErrorIs(t, err, ErrChained)

	h = header.CompressionHeader{OriginalSize: MaxOriginalSize + 1, Algorithm: types.CompressionLZ4}
	_, err = Decompress(h.Encode())
	assert.ErrorIs(t, err, ErrSize)

	h = header.CompressionHeader{OriginalSize: 10, Algorithm: types.CompressionLZ4, Offset: 100}
	_, err = Decompress(h.Encode())
	assert.Error(t, err)
}

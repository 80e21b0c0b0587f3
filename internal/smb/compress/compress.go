// Package compress decodes SMB 3.1.1 compression transforms.
//
// Only the unchained transform with LZ4 is supported, which is what the
// client offers during negotiation.
package compress

import (
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/types"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported compression algorithm")
	ErrChained              = errors.New("chained compression transform not supported")
	ErrSize                 = errors.New("decompressed size mismatch")
)

// MaxOriginalSize bounds the allocation for a decompressed message.
const MaxOriginalSize = 16 << 20

// Decompress returns the SMB2 message carried by a compression transform
// frame: Offset bytes copied verbatim followed by the decompressed segment.
func Decompress(frame []byte) ([]byte, error) {
	h, err := header.ParseCompression(frame)
	if err != nil {
		return nil, err
	}
	if h.Flags&header.CompressionFlagChained != 0 {
		return nil, ErrChained
	}
	if h.Algorithm != types.CompressionLZ4 {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnsupportedAlgorithm, h.Algorithm)
	}

	body := frame[types.CompressionHeaderSize:]
	if int(h.Offset) > len(body) {
		return nil, fmt.Errorf("compression offset %d beyond %d bytes", h.Offset, len(body))
	}
	if h.OriginalSize > MaxOriginalSize {
		return nil, fmt.Errorf("%w: original size %d too large", ErrSize, h.OriginalSize)
	}

	out := make([]byte, int(h.Offset)+int(h.OriginalSize))
	copy(out, body[:h.Offset])

	n, err := lz4.UncompressBlock(body[h.Offset:], out[h.Offset:])
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n != int(h.OriginalSize) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSize, n, h.OriginalSize)
	}
	return out, nil
}

// Compress builds an unchained LZ4 compression transform around msg,
// leaving the first offset bytes uncompressed. It returns nil when
// compression would not shrink the payload.
func Compress(msg []byte, offset int) ([]byte, error) {
	if offset > len(msg) {
		return nil, fmt.Errorf("compression offset %d beyond %d bytes", offset, len(msg))
	}
	src := msg[offset:]
	dst := make([]byte, lz4.CompressBlockBound(len(src)))

	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n == 0 || n >= len(src) {
		return nil, nil
	}

	h := header.CompressionHeader{
		OriginalSize: uint32(len(src)),
		Algorithm:    types.CompressionLZ4,
		Offset:       uint32(offset),
	}
	out := append(h.Encode(), msg[:offset]...)
	return append(out, dst[:n]...), nil
}

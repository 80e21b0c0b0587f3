package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// ErrNotAndX is returned when a command that cannot carry a follower is
// placed before another command in an SMB1 chain.
var ErrNotAndX = errors.New("command cannot be chained")

// SMB1Request is an SMB1 command block.
//
// EncodeSMB1 writes WordCount, the parameter words, ByteCount and the data
// bytes. The writer holds the whole message from the SMB1 header on, so
// alignment and offsets are header-relative. AndX commands begin their
// parameter words with the four-byte AndX field, which the chain encoder
// patches.
type SMB1Request interface {
	SMB1Encoder
	SMB1Command() uint8
}

// SMB1Encoder writes one SMB1 command block.
type SMB1Encoder interface {
	EncodeSMB1(w *smbenc.Writer)
}

// SMB1Response decodes one SMB1 command block.
type SMB1Response interface {
	DecodeSMB1(b Block) error
}

// Block is one SMB1 command block inside a message.
type Block struct {
	// Msg is the whole message from the SMB1 header on.
	Msg   []byte
	Words []byte
	Data  []byte
	// DataOffset is the header-relative offset of Data.
	DataOffset int
}

// Word returns parameter word i, 0 when absent.
func (b Block) Word(i int) uint16 {
	if 2*i+2 > len(b.Words) {
		return 0
	}
	return binary.LittleEndian.Uint16(b.Words[2*i:])
}

// IsAndX reports whether cmd carries the AndX chaining field.
func IsAndX(cmd uint8) bool {
	switch cmd {
	case types.SMB1CommandSessionSetup, types.SMB1CommandTreeConnectAnd,
		types.SMB1CommandLogoffAndX, types.SMB1CommandLockingAndX:
		return true
	}
	return false
}

// writeAndXPlaceholder writes an empty AndX field: no follower.
func writeAndXPlaceholder(w *smbenc.Writer) {
	w.WriteUint8(types.SMB1CommandNoAndX)
	w.WriteUint8(0)
	w.WriteUint16(0)
}

// beginBytes reserves ByteCount and returns its position.
func beginBytes(w *smbenc.Writer) int {
	pos := w.Len()
	w.WriteUint16(0)
	return pos
}

// endBytes patches the ByteCount reserved at pos.
func endBytes(w *smbenc.Writer, pos int) {
	w.PutUint16At(pos, uint16(w.Len()-pos-2))
}

// EncodeSMB1 encodes h followed by the command blocks of reqs, linking
// consecutive blocks through their AndX fields. h.Command is set from the
// first request.
func EncodeSMB1(h *header.SMB1Header, reqs ...SMB1Request) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("encode smb1: no commands")
	}
	w := smbenc.NewWriter(256)
	w.WriteZeros(types.SMB1HeaderSize)

	andx := -1
	for i, req := range reqs {
		if i > 0 {
			if andx < 0 {
				return nil, fmt.Errorf("%w: 0x%02X", ErrNotAndX, reqs[i-1].SMB1Command())
			}
			w.WriteAt(andx, []byte{req.SMB1Command()})
			w.PutUint16At(andx+2, uint16(w.Len()))
		}
		start := w.Len()
		req.EncodeSMB1(w)
		andx = -1
		if IsAndX(req.SMB1Command()) {
			andx = start + 1
		}
	}
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("encode smb1: %w", err)
	}

	h.Command = reqs[0].SMB1Command()
	buf := w.Bytes()
	h.Encode(buf)
	return buf, nil
}

// ReadBlock parses the command block starting at off.
func ReadBlock(msg []byte, off int) (Block, error) {
	if off <= 0 || off >= len(msg) {
		return Block{}, fmt.Errorf("%w: block offset %d outside %d bytes", ErrMalformed, off, len(msg))
	}
	wc := int(msg[off])
	wordsEnd := off + 1 + 2*wc
	if wordsEnd+2 > len(msg) {
		return Block{}, fmt.Errorf("%w: word count %d overruns message", ErrMalformed, wc)
	}
	bc := int(binary.LittleEndian.Uint16(msg[wordsEnd:]))
	dataStart := wordsEnd + 2
	if dataStart+bc > len(msg) {
		return Block{}, fmt.Errorf("%w: byte count %d overruns message", ErrMalformed, bc)
	}
	return Block{
		Msg:        msg,
		Words:      msg[off+1 : wordsEnd],
		Data:       msg[dataStart : dataStart+bc],
		DataOffset: dataStart,
	}, nil
}

// DecodeSMB1 decodes the blocks of msg into resps, following AndX links.
// It returns how many responses were filled; a server may end the chain
// early when a command fails.
func DecodeSMB1(msg []byte, resps ...SMB1Response) (int, error) {
	if len(msg) < types.SMB1HeaderSize {
		return 0, fmt.Errorf("%w: smb1 message of %d bytes", ErrMalformed, len(msg))
	}
	cmd := msg[header.SMB1OffsetCommand]
	off := types.SMB1HeaderSize
	for i, resp := range resps {
		b, err := ReadBlock(msg, off)
		if err != nil {
			return i, err
		}
		if err := resp.DecodeSMB1(b); err != nil {
			return i, err
		}
		if i == len(resps)-1 || !IsAndX(cmd) || len(b.Words) < 4 {
			return i + 1, nil
		}
		next, nextOff := b.Words[0], int(b.Word(1))
		if next == types.SMB1CommandNoAndX {
			return i + 1, nil
		}
		if nextOff <= off {
			return i + 1, fmt.Errorf("%w: AndX offset %d does not advance past %d", ErrMalformed, nextOff, off)
		}
		cmd, off = next, nextOff
	}
	return len(resps), nil
}

// EncodeSMB1Response builds a reply message for test servers: h with the
// reply flag set, followed by a single block.
func EncodeSMB1Response(h *header.SMB1Header, block SMB1Encoder) ([]byte, error) {
	w := smbenc.NewWriter(256)
	w.WriteZeros(types.SMB1HeaderSize)
	block.EncodeSMB1(w)
	if err := w.Err(); err != nil {
		return nil, err
	}
	h.Flags |= types.SMB1FlagsReply
	buf := w.Bytes()
	h.Encode(buf)
	return buf, nil
}

// readASCIIZ returns the NUL-terminated string at the start of b.
func readASCIIZ(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// utf16ZAt decodes a NUL-terminated UTF-16 string from data, which starts
// at header-relative offset base; a leading pad byte is skipped when base
// is odd.
func utf16ZAt(data []byte, base int) string {
	if base%2 == 1 && len(data) > 0 {
		data = data[1:]
	}
	r := smbenc.NewReader(data)
	s := r.ReadUTF16Z()
	if r.Err() != nil {
		return ""
	}
	return s
}

package smbenc

import (
	"encoding/binary"
	"fmt"
)

// Writer encodes little-endian values into a growing buffer, recording the
// first error encountered.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{
		buf: make([]byte, 0, capacity),
	}
}

func (w *Writer) WriteUint8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteUint16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteUint64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteBytes(data []byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, data...)
}

func (w *Writer) WriteZeros(n int) {
	if w.err != nil || n <= 0 {
		return
	}
	w.buf = append(w.buf, make([]byte, n)...)
}

// WriteUTF16 writes s as UTF-16LE without a terminator.
func (w *Writer) WriteUTF16(s string) {
	if w.err != nil {
		return
	}
	b, err := EncodeUTF16(s)
	if err != nil {
		w.err = err
		return
	}
	w.buf = append(w.buf, b...)
}

// WriteUTF16Z writes s as UTF-16LE followed by a two-byte null terminator.
func (w *Writer) WriteUTF16Z(s string) {
	w.WriteUTF16(s)
	w.WriteZeros(2)
}

// WriteASCIIZ writes s followed by a single null byte.
func (w *Writer) WriteASCIIZ(s string) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// Pad appends zero bytes until the length is a multiple of alignment.
func (w *Writer) Pad(alignment int) {
	if w.err != nil || alignment <= 0 {
		return
	}
	if rem := len(w.buf) % alignment; rem != 0 {
		w.buf = append(w.buf, make([]byte, alignment-rem)...)
	}
}

// WriteAt overwrites already written bytes at offset.
func (w *Writer) WriteAt(offset int, data []byte) {
	if w.err != nil {
		return
	}
	if offset < 0 || offset+len(data) > len(w.buf) {
		w.err = fmt.Errorf("smbenc: WriteAt out of bounds: offset %d + %d > %d", offset, len(data), len(w.buf))
		return
	}
	copy(w.buf[offset:], data)
}

// PutUint16At patches a uint16 previously reserved at offset.
func (w *Writer) PutUint16At(offset int, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.WriteAt(offset, b[:])
}

// PutUint32At patches a uint32 previously reserved at offset.
func (w *Writer) PutUint32At(offset int, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.WriteAt(offset, b[:])
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Err() error {
	return w.err
}

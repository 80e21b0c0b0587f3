package smbenc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortRead is returned when a read needs more bytes than remain.
var ErrShortRead = errors.New("smbenc: short read")

// ErrExpectMismatch is returned when an Expect* check fails.
var ErrExpectMismatch = errors.New("smbenc: expect mismatch")

// Reader decodes little-endian values from a byte slice, recording the first
// error encountered.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) require(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortRead, n, r.pos, len(r.data)-r.pos)
		return false
	}
	return true
}

func (r *Reader) ReadUint8() uint8 {
	if !r.require(1) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *Reader) ReadUint16() uint16 {
	if !r.require(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *Reader) ReadUint32() uint32 {
	if !r.require(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *Reader) ReadUint64() uint64 {
	if !r.require(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

// ReadBytes returns a copy of the next n bytes.
func (r *Reader) ReadBytes(n int) []byte {
	if !r.require(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+n])
	r.pos += n
	return b
}

// ReadUTF16 decodes the next n bytes as a UTF-16LE string.
func (r *Reader) ReadUTF16(n int) string {
	b := r.ReadBytes(n)
	if r.err != nil {
		return ""
	}
	s, err := DecodeUTF16(b)
	if err != nil {
		r.err = err
	}
	return s
}

// ReadUTF16Z decodes a null-terminated UTF-16LE string. The terminator is
// consumed but not returned.
func (r *Reader) ReadUTF16Z() string {
	if r.err != nil {
		return ""
	}
	for i := r.pos; i+1 < len(r.data); i += 2 {
		if r.data[i] == 0 && r.data[i+1] == 0 {
			s := r.ReadUTF16(i - r.pos)
			r.pos += 2
			return s
		}
	}
	r.err = fmt.Errorf("%w: unterminated UTF-16 string at offset %d", ErrShortRead, r.pos)
	return ""
}

func (r *Reader) Skip(n int) {
	if !r.require(n) {
		return
	}
	r.pos += n
}

// Seek moves the read position to an absolute offset.
func (r *Reader) Seek(offset int) {
	if r.err != nil {
		return
	}
	if offset < 0 || offset > len(r.data) {
		r.err = fmt.Errorf("%w: seek to %d beyond %d bytes", ErrShortRead, offset, len(r.data))
		return
	}
	r.pos = offset
}

// ExpectUint16 reads a uint16 and records ErrExpectMismatch if it differs.
func (r *Reader) ExpectUint16(expected uint16) {
	v := r.ReadUint16()
	if r.err != nil {
		return
	}
	if v != expected {
		r.err = fmt.Errorf("%w: expected 0x%04X, got 0x%04X at offset %d", ErrExpectMismatch, expected, v, r.pos-2)
	}
}

// EnsureRemaining records ErrShortRead unless n bytes remain.
func (r *Reader) EnsureRemaining(n int) {
	r.require(n)
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Remaining() int {
	return max(len(r.data)-r.pos, 0)
}

func (r *Reader) Position() int {
	return r.pos
}

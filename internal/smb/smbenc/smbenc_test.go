package smbenc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderValues(t *testing.T) {
	w := NewWriter(32)
	w.WriteUint8(0x11)
	w.WriteUint16(0x2233)
	w.WriteUint32(0x44556677)
	w.WriteUint64(0x8899AABBCCDDEEFF)
	require.NoError(t, w.Err())
	assert.Equal(t, 15, w.Len())

	r := NewReader(w.Bytes())
	assert.Equal(t, uint8(0x11), r.ReadUint8())
	assert.Equal(t, uint16(0x2233), r.ReadUint16())
	assert.Equal(t, uint32(0x44556677), r.ReadUint32())
	assert.Equal(t, uint64(0x8899AABBCCDDEEFF), r.ReadUint64())
	require.NoError(t, r.Err())
	assert.Zero(t, r.Remaining())
}

func TestWriterLittleEndian(t *testing.T) {
	w := NewWriter(4)
	w.WriteUint32(0x424D53FE)
	assert.Equal(t, []byte{0xFE, 'S', 'M', 'B'}, w.Bytes())
}

func TestReaderShortRead(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x03})
	assert.Equal(t, uint16(0x0201), r.ReadUint16())
	assert.Zero(t, r.ReadUint32())
	assert.True(t, errors.Is(r.Err(), ErrShortRead))

	// sticky
	assert.Zero(t, r.ReadUint8())
	assert.Equal(t, 2, r.Position())
}

func TestReaderExpect(t *testing.T) {
	r := NewReader([]byte{0x09, 0x00})
	r.ExpectUint16(0x0010)
	assert.ErrorIs(t, r.Err(), ErrExpectMismatch)
}

func TestReaderSeek(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4})
	r.Seek(3)
	assert.Equal(t, uint8(4), r.ReadUint8())
	r.Seek(5)
	assert.ErrorIs(t, r.Err(), ErrShortRead)
}

func TestPadAndPatch(t *testing.T) {
	w := NewWriter(16)
	w.WriteUint16(0)
	w.WriteUint8(7)
	w.Pad(8)
	assert.Equal(t, 8, w.Len())

	w.PutUint16At(0, 0xBEEF)
	assert.Equal(t, []byte{0xEF, 0xBE, 7, 0, 0, 0, 0, 0}, w.Bytes())

	w.PutUint32At(6, 1)
	assert.Error(t, w.Err())
}

func TestUTF16(t *testing.T) {
	tests := []string{"", "IPC$", `\\fs1\data\dir`, "Ünïcödé"}

	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			b, err := EncodeUTF16(s)
			require.NoError(t, err)
			out, err := DecodeUTF16(b)
			require.NoError(t, err)
			assert.Equal(t, s, out)
		})
	}

	assert.Equal(t, []byte{'A', 0, 'B', 0}, MustEncodeUTF16("AB"))
	_, err := DecodeUTF16([]byte{0x41})
	assert.Error(t, err)
}

func TestUTF16Terminated(t *testing.T) {
	w := NewWriter(32)
	w.WriteUTF16Z(`\fs1\dfs`)
	w.WriteUint16(0xCAFE)

	r := NewReader(w.Bytes())
	assert.Equal(t, `\fs1\dfs`, r.ReadUTF16Z())
	assert.Equal(t, uint16(0xCAFE), r.ReadUint16())
	require.NoError(t, r.Err())

	r = NewReader([]byte{'a', 0, 'b', 0})
	r.ReadUTF16Z()
	assert.ErrorIs(t, r.Err(), ErrShortRead)
}

func TestWriteASCIIZ(t *testing.T) {
	w := NewWriter(8)
	w.WriteUint8(0x02)
	w.WriteASCIIZ("NT LM 0.12")
	assert.Equal(t, append([]byte{0x02}, append([]byte("NT LM 0.12"), 0)...), w.Bytes())
}

package smbenc

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUTF16 converts s to UTF-16LE.
func EncodeUTF16(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("smbenc: encode UTF-16: %w", err)
	}
	return b, nil
}

// MustEncodeUTF16 is EncodeUTF16 for strings known to be valid UTF-8.
func MustEncodeUTF16(s string) []byte {
	b, err := EncodeUTF16(s)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeUTF16 converts UTF-16LE bytes to a string.
func DecodeUTF16(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	if len(b)%2 != 0 {
		return "", fmt.Errorf("smbenc: odd UTF-16 length %d", len(b))
	}
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("smbenc: decode UTF-16: %w", err)
	}
	return string(out), nil
}

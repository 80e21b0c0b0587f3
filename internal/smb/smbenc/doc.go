// Package smbenc provides little-endian binary readers and writers for SMB
// wire structures.
//
// Both types accumulate the first error instead of returning one per call:
// once a Reader runs past the end of its buffer every later read returns the
// zero value, and callers check Err() once after decoding a whole structure.
//
//	r := smbenc.NewReader(body)
//	size := r.ReadUint16()
//	flags := r.ReadUint32()
//	if err := r.Err(); err != nil {
//	    return fmt.Errorf("decode tree connect response: %w", err)
//	}
//
// Strings on the SMB wire are UTF-16LE. ReadUTF16/WriteUTF16 convert them to
// and from Go strings.
package smbenc

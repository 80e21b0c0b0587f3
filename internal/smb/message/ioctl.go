package message

import (
	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// ioctlRequestFixedSize is the request up to its buffer.
const ioctlRequestFixedSize = 56

// FileIDAny is the FileId used for FSCTLs that do not target an open.
var FileIDAny = [16]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// IoctlRequest is SMB2 IOCTL. [MS-SMB2] 2.2.31
//
//	Offset  Size  Field
//	0       2     StructureSize (57)
//	2       2     Reserved
//	4       4     CtlCode
//	8       16    FileId
//	24      4     InputOffset
//	28      4     InputCount
//	32      4     MaxInputResponse
//	36      4     OutputOffset
//	40      4     OutputCount
//	44      4     MaxOutputResponse
//	48      4     Flags
//	52      4     Reserved2
//	56      var   Buffer
type IoctlRequest struct {
	CtlCode           uint32
	FileID            [16]byte
	Input             []byte
	MaxInputResponse  uint32
	MaxOutputResponse uint32
	Flags             uint32
}

func (r *IoctlRequest) Command() types.Command { return types.CommandIoctl }

func (r *IoctlRequest) Encode(w *smbenc.Writer) {
	w.WriteUint16(ioctlRequestFixedSize + 1)
	w.WriteUint16(0)
	w.WriteUint32(r.CtlCode)
	w.WriteBytes(r.FileID[:])
	if len(r.Input) > 0 {
		w.WriteUint32(types.SMB2HeaderSize + ioctlRequestFixedSize)
	} else {
		w.WriteUint32(0)
	}
	w.WriteUint32(uint32(len(r.Input)))
	w.WriteUint32(r.MaxInputResponse)
	w.WriteUint32(0)
	w.WriteUint32(0)
	w.WriteUint32(r.MaxOutputResponse)
	w.WriteUint32(r.Flags)
	w.WriteUint32(0)
	w.WriteBytes(r.Input)
}

func (r *IoctlRequest) PayloadSize() int {
	return max(len(r.Input), int(r.MaxOutputResponse))
}

// AcceptsBufferOverflow is true for pipe transceive and peek, whose
// responses may legitimately be truncated.
func (r *IoctlRequest) AcceptsBufferOverflow() bool {
	return r.CtlCode == types.FSCTLPipeTransceive || r.CtlCode == types.FSCTLPipePeek
}

// DecodeIoctlRequest parses an IOCTL request body.
func DecodeIoctlRequest(body []byte) (*IoctlRequest, error) {
	r := smbenc.NewReader(body)
	r.ExpectUint16(ioctlRequestFixedSize + 1)
	r.Skip(2)
	req := &IoctlRequest{CtlCode: r.ReadUint32()}
	copy(req.FileID[:], r.ReadBytes(16))
	inOff := r.ReadUint32()
	inCount := r.ReadUint32()
	req.MaxInputResponse = r.ReadUint32()
	r.Skip(8)
	req.MaxOutputResponse = r.ReadUint32()
	req.Flags = r.ReadUint32()
	if err := r.Err(); err != nil {
		return nil, decodeErr("ioctl request", err)
	}
	var err error
	if req.Input, err = slice(body, inOff, inCount); err != nil {
		return nil, err
	}
	return req, nil
}

// IoctlResponse is the SMB2 IOCTL response. [MS-SMB2] 2.2.32
//
//	Offset  Size  Field
//	0       2     StructureSize (49)
//	2       2     Reserved
//	4       4     CtlCode
//	8       16    FileId
//	24      4     InputOffset
//	28      4     InputCount
//	32      4     OutputOffset
//	36      4     OutputCount
//	40      4     Flags
//	44      4     Reserved2
//	48      var   Buffer
type IoctlResponse struct {
	CtlCode uint32
	FileID  [16]byte
	Input   []byte
	Output  []byte
	Flags   uint32
}

func (resp *IoctlResponse) Decode(body []byte) error {
	r := smbenc.NewReader(body)
	r.ExpectUint16(49)
	r.Skip(2)
	resp.CtlCode = r.ReadUint32()
	copy(resp.FileID[:], r.ReadBytes(16))
	inOff := r.ReadUint32()
	inCount := r.ReadUint32()
	outOff := r.ReadUint32()
	outCount := r.ReadUint32()
	resp.Flags = r.ReadUint32()
	if err := r.Err(); err != nil {
		return decodeErr("ioctl response", err)
	}
	var err error
	if resp.Input, err = slice(body, inOff, inCount); err != nil {
		return err
	}
	resp.Output, err = slice(body, outOff, outCount)
	return err
}

func (resp *IoctlResponse) Encode(w *smbenc.Writer) {
	const fixed = 48
	w.WriteUint16(fixed + 1)
	w.WriteUint16(0)
	w.WriteUint32(resp.CtlCode)
	w.WriteBytes(resp.FileID[:])
	inOff := uint32(types.SMB2HeaderSize + fixed)
	outOff := inOff + uint32(len(resp.Input))
	w.WriteUint32(inOff)
	w.WriteUint32(uint32(len(resp.Input)))
	w.WriteUint32(outOff)
	w.WriteUint32(uint32(len(resp.Output)))
	w.WriteUint32(resp.Flags)
	w.WriteUint32(0)
	w.WriteBytes(resp.Input)
	w.WriteBytes(resp.Output)
}

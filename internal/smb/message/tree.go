package message

import (
	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// treeConnectFixedSize is StructureSize(2) + Flags(2) + PathOffset(2) + PathLength(2).
const treeConnectFixedSize = 8

// TreeConnectRequest is SMB2 TREE_CONNECT. Path has the form
// \\server\share. [MS-SMB2] 2.2.9
type TreeConnectRequest struct {
	Flags uint16
	Path  string
}

func (r *TreeConnectRequest) Command() types.Command { return types.CommandTreeConnect }

func (r *TreeConnectRequest) Encode(w *smbenc.Writer) {
	path, err := smbenc.EncodeUTF16(r.Path)
	if err != nil {
		// Invalid UTF-8 surfaces through the writer error.
		w.WriteUTF16(r.Path)
		return
	}
	w.WriteUint16(treeConnectFixedSize + 1)
	w.WriteUint16(r.Flags)
	w.WriteUint16(types.SMB2HeaderSize + treeConnectFixedSize)
	w.WriteUint16(uint16(len(path)))
	w.WriteBytes(path)
}

// DecodeTreeConnectRequest parses a TREE_CONNECT request body.
func DecodeTreeConnectRequest(body []byte) (*TreeConnectRequest, error) {
	r := smbenc.NewReader(body)
	r.ExpectUint16(treeConnectFixedSize + 1)
	req := &TreeConnectRequest{Flags: r.ReadUint16()}
	off := r.ReadUint16()
	n := r.ReadUint16()
	if err := r.Err(); err != nil {
		return nil, decodeErr("tree connect request", err)
	}
	raw, err := slice(body, uint32(off), uint32(n))
	if err != nil {
		return nil, err
	}
	if req.Path, err = smbenc.DecodeUTF16(raw); err != nil {
		return nil, decodeErr("tree connect path", err)
	}
	return req, nil
}

// TreeConnectResponse is the SMB2 TREE_CONNECT response. [MS-SMB2] 2.2.10
//
//	Offset  Size  Field
//	0       2     StructureSize (16)
//	2       1     ShareType
//	3       1     Reserved
//	4       4     ShareFlags
//	8       4     Capabilities
//	12      4     MaximalAccess
type TreeConnectResponse struct {
	ShareType     uint8
	ShareFlags    uint32
	Capabilities  uint32
	MaximalAccess uint32
}

// Share capabilities. [MS-SMB2] 2.2.10
const ShareCapDFS uint32 = 0x00000008

func (resp *TreeConnectResponse) Decode(body []byte) error {
	r := smbenc.NewReader(body)
	r.ExpectUint16(16)
	resp.ShareType = r.ReadUint8()
	r.Skip(1)
	resp.ShareFlags = r.ReadUint32()
	resp.Capabilities = r.ReadUint32()
	resp.MaximalAccess = r.ReadUint32()
	if err := r.Err(); err != nil {
		return decodeErr("tree connect response", err)
	}
	return nil
}

func (resp *TreeConnectResponse) Encode(w *smbenc.Writer) {
	w.WriteUint16(16)
	w.WriteUint8(resp.ShareType)
	w.WriteUint8(0)
	w.WriteUint32(resp.ShareFlags)
	w.WriteUint32(resp.Capabilities)
	w.WriteUint32(resp.MaximalAccess)
}

// IsDFS reports whether the share is part of a DFS namespace.
func (resp *TreeConnectResponse) IsDFS() bool {
	return resp.ShareFlags&(types.ShareFlagDFS|types.ShareFlagDFSRoot) != 0 ||
		resp.Capabilities&ShareCapDFS != 0
}

// EncryptData reports whether the share requires encryption.
func (resp *TreeConnectResponse) EncryptData() bool {
	return resp.ShareFlags&types.ShareFlagEncryptData != 0
}

package client

import (
	"fmt"

	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/types"
)

// createFileIDOffset is where the FileId sits in a CREATE response body.
const createFileIDOffset = 64

// fileIDOffsets maps commands to the FileId offset in their request body.
var fileIDOffsets = map[types.Command]int{
	types.CommandClose:          8,
	types.CommandFlush:          8,
	types.CommandLock:           8,
	types.CommandQueryDirectory: 8,
	types.CommandChangeNotify:   8,
	types.CommandRead:           16,
	types.CommandWrite:          16,
	types.CommandSetInfo:        16,
	types.CommandQueryInfo:      24,
}

// LinkFileID links requests that operate on the file opened by the
// previous request. Inside one compound the server applies the related
// FileId itself; LinkFileID patches the real id in when the chain is
// split across compounds.
func LinkFileID(prev message.Response, next message.Request) error {
	id, err := responseFileID(prev)
	if err != nil {
		return err
	}
	return setRequestFileID(next, id)
}

func responseFileID(resp message.Response) ([16]byte, error) {
	var id [16]byte
	switch r := resp.(type) {
	case *message.IoctlResponse:
		return r.FileID, nil
	case *message.RawResponse:
		if len(r.Body) < createFileIDOffset+16 {
			return id, protocolErrorf("create response of %d bytes has no FileId", len(r.Body))
		}
		copy(id[:], r.Body[createFileIDOffset:])
		return id, nil
	}
	return id, fmt.Errorf("cannot take a FileId from %T", resp)
}

func setRequestFileID(req message.Request, id [16]byte) error {
	switch r := req.(type) {
	case *message.IoctlRequest:
		r.FileID = id
		return nil
	case *message.RawRequest:
		off, ok := fileIDOffsets[r.Cmd]
		if !ok {
			return fmt.Errorf("%s carries no FileId", r.Cmd)
		}
		if len(r.Body) < off+16 {
			return protocolErrorf("%s body of %d bytes has no FileId", r.Cmd, len(r.Body))
		}
		copy(r.Body[off:], id[:])
		return nil
	}
	return fmt.Errorf("cannot set a FileId on %T", req)
}

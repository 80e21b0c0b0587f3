package client

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbclient/internal/smb/dfs"
	"github.com/marmos91/smbclient/internal/smb/header"
	"github.com/marmos91/smbclient/internal/smb/message"
	"github.com/marmos91/smbclient/internal/smb/smbenc"
	"github.com/marmos91/smbclient/internal/smb/types"
)

func newTestPool(t *testing.T, cfg Config, n network) *Pool {
	t.Helper()
	p := NewPool(cfg, Deps{Dialer: n})
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestPoolReusesConnection(t *testing.T) {
	srv := newFakeServer()
	p := newTestPool(t, testConfig(), network{"fileserver": srv})
	ctx := context.Background()

	c1, err := p.Get(ctx, "FileServer", 0)
	require.NoError(t, err)
	c2, err := p.Get(ctx, "fileserver", 445)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 2, c1.Usage())
	assert.Equal(t, 1, p.Len())
	assert.Len(t, srv.dialed(), 1)
	c1.Release()
	c2.Release()
}

func TestPoolConcurrentGet(t *testing.T) {
	srv := newFakeServer()
	p := newTestPool(t, testConfig(), network{"fileserver": srv})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Get(context.Background(), "fileserver", 0)
			if assert.NoError(t, err) {
				c.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, srv.count(types.CommandNegotiate))
}

func TestPoolFull(t *testing.T) {
	a, b := newFakeServer(), newFakeServer()
	cfg := testConfig()
	cfg.MaxPoolSize = 1
	p := newTestPool(t, cfg, network{"a": a, "b": b})
	ctx := context.Background()

	ca, err := p.Get(ctx, "a", 0)
	require.NoError(t, err)

	_, err = p.Get(ctx, "b", 0)
	require.ErrorIs(t, err, ErrPoolFull)

	ca.Release()
	cb, err := p.Get(ctx, "b", 0)
	require.NoError(t, err)
	defer cb.Release()

	assert.Equal(t, 1, p.Len())
	assert.Equal(t, StateDisconnected, ca.State())
	assert.Equal(t, StateConnected, cb.State())
}

func TestPoolSessionOpensConnectionWhenLimitReached(t *testing.T) {
	srv := newFakeServer()
	cfg := testConfig()
	cfg.SessionLimit = 1
	p := newTestPool(t, cfg, network{"fileserver": srv})
	ctx := context.Background()

	s1, err := p.Session(ctx, "fileserver", alice)
	require.NoError(t, err)
	defer s1.Release()
	s2, err := p.Session(ctx, "fileserver", testFactory{identity: `CORP\bob`})
	require.NoError(t, err)
	defer s2.Release()

	assert.NotSame(t, s1.Connection(), s2.Connection())
	assert.Equal(t, 2, p.Len())

	// The first connection still serves its own identity.
	again, err := p.Session(ctx, "fileserver", alice)
	require.NoError(t, err)
	defer again.Release()
	assert.Same(t, s1, again)
}

func TestPoolTree(t *testing.T) {
	srv := newFakeServer()
	p := newTestPool(t, testConfig(), network{"fileserver": srv})

	tree, err := p.Tree(context.Background(), "fileserver", "data", alice)
	require.NoError(t, err)
	assert.Equal(t, `\\fileserver\DATA`, tree.Path())
	assert.Equal(t, 1, tree.Session().Usage())
	tree.Release()
	assert.Zero(t, tree.Session().Connection().Usage())
}

func TestPoolClose(t *testing.T) {
	srv := newFakeServer()
	p := NewPool(testConfig(), Deps{Dialer: network{"fileserver": srv}})
	ctx := context.Background()

	s, err := p.Session(ctx, "fileserver", alice)
	require.NoError(t, err)
	s.Release()

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, 1, srv.count(types.CommandLogoff))
	assert.Zero(t, p.Len())

	_, err = p.Get(ctx, "fileserver", 0)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestPoolDisabledDFSHasNoResolver(t *testing.T) {
	cfg := testConfig()
	cfg.DFS.Disabled = true
	p := NewPool(cfg, Deps{})
	assert.Nil(t, p.Resolver())

	p = NewPool(testConfig(), Deps{})
	assert.NotNil(t, p.Resolver())
}

// =============================================================================
// DFS
// =============================================================================

func TestDoFollowsRedirect(t *testing.T) {
	root := dfsRootServer()
	target := newFakeServer()
	target.handle(types.CommandQueryInfo, func(_ *serverConn, _ []byte, hdr *header.SMB2Header) []byte {
		return target.reply(hdr, types.StatusSuccess, rawBody{9, 0, 0, 0, 0, 0, 0, 0})
	})
	p := newTestPool(t, testConfig(), network{"fileserver": root, "fs1": target})

	var paths []string
	reply, err := Do(context.Background(), p, alice, `\\fileserver\dfsroot\link\file`,
		func(ctx context.Context, t *Tree, path string) dfs.Outcome[*Reply] {
			paths = append(paths, path)
			return t.Send(ctx, path, Single(queryInfo(), &message.RawResponse{}), SendOptions{})
		})
	require.NoError(t, err)

	assert.Equal(t, []string{`\\fileserver\dfsroot\link\file`, `\fs1\data\file`}, paths)
	assert.Equal(t, types.StatusSuccess, reply.Last().Status)
	assert.Equal(t, 1, root.count(types.CommandQueryInfo))
	assert.Equal(t, 1, target.count(types.CommandQueryInfo))
	assert.Equal(t, 2, p.Len())
}

func TestDoStopsAtHopLimit(t *testing.T) {
	root := dfsRootServer()
	// fs1 refers \fs1\data back to itself.
	loop := newFakeServer()
	loop.shareFlags["DATA"] = types.ShareFlagDFSRoot
	loop.handle(types.CommandQueryInfo, func(_ *serverConn, _ []byte, hdr *header.SMB2Header) []byte {
		return loop.reply(hdr, types.StatusPathNotCovered, nil)
	})
	loop.handle(types.CommandIoctl, func(_ *serverConn, req []byte, hdr *header.SMB2Header) []byte {
		ioctl, err := message.DecodeIoctlRequest(req[types.SMB2HeaderSize:])
		if err != nil {
			return loop.reply(hdr, types.StatusInvalidParameter, nil)
		}
		resp := &dfs.Response{
			PathConsumed: uint16(len(smbenc.MustEncodeUTF16(`\fs1\data`))),
			HeaderFlags:  dfs.HeaderStorageServers,
			Entries:      []dfs.Entry{{Version: 3, TTL: 600, DFSPath: `\fs1\data`, NetworkAddress: `\fs1\data`}},
		}
		return loop.reply(hdr, types.StatusSuccess, &message.IoctlResponse{CtlCode: ioctl.CtlCode, FileID: ioctl.FileID, Output: resp.Encode()})
	})
	cfg := testConfig()
	cfg.DFS.MaxHops = 2
	p := newTestPool(t, cfg, network{"fileserver": root, "fs1": loop})

	_, err := Do(context.Background(), p, alice, `\\fileserver\dfsroot\link\file`,
		func(ctx context.Context, t *Tree, path string) dfs.Outcome[*Reply] {
			return t.Send(ctx, path, Single(queryInfo(), nil), SendOptions{})
		})
	require.ErrorIs(t, err, dfs.ErrTooManyHops)
	assert.Equal(t, 2, loop.count(types.CommandQueryInfo))
}

func TestSplitUNC(t *testing.T) {
	tests := []struct {
		path  string
		host  string
		share string
		ok    bool
	}{
		{`\\server\share`, "server", "share", true},
		{`\\server\share\dir\file`, "server", "share", true},
		{`\server\share\dir`, "server", "share", true},
		{`//server/share/dir`, "server", "share", true},
		{`\\server`, "", "", false},
		{`\\server\`, "", "", false},
		{``, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			host, share, err := SplitUNC(tt.path)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.share, share)
		})
	}
}

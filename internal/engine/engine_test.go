package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ab0626/raincore/internal/logger"
	"github.com/ab0626/raincore/internal/metainfo"
	"github.com/ab0626/raincore/internal/peerconn"
	"github.com/ab0626/raincore/internal/peerprotocol"
	"github.com/ab0626/raincore/internal/scheduler"
	"github.com/ab0626/raincore/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, numPieces uint32) *Engine {
	t.Helper()
	pieces := make([]byte, 20*numPieces)
	info := &metainfo.Info{
		Name:        "t",
		PieceLength: 16384,
		Pieces:      pieces,
		NumPieces:   numPieces,
		TotalSize:   int64(numPieces) * 16384,
		Files:       []metainfo.File{{Path: []string{"t.bin"}, Length: int64(numPieces) * 16384}},
	}
	st, err := storage.New(t.TempDir(), info)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := New(info, [20]byte{1}, [][]string{{"http://example.invalid/announce"}}, st, Config{
		PeerID:     [20]byte{2},
		ListenPort: 6881,
	})
	return e
}

// testPeer is one end of a net.Pipe with a running Session on the local
// side, wired so the test can drive "received from remote" events through
// the real framing/decoding path instead of poking unexported state.
type testPeer struct {
	handle *peerHandle
	remote net.Conn
}

func newTestPeerHandle(t *testing.T, ctx context.Context, id scheduler.PeerID) *testPeer {
	t.Helper()
	local, remote := net.Pipe()
	sess := peerconn.New(local, [20]byte{}, [20]byte{}, 4, false, logger.New("test"))
	go sess.Run(ctx)
	t.Cleanup(sess.Close)
	return &testPeer{handle: &peerHandle{id: id, session: sess}, remote: remote}
}

// sendInterested writes a real `interested` frame from the remote side and
// blocks until the session has processed it (observed via its forwarded
// Messages() event), so State().PeerInterested is guaranteed updated
// before the caller proceeds.
func (p *testPeer) sendInterested(t *testing.T) {
	t.Helper()
	require.NoError(t, peerprotocol.WriteFrame(p.remote, peerprotocol.Encode(peerprotocol.InterestedMessage{})[4:]))
	select {
	case <-p.handle.session.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interested message to be processed")
	}
}

func TestTickUnchokePrefersHigherThroughput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestEngine(t, 4)

	a := newTestPeerHandle(t, ctx, "a")
	b := newTestPeerHandle(t, ctx, "b")
	a.sendInterested(t)
	b.sendInterested(t)

	a.handle.bytesDownloadedInPeriod = 100
	b.handle.bytesDownloadedInPeriod = 500

	e.mu.Lock()
	e.peers["a"] = a.handle
	e.peers["b"] = b.handle
	e.cfg.UnchokedPeers = 1
	e.mu.Unlock()

	e.tickUnchoke()

	require.False(t, b.handle.session.State().AmChoking, "higher-throughput peer should be unchoked")
	require.True(t, a.handle.session.State().AmChoking, "lower-throughput peer should be choked")
}

func TestTickOptimisticUnchokePicksAChokedInterestedPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestEngine(t, 4)

	a := newTestPeerHandle(t, ctx, "a")
	a.sendInterested(t)

	e.mu.Lock()
	e.peers["a"] = a.handle
	e.cfg.OptimisticUnchokedPeers = 1
	e.mu.Unlock()

	e.tickOptimisticUnchoke()

	require.True(t, a.handle.optimisticUnchoked)
	require.False(t, a.handle.session.State().AmChoking)
}

package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/completion"
	"github.com/luxfi/efacore/efaclock"
	"github.com/luxfi/efacore/peer"
	"github.com/luxfi/efacore/posting"
	"github.com/luxfi/efacore/readengine"
	"github.com/luxfi/efacore/transfer"
	"github.com/luxfi/efacore/transport"
	"github.com/luxfi/efacore/transport/mock"
)

// noopDispatcher satisfies codec.Dispatcher without touching any entry;
// these tests drive TxEntry state directly and only need the completion
// processor to not panic while draining a transport's CQ.
type noopDispatcher struct{}

func (noopDispatcher) OnSendComplete(transfer.EntryKind, uint32, int)                      {}
func (noopDispatcher) OnRecvComplete(transfer.EntryKind, uint32, int, uint64, ids.NodeID, bool) {}
func (noopDispatcher) OnSendError(transfer.EntryKind, uint32, transport.ErrStatus, int)     {}
func (noopDispatcher) OnRecvError(transfer.EntryKind, uint32, transport.ErrStatus, int)     {}

func newTestEngine(t *testing.T, nic transport.Transport, cfg Config) (*Engine, *peer.Table) {
	t.Helper()
	peers := peer.NewTable()
	layer := &posting.Layer{NIC: nic}
	comp := &completion.Processor[*peer.Peer]{
		NIC:        nic,
		Resolver:   nil,
		Dispatcher: noopDispatcher{},
		CQReadSize: 16,
	}
	return New(cfg, efaclock.Real{}, nil, layer, comp, peers, nil, nil, readengine.NoopEngine{}), peers
}

func newEagerEntry(dest ids.NodeID, payload []byte, tag uint64) *transfer.TxEntry {
	e := &transfer.TxEntry{}
	e.Reset() // sets the intrusive-list owner back-pointer
	e.Op = transfer.OpMsg
	e.DestAddr = dest
	e.TotalLen = len(payload)
	e.Window = len(payload) // eager path: window == total_len, no credit negotiation
	e.Tag = tag
	e.IOVecs[0] = transport.IOVec{Buf: payload}
	e.IOVecCount = 1
	return e
}

func TestPostTxDataEagerSendAccountsBytesAndCredit(t *testing.T) {
	nodeA := ids.GenerateTestNodeID()
	nodeB := ids.GenerateTestNodeID()
	nicA, _ := mock.NewLoopbackPair(transport.KindNIC, 8192, nodeA, nodeB)

	engine, peers := newTestEngine(t, nicA, Config{MaxDataPayload: 8192})
	p := peers.GetOrCreate(nodeB, false, time.Millisecond)

	payload := []byte("hello, world")
	entry := newEagerEntry(nodeB, payload, 7)

	blocked := engine.postTxData(time.Now(), entry)
	assert.False(t, blocked, "a fully-windowed short send must drain in one call")
	assert.Equal(t, len(payload), entry.BytesSent)
	assert.Equal(t, 0, entry.Window)
	assert.Equal(t, 1, p.NICOutstandingTx, "a successful post links the packet onto the peer's outstanding list")
}

// TestPostTxDataRNRPreservesByteAccounting is the regression test for a bug
// where bytes_sent/window were only updated on an immediately-successful
// post, leaving them stale across an RNR-queued retry: a later successful
// replay's AdvanceAcked(n) would then push bytes_acked past the still-stale
// bytes_sent and trip the bytes_acked<=bytes_sent<=total_len invariant.
func TestPostTxDataRNRPreservesByteAccounting(t *testing.T) {
	nodeA := ids.GenerateTestNodeID()
	nodeB := ids.GenerateTestNodeID()
	nicA, _ := mock.NewLoopbackPair(transport.KindNIC, 8192, nodeA, nodeB)
	nicA.RejectNextSend = 1

	engine, peers := newTestEngine(t, nicA, Config{MaxDataPayload: 8192, MaxBackoff: 10 * time.Millisecond})
	p := peers.GetOrCreate(nodeB, false, time.Millisecond)

	payload := []byte("hello")
	entry := newEagerEntry(nodeB, payload, 0)

	now := time.Now()
	blocked := engine.postTxData(now, entry)
	require.True(t, blocked, "an RNR rejection must report blocked so the caller doesn't re-post")

	// The chunk was already cut from the entry's cursor, so accounting
	// must reflect it immediately even though the post itself failed.
	assert.Equal(t, len(payload), entry.BytesSent, "bytes_sent must advance on RNR, not stay at 0")
	assert.Equal(t, 0, entry.Window)
	assert.Equal(t, transfer.TxQueuedRNR, entry.State)
	assert.Equal(t, 1, p.TxQueuedRNR.Len())
	assert.True(t, p.InBackoff(now))

	// Advance past the backoff window and replay.
	later := now.Add(time.Second)
	engine.stepExpireBackoff(later)
	engine.stepReplayRNR(later)

	assert.Equal(t, 0, p.TxQueuedRNR.Len(), "the queued entry must have been unlinked by a successful replay")
	assert.Equal(t, transfer.TxSEND, entry.State)

	// Simulate the send completion a real dispatcher would report for
	// the replayed packet: this must not trip TxEntry's invariant check.
	done := entry.AdvanceAcked(len(payload))
	assert.True(t, done)
	assert.Equal(t, transfer.TxDone, entry.State)
}

func TestStepExpireBackoffClearsOnlyExpiredPeers(t *testing.T) {
	_, peers := newTestEngine(t, nil, Config{})
	now := time.Now()
	p := peers.GetOrCreate(ids.GenerateTestNodeID(), false, time.Millisecond)
	p.EnterBackoff(now, 50*time.Millisecond)
	require.True(t, p.InBackoff(now))

	engine := &Engine{Peers: peers}
	engine.stepExpireBackoff(now.Add(time.Millisecond))
	assert.True(t, p.InBackoff(now.Add(time.Millisecond)), "backoff must still be active before its deadline")

	engine.stepExpireBackoff(now.Add(time.Second))
	assert.False(t, p.InBackoff(now.Add(time.Second)))
}

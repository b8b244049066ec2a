package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditRequestClamp(t *testing.T) {
	cases := []struct {
		name                                            string
		peerCredits, peerOutstandingTx, totalLen, mdp, min int
		want                                            int
	}{
		{"floor applies", 0, 0, 100, 4096, 1, 1},
		{"min of the two ceilings", 1000, 1, 9000, 4096, 1, 3},
		{"single packet never exceeds ceil(total/mdp)", 1000, 0, 100, 4096, 1, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := CreditRequest(c.peerCredits, c.peerOutstandingTx, c.totalLen, c.mdp, c.min)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestTxEntryResetPreservesSlot(t *testing.T) {
	var e TxEntry
	e.Slot = 7
	e.BytesSent = 100
	e.State = TxSEND

	e.Reset()

	assert.Equal(t, uint32(7), e.Slot)
	assert.Equal(t, 0, e.BytesSent)
	assert.Equal(t, TxREQ, e.State)
}

func TestTxEntryAdvanceAckedInvariant(t *testing.T) {
	var e TxEntry
	e.TotalLen = 10
	e.BytesSent = 10

	assert.False(t, e.AdvanceAcked(5))
	assert.Equal(t, 5, e.BytesAcked)

	assert.True(t, e.AdvanceAcked(5))
	assert.Equal(t, TxDone, e.State)
}

func TestTxEntryAdvanceAckedPastSentPanics(t *testing.T) {
	var e TxEntry
	e.TotalLen = 10
	e.BytesSent = 5

	assert.Panics(t, func() { e.AdvanceAcked(6) })
}

func TestTxEntryNextChunkSpansSegments(t *testing.T) {
	var e TxEntry
	e.IOVecs[0].Buf = []byte("hello ")
	e.IOVecs[1].Buf = []byte("world")
	e.IOVecCount = 2
	e.TotalLen = 11

	chunk, n := e.NextChunk(8)
	require.Equal(t, 8, n)
	var got []byte
	for _, iov := range chunk {
		got = append(got, iov.Buf...)
	}
	assert.Equal(t, "hello wo", string(got))

	chunk, n = e.NextChunk(8)
	assert.Equal(t, 3, n)
	got = nil
	for _, iov := range chunk {
		got = append(got, iov.Buf...)
	}
	assert.Equal(t, "rld", string(got))
}

func TestPrepareAtomicIOVec(t *testing.T) {
	var e TxEntry
	e.AtomicOperand = AtomicFromUint64(0x1122334455667788)

	e.PrepareAtomicIOVec()

	require.Equal(t, 1, e.IOVecCount)
	assert.Equal(t, 16, e.TotalLen)
	assert.Len(t, e.IOVecs[0].Buf, 16)
}

func TestRxEntryMatches(t *testing.T) {
	e := RxEntry{Tag: 0xF0, IgnoreMask: 0x0F}
	assert.True(t, e.Matches(0xF3))
	assert.False(t, e.Matches(0xE0))
}

func TestRxEntryAdvanceReceived(t *testing.T) {
	e := RxEntry{TotalLen: 10}
	assert.False(t, e.AdvanceReceived(4))
	assert.True(t, e.AdvanceReceived(6))
}

func TestRxEntryMarkRecvCancelSuppressesCompletion(t *testing.T) {
	e := RxEntry{TotalLen: 10, BytesReceived: 2}
	e.MarkRecvCancel()
	assert.Equal(t, RxRecvCancel, e.State)
}

func TestMultiRecvDeferredCancel(t *testing.T) {
	parent := &RxEntry{}
	child := &RxEntry{Parent: parent}
	parent.Consumers.PushBack(&child.Node)

	assert.False(t, parent.CancelParent(), "consumers still outstanding, defer delivery")
	assert.True(t, parent.ConsumerFinished(child), "last consumer finishing should now deliver")
}

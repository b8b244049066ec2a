package endpoint

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/efaclock"
	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/progress"
	"github.com/luxfi/efacore/transport"
	"github.com/luxfi/efacore/transport/mock"
)

// newBoundPair wires two endpoints over a loopback NIC transport pair and
// binds each to the other's address, without calling Enable — the data
// path (submitTx/recv) only requires a resolved peer, not a completed
// handshake, so the scenarios below skip it to avoid the handshake's own
// packet traffic muddying the completions under test.
func newBoundPair(cfgA, cfgB progress.Config) (epA, epB *Endpoint, nodeA, nodeB ids.NodeID, nicA, nicB *mock.Loopback) {
	nodeA = ids.GenerateTestNodeID()
	nodeB = ids.GenerateTestNodeID()
	mtu := cfgA.MaxDataPayload
	if cfgB.MaxDataPayload > mtu {
		mtu = cfgB.MaxDataPayload
	}
	nicA, nicB = mock.NewLoopbackPair(transport.KindNIC, mtu, nodeA, nodeB)

	epA = New(Config{LocalAddr: nodeA, NIC: nicA, Progress: cfgA})
	epB = New(Config{LocalAddr: nodeB, NIC: nicB, Progress: cfgB})

	Expect(epA.Bind([]ids.NodeID{nodeB})).To(Succeed())
	Expect(epB.Bind([]ids.NodeID{nodeA})).To(Succeed())
	return epA, epB, nodeA, nodeB, nicA, nicB
}

var _ = Describe("eager send", func() {
	It("posts exactly one data packet and completes with len 4096", func() {
		cfg := progress.Config{MaxDataPayload: 8192, RecvBufSize: 4096}
		epA, epB, _, nodeB, _, _ := newBoundPair(cfg, cfg)
		defer epA.Close()
		defer epB.Close()

		peerAsSeenByA, ok := epA.peers.Get(nodeB)
		Expect(ok).To(BeTrue())
		priorOutstanding := peerAsSeenByA.NICOutstandingTx

		payload := make([]byte, 4096)
		for i := range payload {
			payload[i] = byte(i)
		}
		recvBuf := make([]byte, 4096)
		Expect(epB.Recv("recv-ctx", recvBuf, 0)).To(Succeed())
		Expect(epA.SendMsg("send-ctx", nodeB, payload, 0)).To(Succeed())

		Expect(epA.Progress()).To(Succeed()) // posts the single data packet
		Expect(epB.Progress()).To(Succeed()) // drains B's recv completion
		Expect(epA.Progress()).To(Succeed()) // drains A's own send completion

		txComps := epA.PollCQ(0)
		Expect(txComps).To(HaveLen(1))
		Expect(txComps[0].Context).To(Equal("send-ctx"))
		Expect(txComps[0].Len).To(Equal(4096))
		Expect(txComps[0].Err).To(BeNil())

		rxComps := epB.PollCQ(0)
		Expect(rxComps).To(HaveLen(1))
		Expect(rxComps[0].Context).To(Equal("recv-ctx"))
		Expect(rxComps[0].Len).To(Equal(4096))
		Expect(recvBuf).To(Equal(payload))

		Expect(peerAsSeenByA.NICOutstandingTx).To(Equal(priorOutstanding))
	})
})

var _ = Describe("long send with credit", func() {
	It("stalls without credit, then drains the full message across several granted windows", func() {
		cfg := progress.Config{MaxDataPayload: 256, RecvBufSize: 512}
		epA, epB, _, nodeB, _, _ := newBoundPair(cfg, cfg)
		defer epA.Close()
		defer epB.Close()

		const total = 2048
		payload := make([]byte, total)
		for i := range payload {
			payload[i] = byte(i)
		}
		recvBuf := make([]byte, total)
		Expect(epB.Recv("recv-ctx", recvBuf, 0)).To(Succeed())
		Expect(epA.SendMsg("send-ctx", nodeB, payload, 0)).To(Succeed())

		peerAsSeenByA, ok := epA.peers.Get(nodeB)
		Expect(ok).To(BeTrue())

		// With zero granted credit the message cannot even start (spec
		// §4.4's credit_request is 0 against a zero balance with
		// tx_min_credits 0, so nothing is deducted or posted).
		Expect(epA.Progress()).To(Succeed())
		Expect(epA.txPool.InUseCount()).To(Equal(1), "entry must still be outstanding, blocked on credit")

		// Drive the credit/window cycle: grant a window, let it drain,
		// repeat until the whole message has been accounted for. Each
		// round's window is bounded by CreditRequest's own clamp, so
		// this may take several rounds for a message this size.
		deadline := time.Now().Add(time.Second)
		for {
			peerAsSeenByA.GrantCredits(total)
			Expect(epA.Progress()).To(Succeed())
			Expect(epB.Progress()).To(Succeed())
			Expect(epA.Progress()).To(Succeed())

			if len(epA.PollCQ(0)) > 0 {
				break
			}
			if time.Now().After(deadline) {
				Fail("long send with credit never completed")
			}
		}

		// The completion was already drained by the PollCQ check above
		// inside the loop on the success iteration, so re-derive it by
		// re-running once more is unnecessary: assert the receive side
		// instead, which only ever gets one completion once every byte
		// has arrived.
		rxComps := epB.PollCQ(0)
		Expect(rxComps).To(HaveLen(1))
		Expect(rxComps[0].Len).To(Equal(total))
		Expect(recvBuf).To(Equal(payload))
	})
})

var _ = Describe("RNR then retry", func() {
	It("replays the queued packet exactly once after the backoff deadline passes", func() {
		clock := efaclock.NewMockable()
		t0 := time.Now()
		clock.Set(t0)

		cfg := progress.Config{MaxDataPayload: 8192, RecvBufSize: 4096, MaxBackoff: 50 * time.Millisecond}
		nodeA := ids.GenerateTestNodeID()
		nodeB := ids.GenerateTestNodeID()
		nicA, nicB := mock.NewLoopbackPair(transport.KindNIC, cfg.MaxDataPayload, nodeA, nodeB)

		epA := New(Config{LocalAddr: nodeA, NIC: nicA, Progress: cfg, Clock: clock})
		epB := New(Config{LocalAddr: nodeB, NIC: nicB, Progress: cfg})
		Expect(epA.Bind([]ids.NodeID{nodeB})).To(Succeed())
		Expect(epB.Bind([]ids.NodeID{nodeA})).To(Succeed())
		defer epA.Close()
		defer epB.Close()

		recvBuf := make([]byte, 5)
		Expect(epB.Recv("recv-ctx", recvBuf, 0)).To(Succeed())

		nicA.RejectNextSend = 1
		Expect(epA.SendMsg("send-ctx", nodeB, []byte("hello"), 0)).To(Succeed())

		Expect(epA.Progress()).To(Succeed()) // PostSend rejected with RNR

		peerAsSeenByA, ok := epA.peers.Get(nodeB)
		Expect(ok).To(BeTrue())
		Expect(peerAsSeenByA.TxQueuedRNR.Len()).To(Equal(1))
		Expect(peerAsSeenByA.InBackoff(t0)).To(BeTrue())

		clock.Set(t0.Add(100 * time.Millisecond))
		Expect(epA.Progress()).To(Succeed()) // backoff expired, replay succeeds
		Expect(peerAsSeenByA.TxQueuedRNR.Len()).To(Equal(0))

		Expect(epB.Progress()).To(Succeed())
		Expect(epA.Progress()).To(Succeed())

		txComps := epA.PollCQ(0)
		Expect(txComps).To(HaveLen(1))
		Expect(txComps[0].Context).To(Equal("send-ctx"))
		Expect(txComps[0].Err).To(BeNil())

		rxComps := epB.PollCQ(0)
		Expect(rxComps).To(HaveLen(1))
		Expect(rxComps[0].Len).To(Equal(5))
	})
})

var _ = Describe("unexpected receive then post", func() {
	It("merges a later-posted matching receive with an already-arrived tagged message", func() {
		cfg := progress.Config{MaxDataPayload: 8192, RecvBufSize: 4096}
		epA, epB, _, nodeB, _, _ := newBoundPair(cfg, cfg)
		defer epA.Close()
		defer epB.Close()

		// B needs at least one internally-posted wildcard buffer ready
		// before A's send arrives, or the mock transport parks it in its
		// own unmatched queue instead of delivering an UNEXP completion.
		Expect(epB.Progress()).To(Succeed())

		const tag = uint64(0xC0FFEE)
		payload := []byte("arrived early")
		Expect(epA.SendTagged("send-ctx", nodeB, payload, tag, 0)).To(Succeed())
		Expect(epA.Progress()).To(Succeed())
		Expect(epB.Progress()).To(Succeed())

		Expect(epB.unexpected.Len()).To(Equal(1))

		recvBuf := make([]byte, len(payload))
		Expect(epB.RecvTagged("recv-ctx", recvBuf, tag, 0, 0)).To(Succeed())

		comps := epB.PollCQ(0)
		Expect(comps).To(HaveLen(1))
		Expect(comps[0].Context).To(Equal("recv-ctx"))
		Expect(comps[0].Len).To(Equal(len(payload)))
		Expect(epB.unexpected.Len()).To(Equal(0))
	})
})

var _ = Describe("cancel during INIT", func() {
	It("delivers exactly one canceled completion and releases the entry", func() {
		cfg := progress.Config{MaxDataPayload: 8192, RecvBufSize: 4096}
		epA, epB, _, _, _, _ := newBoundPair(cfg, cfg)
		defer epA.Close()
		defer epB.Close()

		recvBuf := make([]byte, 16)
		Expect(epB.Recv("recv-ctx", recvBuf, 0)).To(Succeed())
		Expect(epB.rxPool.InUseCount()).To(Equal(1))

		Expect(epB.Cancel("recv-ctx")).To(Succeed())

		comps := epB.PollCQ(0)
		Expect(comps).To(HaveLen(1))
		Expect(comps[0].Context).To(Equal("recv-ctx"))
		Expect(comps[0].Err).To(MatchError(efaerr.ErrCanceled))

		Expect(epB.rxPool.InUseCount()).To(Equal(0))
		Expect(epB.Cancel("recv-ctx")).To(MatchError(efaerr.ErrNotFound))
	})
})

var _ = Describe("close with orphaned entry", func() {
	It("releases every pool-owned slot and logs the orphan", func() {
		cfg := progress.Config{MaxDataPayload: 8192, RecvBufSize: 4096}
		epA, epB, _, nodeB, _, _ := newBoundPair(cfg, cfg)
		defer epB.Close()

		// A message larger than one data payload never reaches SEND's
		// terminal state on its own; queueTxData still moves it to SEND
		// immediately (spec §4.4 state 2: "at least one data-bearing
		// packet has been handed to the transport" requires only that
		// the entry has been queued to try, not that it succeeded).
		big := make([]byte, 1<<20)
		Expect(epA.SendMsg("orphan-ctx", nodeB, big, 0)).To(Succeed())
		Expect(epA.txPool.InUseCount()).To(Equal(1))

		Expect(epA.Close()).To(Succeed())

		Expect(epA.txPool.InUseCount()).To(Equal(0))
		Expect(epA.rxPool.InUseCount()).To(Equal(0))

		// Every subsequent call returns ErrEndpointClosed.
		Expect(epA.Close()).To(Succeed()) // idempotent, not an error
		Expect(epA.SendMsg("ctx", nodeB, []byte("x"), 0)).To(MatchError(efaerr.ErrEndpointClosed))
	})
})

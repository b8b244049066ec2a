// Package posting implements the posting layer of spec §4.2: converting
// transfer-entries into packets and handing them to either the NIC or the
// shared-memory transport, with FI_MORE-style "more to come" batching.
package posting

import (
	"errors"

	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/peer"
	"github.com/luxfi/efacore/transfer"
	"github.com/luxfi/efacore/transport"
)

// Result is the outcome of a post call: posted, or a typed reason it was
// not (EAGAIN/RNR are never errors the application sees — the caller
// re-queues per spec §7).
type Result struct {
	Posted bool
	Err    error
}

// Layer dispatches each packet to the NIC or (if present) the SHM
// transport based on its "where-allocated-from" tag (spec §9: "Rather than
// two parallel stacks, dispatch at the posting layer on a per-packet
// where-allocated-from tag").
type Layer struct {
	NIC transport.Transport
	SHM transport.Transport // nil if shared memory is disabled
}

func (l *Layer) transportFor(kind transport.Kind) transport.Transport {
	if kind == transport.KindSHM && l.SHM != nil {
		return l.SHM
	}
	return l.NIC
}

// PostUserRecv treats the first (and only) IO-vector segment as the
// backing store for an inline packet header and posts the tail of that
// buffer directly to the NIC, so incoming application data lands with zero
// extra copy (spec §4.2).
func (l *Layer) PostUserRecv(e *transfer.RxEntry, headerLen int, flags transport.PostFlags) Result {
	if e.IOVecCount == 0 {
		efaerr.Invariant("PostUserRecv: entry has no IO vector segment")
	}
	seg := e.IOVecs[0]
	tail := transport.IOVec{Buf: seg.Buf[headerLen:], Desc: seg.Desc}
	return l.postRecv([]transport.IOVec{tail}, e, flags)
}

// PostInternalRecv posts a provider-owned packet buffer as a wildcard
// receive on the chosen transport.
func (l *Layer) PostInternalRecv(buf []byte, kind transport.Kind, context any, flags transport.PostFlags) Result {
	tr := l.transportFor(kind)
	err := tr.PostRecv([]transport.IOVec{{Buf: buf}}, context, flags)
	return toResult(err)
}

// BulkPostInternalRecv posts n buffers, marking all but the last with
// MoreToCome so the transport can defer its doorbell ring (spec §4.2,
// §8 "Posting N internal receive buffers with more-to-come on the first
// N-1 produces the same on-wire result as N individual posts").
func (l *Layer) BulkPostInternalRecv(bufs [][]byte, kind transport.Kind, contexts []any) []Result {
	tr := l.transportFor(kind)
	results := make([]Result, len(bufs))
	for i, buf := range bufs {
		more := i < len(bufs)-1
		err := tr.PostRecv([]transport.IOVec{{Buf: buf}}, contexts[i], transport.PostFlags{MoreToCome: more})
		results[i] = toResult(err)
		if !results[i].Posted && !errors.Is(err, transport.ErrBusy) {
			// A non-EAGAIN failure partway through a batch does not stop
			// it: the remaining buffers are still posted now, and the
			// caller handles each failed result individually.
			continue
		}
	}
	return results
}

func (l *Layer) postRecv(iovs []transport.IOVec, e *transfer.RxEntry, flags transport.PostFlags) Result {
	err := l.NIC.PostRecv(iovs, e.Slot, flags)
	return toResult(err)
}

// Send posts a single packet to its chosen transport. more marks it as one
// packet in a "more to come" batch so the transport can defer its doorbell
// ring until Flush (spec §4.6 step 11, §9 "more-to-come batching"); on
// success the packet is linked into the peer's outstanding_tx_pkts list and
// the relevant per-transport outstanding counter is incremented (spec §4.2).
func (l *Layer) Send(pkt *transfer.Packet, dest ids.NodeID, p *peer.Peer, more bool) Result {
	tr := l.transportFor(pkt.Transport)
	err := tr.PostSend(dest, pkt.IOVecs, pkt, transport.PostFlags{MoreToCome: more})
	if err == nil {
		pkt.Peer = p
		p.OutstandingTxPkts.PushBack(&pkt.Node)
		switch pkt.Transport {
		case transport.KindSHM:
			p.SHMOutstandingTx++
		default:
			p.NICOutstandingTx++
		}
		return Result{Posted: true}
	}
	return toResult(err)
}

// Flush forces any doorbell deferred by MoreToCome batching to ring now
// (spec §4.6 step 11), on every configured transport.
func (l *Layer) Flush() {
	l.NIC.Flush()
	if l.SHM != nil {
		l.SHM.Flush()
	}
}

func toResult(err error) Result {
	switch {
	case err == nil:
		return Result{Posted: true}
	case errors.Is(err, transport.ErrBusy):
		return Result{Posted: false, Err: efaerr.ErrEAGAIN}
	case errors.Is(err, transport.ErrRNR):
		return Result{Posted: false, Err: efaerr.ErrRNR}
	default:
		return Result{Posted: false, Err: err}
	}
}

// Package completion implements completion processing (spec §4.3): draining
// the NIC and, if enabled, SHM completion queues, resolving the source of
// inbound completions via the address resolver, and dispatching every drained
// completion to the packet codec collaborator.
package completion

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/codec"
	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/efametrics"
	"github.com/luxfi/efacore/resolver"
	"github.com/luxfi/efacore/transfer"
	"github.com/luxfi/efacore/transport"
)

// Peer is the subset of peer.Peer completion processing needs: address
// resolution plus the outstanding-packet bookkeeping unwound once a send
// completion (or send error) is observed.
type Peer interface {
	resolver.Peer
	UnlinkTxPacket(pkt *transfer.Packet)
}

// Processor drains completion queues and dispatches to a codec.Dispatcher.
// P is the concrete peer type the configured resolver resolves to (normally
// *peer.Peer), kept generic so this package never imports package peer.
type Processor[P Peer] struct {
	NIC transport.Transport
	SHM transport.Transport // nil if shared memory is disabled

	Resolver   resolver.Resolver[P]
	Dispatcher codec.Dispatcher
	Metrics    *efametrics.CompletionMetrics

	// CQReadSize bounds how many items a single Drain* call pulls from
	// any one queue (spec §4.3 "efa_cq_read_size").
	CQReadSize int
}

// DrainNIC drains up to CQReadSize completions from the NIC transport and
// dispatches each (spec §4.6 step 2).
func (p *Processor[P]) DrainNIC() int {
	comps := p.NIC.DrainCQ(p.CQReadSize)
	for _, c := range comps {
		p.dispatch(c, transport.KindNIC)
	}
	if p.Metrics != nil && len(comps) > 0 {
		p.Metrics.NICDrained.Add(float64(len(comps)))
	}
	return len(comps)
}

// DrainSHM drains up to CQReadSize completions from the SHM transport, a
// no-op if SHM is disabled (spec §4.6 step 3).
func (p *Processor[P]) DrainSHM() int {
	if p.SHM == nil {
		return 0
	}
	comps := p.SHM.DrainCQ(p.CQReadSize)
	for _, c := range comps {
		p.dispatch(c, transport.KindSHM)
	}
	if p.Metrics != nil && len(comps) > 0 {
		p.Metrics.SHMDrained.Add(float64(len(comps)))
	}
	return len(comps)
}

// DrainErrors drains the error completion queues of both configured
// transports and routes each to the codec's send/recv error callback (spec
// §4.3 "Error completions").
func (p *Processor[P]) DrainErrors() int {
	n := p.drainErrorsFrom(p.NIC)
	if p.SHM != nil {
		n += p.drainErrorsFrom(p.SHM)
	}
	return n
}

func (p *Processor[P]) drainErrorsFrom(tr transport.Transport) int {
	errs := tr.DrainErrorCQ(p.CQReadSize)
	for _, e := range errs {
		kind, slot, pkt := ownerFromContext(e.Context)
		if pkt != nil {
			p.unlinkIfPeer(pkt)
		}
		switch e.Opcode {
		case transport.OpRecv:
			p.Dispatcher.OnRecvError(kind, slot, e.Status, e.ProviderCode)
		default:
			p.Dispatcher.OnSendError(kind, slot, e.Status, e.ProviderCode)
		}
	}
	if p.Metrics != nil && len(errs) > 0 {
		p.Metrics.Errors.Add(float64(len(errs)))
	}
	return len(errs)
}

func (p *Processor[P]) dispatch(c transport.Completion, fromKind transport.Kind) {
	switch c.Opcode {
	case transport.OpSend:
		kind, slot, pkt := ownerFromContext(c.Context)
		if pkt != nil {
			p.unlinkIfPeer(pkt)
		}
		p.Dispatcher.OnSendComplete(kind, slot, c.Bytes)

	case transport.OpRecv:
		kind, slot, pkt := ownerFromContext(c.Context)
		var tag uint64
		if pkt != nil {
			tag = pkt.Tag
		}
		src, srcKnown := p.resolveSource(c, fromKind)
		p.Dispatcher.OnRecvComplete(kind, slot, c.Bytes, tag, src, srcKnown)

	case transport.OpRead:
		kind, slot, pkt := ownerFromContext(c.Context)
		if pkt != nil {
			p.unlinkIfPeer(pkt)
		}
		p.Dispatcher.OnSendComplete(kind, slot, c.Bytes)

	default:
		efaerr.Invariant("completion: unknown opcode")
	}
}

// resolveSource resolves the NIC-supplied source identifier (or, on the SHM
// transport, the SHM address) to an endpoint-level address; ok is false on
// first contact, per §4.3 ("if unknown, the packet is still processed but
// its source is marked unavailable").
func (p *Processor[P]) resolveSource(c transport.Completion, fromKind transport.Kind) (ids.NodeID, bool) {
	if fromKind == transport.KindSHM {
		addr, ok := p.Resolver.TranslateSHMToEndpoint(c.SrcSHMAddr)
		return addr, ok
	}
	peer, ok := p.Resolver.PeerFromSourceIdentifier(c.SrcSLID, c.SrcQPN)
	if !ok {
		return ids.EmptyNodeID, false
	}
	return peer.Addr(), true
}

func (p *Processor[P]) unlinkIfPeer(pkt *transfer.Packet) {
	if pkt.Peer == nil {
		return
	}
	if peer, ok := pkt.Peer.(P); ok {
		peer.UnlinkTxPacket(pkt)
	}
}

// ownerFromContext recovers the owning entry (kind, slot) from a completion
// context. A context of uint32 is a user-posted receive's RxEntry slot
// (posting.Layer.PostUserRecv posts the slot directly, spec §4.2); a context
// of *transfer.Packet is any provider-owned packet (spec §4.3: "each
// completion identifies the packet by a ... work-request ID that carries a
// packet pointer").
func ownerFromContext(ctx any) (transfer.EntryKind, uint32, *transfer.Packet) {
	switch v := ctx.(type) {
	case uint32:
		return transfer.EntryRx, v, nil
	case *transfer.Packet:
		return v.OwnerKind, v.OwnerSlot, v
	default:
		efaerr.Invariant("completion: unrecognized completion context type")
		return 0, 0, nil
	}
}

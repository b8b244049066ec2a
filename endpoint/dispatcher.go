package endpoint

import (
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/transfer"
	"github.com/luxfi/efacore/transport"
)

// defaultDispatcher is the codec.Dispatcher every Endpoint wires into its
// completion.Processor by default. Packet header layout, serialization and
// per-packet-type handling are the packet codec's job and out of this
// core's scope (spec §1, package codec's doc comment); this dispatcher
// limits itself to what the in-core simplification already threads
// alongside each completion (transfer.Packet.Tag, OwnerKind/OwnerSlot) so
// the state machines in package transfer — which squarely are in scope —
// advance correctly without a real wire decode. A deployment with an actual
// EFA wire format swaps this out by constructing completion.Processor
// directly with its own codec.Dispatcher instead of going through
// endpoint.New.
type defaultDispatcher struct {
	ep *Endpoint
}

func (d *defaultDispatcher) OnSendComplete(kind transfer.EntryKind, slot uint32, bytes int) {
	ep := d.ep
	switch kind {
	case transfer.EntryTx:
		entry := ep.txPool.SlotFromIndex(slot)
		if entry.AdvanceAcked(bytes) {
			ep.finalizeTx(entry)
		}
	case transfer.EntryRx:
		// A control packet (CTS/EOR/RECEIPT) queued on an RxEntry has
		// finished sending; nothing to advance beyond that.
	case transfer.EntryUnmatched:
		// A handshake or internally-posted-buffer-owned send has
		// finished; no owning entry to advance.
	default:
		efaerr.Invariant("defaultDispatcher: OnSendComplete on unknown entry kind")
	}
}

func (d *defaultDispatcher) OnRecvComplete(kind transfer.EntryKind, slot uint32, bytes int, tag uint64, src ids.NodeID, srcKnown bool) {
	ep := d.ep
	switch kind {
	case transfer.EntryRx:
		entry := ep.rxPool.SlotFromIndex(slot)
		if entry.State == transfer.RxRecvCancel {
			if entry.AdvanceReceived(bytes) {
				ep.rxPool.Release(entry.Slot)
			}
			return
		}
		done := entry.AdvanceReceived(bytes)
		entry.Completion.Len = entry.BytesReceived
		if done && entry.QueuedPkts.Len() == 0 {
			ep.finalizeRx(entry)
		} else {
			entry.State = transfer.RxRECV
		}

	case transfer.EntryUnmatched:
		// A message landed on an internally-posted wildcard buffer with
		// no application receive posted yet (spec §4.5
		// "unexpected-packet-created"). Track just enough (length, tag,
		// source) to let a later matching Recv merge with it; copying
		// the bytes themselves into a dedicated buffer is the packet
		// codec's job in a real wire format, out of scope here.
		rslot, rentry, err := ep.rxPool.Acquire()
		if err != nil {
			ep.log.Warn("efacore: dropping unexpected message, RxEntry pool exhausted")
			return
		}
		rentry.Slot = rslot
		rentry.Reset()
		rentry.State = transfer.RxUNEXP
		rentry.TotalLen = bytes
		rentry.BytesReceived = bytes
		rentry.Tag = tag
		rentry.Completion.Tag = tag
		if srcKnown {
			if p, ok := ep.peers.Get(src); ok {
				rentry.Peer = p
			}
		}
		ep.unexpected.PushBack(&rentry.Node)

	default:
		efaerr.Invariant("defaultDispatcher: OnRecvComplete on unknown entry kind")
	}
}

func (d *defaultDispatcher) OnSendError(kind transfer.EntryKind, slot uint32, status transport.ErrStatus, providerCode int) {
	// RNR never reaches here: posting.Layer.Send/the progress engine's
	// replay paths observe it synchronously from PostSend and requeue for
	// retry (spec §4.2, §4.6 steps 7-9). Anything drained from the error
	// CQ is therefore unrecoverable.
	ep := d.ep
	err := fmt.Errorf("%w: provider code %d", efaerr.ErrTransport, providerCode)
	switch kind {
	case transfer.EntryTx:
		entry := ep.txPool.SlotFromIndex(slot)
		entry.Completion.Err = err
		entry.Completion.ProviderErr = providerCode
		ep.finalizeTx(entry)
	case transfer.EntryRx:
		entry := ep.rxPool.SlotFromIndex(slot)
		entry.Completion.Err = err
		entry.Completion.ProviderErr = providerCode
		ep.finalizeRx(entry)
	case transfer.EntryUnmatched:
		ep.log.Warn("efacore: send error on internally-posted buffer", "provider_code", providerCode)
	}
}

func (d *defaultDispatcher) OnRecvError(kind transfer.EntryKind, slot uint32, status transport.ErrStatus, providerCode int) {
	ep := d.ep
	err := fmt.Errorf("%w: provider code %d", efaerr.ErrTransport, providerCode)
	switch kind {
	case transfer.EntryRx:
		entry := ep.rxPool.SlotFromIndex(slot)
		entry.Completion.Err = err
		entry.Completion.ProviderErr = providerCode
		ep.finalizeRx(entry)
	case transfer.EntryUnmatched:
		ep.log.Warn("efacore: recv error on internally-posted buffer", "provider_code", providerCode)
	case transfer.EntryTx:
		efaerr.Invariant("defaultDispatcher: OnRecvError on a TxEntry-kind slot")
	}
}

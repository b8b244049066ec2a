// Package codec declares the packet-codec collaborator contract (spec §1):
// packet header layout, serialization and per-packet-type handlers are
// deliberately out of this core's scope. What the progress engine needs
// from the codec is exactly this: given a drained completion, advance the
// owning transfer-entry's state machine (spec §4.3).
package codec

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/transfer"
	"github.com/luxfi/efacore/transport"
)

// Dispatcher is implemented by the packet codec. package completion calls
// through this interface for every drained completion instead of
// interpreting wire bytes itself.
type Dispatcher interface {
	// OnSendComplete advances the TxEntry/RxEntry (identified by
	// ownerKind/ownerSlot, recovered from the completion's context) whose
	// queued packet has now been sent.
	OnSendComplete(ownerKind transfer.EntryKind, ownerSlot uint32, bytes int)

	// OnRecvComplete advances the entry a receive landed on. tag is the
	// arriving message's match tag (spec §4.5 tagged matching); srcKnown
	// is false when the NIC-supplied source identifier does not yet
	// resolve to a known peer (first-contact handshake, spec §4.3); the
	// codec must still be able to process the packet enough to carry out
	// that handshake.
	OnRecvComplete(ownerKind transfer.EntryKind, ownerSlot uint32, bytes int, tag uint64, src ids.NodeID, srcKnown bool)

	// OnSendError/OnRecvError translate an error completion into either a
	// retry (RNR) or a terminal user error completion (spec §4.3, §7).
	OnSendError(ownerKind transfer.EntryKind, ownerSlot uint32, status transport.ErrStatus, providerCode int)
	OnRecvError(ownerKind transfer.EntryKind, ownerSlot uint32, status transport.ErrStatus, providerCode int)
}

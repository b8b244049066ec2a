package transfer

import (
	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/transport"
)

// RxEntry represents one posted or matched receive (spec §3, §4.5).
type RxEntry struct {
	Node

	Slot uint32

	Peer PeerHandle // nil until matched, when source was wildcard

	IOVecs     [MaxIOVecLen]transport.IOVec
	IOVecCount int

	IOVecIndex  int
	IOVecOffset int

	TotalLen      int
	BytesReceived int

	State RxState

	Completion Completion
	QueuedPkts List

	Tag        uint64
	IgnoreMask uint64

	// UnexpectedPkt is set when this entry was created from an
	// unexpected arrival (spec §4.5 "unexpected-packet-created") rather
	// than an application-posted receive.
	UnexpectedPkt *Packet

	// Multi-receive buffer linkage: Parent is nil for a normal entry or
	// a multi-receive parent itself; a parent's Consumers list holds the
	// consumer child entries carved from it as messages arrive.
	Parent    *RxEntry
	Consumers List
	// canceledWhileBusy marks a multi-receive parent canceled while
	// consumers are still outstanding: deliver the final multi-receive
	// completion only once Consumers drains to empty (spec §4.5, §9 open
	// question — resolved here as "defer").
	canceledWhileBusy bool
}

// Reset clears an entry right after it is acquired from the pool.
func (e *RxEntry) Reset() {
	slot := e.Slot
	*e = RxEntry{Slot: slot}
	e.owner = e
}

// IsMultiRecvParent reports whether e currently has at least one carved
// consumer linked, or was canceled while consumers were still in flight.
func (e *RxEntry) IsMultiRecvParent() bool {
	return e.Consumers.Len() > 0 || e.canceledWhileBusy
}

// CancelParent implements the deferred multi-receive cancellation
// described in spec §4.5/§9: if no consumers are outstanding, the caller
// delivers the final multi-receive completion immediately; otherwise this
// marks the parent so the last finishing consumer delivers it instead.
func (e *RxEntry) CancelParent() (deliverNow bool) {
	if e.Consumers.Len() == 0 {
		return true
	}
	e.canceledWhileBusy = true
	return false
}

// ConsumerFinished detaches a finished consumer from its parent's list and
// reports whether the parent's deferred cancellation completion should now
// be delivered.
func (e *RxEntry) ConsumerFinished(child *RxEntry) (deliverParentNow bool) {
	e.Consumers.Remove(&child.Node)
	return e.canceledWhileBusy && e.Consumers.Len() == 0
}

// MarkQueuedRNR transitions the entry to QUEUED_RNR; QueuedPkts must
// already be non-empty.
func (e *RxEntry) MarkQueuedRNR() {
	if e.QueuedPkts.Len() == 0 {
		efaerr.Invariant("RxEntry entered QUEUED_RNR with no queued packets")
	}
	e.State = RxQueuedRNR
}

// MarkQueuedCtrl transitions the entry to QUEUED_CTRL.
func (e *RxEntry) MarkQueuedCtrl() {
	e.State = RxQueuedCtrl
}

// MarkRecvCancel suppresses future completion delivery: the entry is
// canceled while partway through receiving, so subsequent arrivals are
// discarded and no user completion is ever written for it (spec §4.7
// "Cancel").
func (e *RxEntry) MarkRecvCancel() {
	e.State = RxRecvCancel
}

// AdvanceReceived advances bytes_received and reports whether the entry has
// reached total_len (all bytes received); the caller still must wait for
// any outstanding control packets (CTS/EOR/RECEIPT) before it is terminal.
func (e *RxEntry) AdvanceReceived(n int) bool {
	e.BytesReceived += n
	return e.BytesReceived >= e.TotalLen
}

// Matches reports whether this posted receive (tag/ignore mask) matches an
// arriving message's tag, per the standard tagged-matching rule
// "(tag &^ ignore) == (msgTag &^ ignore)".
func (e *RxEntry) Matches(msgTag uint64) bool {
	return (e.Tag &^ e.IgnoreMask) == (msgTag &^ e.IgnoreMask)
}

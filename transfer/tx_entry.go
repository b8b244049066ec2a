package transfer

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/resolver"
	"github.com/luxfi/efacore/transport"
)

// MaxIOVecLen bounds the IO-vector length, an implementation-defined limit
// per spec §3.
const MaxIOVecLen = 8

// PeerHandle is the subset of peer.Peer a transfer entry needs: its address
// and nothing else, so package transfer has no dependency on package peer
// (peer depends on transfer for its queued-entry lists; the reverse
// dependency is expressed through this interface instead of a cycle).
type PeerHandle = resolver.Peer

// TxEntry represents one outbound operation (spec §3, §4.4).
type TxEntry struct {
	Node // membership in endpoint-wide / peer-queued lists

	Slot uint32 // stable pool slot index, the compact identifier in packet headers

	Op       Op
	DestAddr ids.NodeID
	Peer     PeerHandle // cached once resolved; nil until then

	IOVecs      [MaxIOVecLen]transport.IOVec
	IOVecCount  int
	UserMRs     [MaxIOVecLen]memregHandle
	ProviderMRs [MaxIOVecLen]memregHandle
	IOVecMRStart int // index where provider-created registrations begin

	TotalLen   int
	BytesSent  int
	BytesAcked int
	Window     int // flow-control credit, in bytes, for long protocols

	IOVecIndex  int
	IOVecOffset int

	State TxState

	CreditRequestCount int

	Completion Completion

	QueuedPkts List // packets queued for (re)send

	Tag uint64

	// RemoteOffset/RemoteDesc carry the one-sided read target for
	// Op == OpReadRequest (spec §6). This core's transport boundary
	// models only a one-sided *read*, not a distinct one-sided write
	// work-request (spec §6 lists read as the only optional one-sided
	// primitive); Op == OpWrite instead rides the ordinary two-sided
	// posting path below, distinguished from a send only by Op.
	RemoteOffset uint64
	RemoteDesc   any

	// AtomicCompare/AtomicResult carry the operand/compare/fetch-result
	// values for the three atomic op kinds (spec §6), wide enough for
	// every RDMA atomic datatype up to 128 bits.
	AtomicOperand Atomic128
	AtomicCompare Atomic128
	AtomicResult  Atomic128

	// atomicWire backs the single synthetic IO-vector PrepareAtomicIOVec
	// builds so atomic ops can ride the same NextChunk-driven posting
	// path as ordinary data, instead of needing a parallel code path.
	atomicWire [16]byte
}

// PrepareAtomicIOVec encodes AtomicOperand into a single IO-vector,
// letting an atomic op's 16-byte operand travel through the same
// NextChunk/posting machinery as any other TxEntry payload.
func (e *TxEntry) PrepareAtomicIOVec() {
	e.atomicWire = e.AtomicOperand.Bytes16()
	e.IOVecs[0] = transport.IOVec{Buf: e.atomicWire[:]}
	e.IOVecCount = 1
	e.TotalLen = len(e.atomicWire)
}

// memregHandle mirrors memreg.Handle without importing package memreg,
// which would otherwise pull an unrelated collaborator dependency into the
// entry-state package; both are defined as `any`.
type memregHandle = any

// Reset clears an entry to its zero-value-equivalent state right after it
// is acquired from the pool, so a reused slot never leaks a stale IOVec,
// registration handle or completion descriptor into the next operation.
func (e *TxEntry) Reset() {
	slot := e.Slot
	*e = TxEntry{Slot: slot}
	e.owner = e
}

// BytesRemaining is total_len - bytes_sent, never negative per the
// bytes_acked <= bytes_sent <= total_len invariant.
func (e *TxEntry) BytesRemaining() int {
	return e.TotalLen - e.BytesSent
}

// CheckInvariants validates the quantified invariant of spec §8:
// 0 <= bytes_acked <= bytes_sent <= total_len. Violations are programming
// errors, not recoverable conditions.
func (e *TxEntry) CheckInvariants() {
	if e.BytesAcked < 0 || e.BytesAcked > e.BytesSent || e.BytesSent > e.TotalLen {
		efaerr.Invariant("TxEntry invariant violated: acked<=sent<=total")
	}
}

// MarkQueuedRNR transitions the entry to QUEUED_RNR. The caller is
// responsible for linking it onto the peer's tx_queued_rnr_list exactly
// once (spec §3 invariant); QueuedPkts must already be non-empty.
func (e *TxEntry) MarkQueuedRNR() {
	if e.QueuedPkts.Len() == 0 {
		efaerr.Invariant("TxEntry entered QUEUED_RNR with no queued packets")
	}
	e.State = TxQueuedRNR
}

// MarkQueuedCtrl transitions the entry to QUEUED_CTRL.
func (e *TxEntry) MarkQueuedCtrl() {
	e.State = TxQueuedCtrl
}

// NextChunk walks IOVecs starting at the entry's (IOVecIndex, IOVecOffset)
// cursor, accumulating up to maxLen bytes (possibly spanning several
// segments), advancing the cursor as it goes, and returns the sliced
// IO-vectors for one outbound data packet plus the total byte count
// accumulated (spec §4.6 step 9: "post data packets ... until window hits
// 0", posted in bytes_sent order).
func (e *TxEntry) NextChunk(maxLen int) ([]transport.IOVec, int) {
	var out []transport.IOVec
	remaining := maxLen
	for remaining > 0 && e.IOVecIndex < e.IOVecCount {
		seg := e.IOVecs[e.IOVecIndex]
		avail := len(seg.Buf) - e.IOVecOffset
		if avail <= 0 {
			e.IOVecIndex++
			e.IOVecOffset = 0
			continue
		}
		take := avail
		if take > remaining {
			take = remaining
		}
		out = append(out, transport.IOVec{
			Buf:  seg.Buf[e.IOVecOffset : e.IOVecOffset+take],
			Desc: seg.Desc,
		})
		e.IOVecOffset += take
		remaining -= take
		if e.IOVecOffset >= len(seg.Buf) {
			e.IOVecIndex++
			e.IOVecOffset = 0
		}
	}
	return out, maxLen - remaining
}

// AdvanceAcked advances bytes_acked and, once it reaches total_len with no
// packets still queued for resend, transitions to terminal and returns true (the caller
// then writes the user completion and releases the entry).
func (e *TxEntry) AdvanceAcked(n int) bool {
	e.BytesAcked += n
	e.CheckInvariants()
	if e.BytesAcked == e.TotalLen && e.QueuedPkts.Len() == 0 {
		e.State = TxDone
		return true
	}
	return false
}

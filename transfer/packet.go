package transfer

import "github.com/luxfi/efacore/transport"

// EntryKind distinguishes which pool a Packet's owner slot index refers to.
type EntryKind uint8

const (
	EntryTx EntryKind = iota
	EntryRx
	// EntryUnmatched marks a completion on an internally-posted wildcard
	// buffer that has not yet been associated with any application-
	// posted RxEntry (spec §4.5 "unexpected-packet-created"). OwnerSlot
	// for this kind is a recv-buffer-pool slot, not an RxEntry slot. It
	// also marks handshake packets, which have no owning entry.
	EntryUnmatched
)

// PacketType distinguishes data packets from the control packets named in
// spec §4.4/§4.5 (CTS, EOR, RECEIPT) and the handshake packet of §4.7. The
// wire layout and per-type handler for each of these live in the packet
// codec collaborator (out of this core's scope, spec §1); this core only
// needs to know enough to route retries and ordering.
type PacketType uint8

const (
	PacketData PacketType = iota
	PacketCTS
	PacketEOR
	PacketReceipt
	PacketHandshake
)

// Packet is one unit handed to the posting layer. It carries an index-based
// weak reference to its owning entry (spec §9: "packets carry the
// TxEntry/RxEntry slot index from the entry pool") rather than a pointer,
// so the owning entry can be released and the pool slot reused without
// invalidating any packet that predates it; the posting/completion layer
// always resolves OwnerSlot through the live pool before dereferencing.
type Packet struct {
	Node

	Type       PacketType
	OwnerKind  EntryKind
	OwnerSlot  uint32
	Transport  transport.Kind
	IOVecs     []transport.IOVec
	Offset     int // byte offset into the entry's data this packet carries, for data packets
	Len        int

	// Tag threads a tagged operation's match tag alongside the packet
	// object rather than through an on-wire header: real wire encoding
	// of the packet header (and thus recovering this value from received
	// bytes alone) is the packet codec's job and out of this core's
	// scope (spec §1); this field lets the in-scope parts of this core
	// exercise tag-based matching (spec §4.5 "Multi-receive buffers",
	// scenario 4 "unexpected receive then post") without one.
	Tag uint64

	// Peer is the owning peer, set by the posting layer's Send at post
	// time so completion processing can unlink this packet from
	// outstanding_tx_pkts and decrement the peer's per-transport counters
	// without package transfer depending on package peer. Typed any to
	// keep that one-directional dependency; completion type-asserts it.
	Peer any
}

// NewPacket constructs a packet queued for (re)send, embedded as the owner
// field so List.Each/Front/PopFront can hand back *Packet directly.
func NewPacket(typ PacketType, ownerKind EntryKind, ownerSlot uint32, tr transport.Kind) *Packet {
	p := &Packet{Type: typ, OwnerKind: ownerKind, OwnerSlot: ownerSlot, Transport: tr}
	p.Node.owner = p
	return p
}

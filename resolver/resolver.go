// Package resolver declares the address-resolver collaborator contract
// (spec §1, §6): translating opaque addresses, NIC source identifiers and
// shared-memory addresses to peer handles. Per spec, its resolution
// mechanics are out of this core's scope — this package is the interface
// the progress/completion packages call through, plus one concrete,
// LRU-cached adapter (Cache) needed to run the scenario tests and the demo
// binary end-to-end.
package resolver

import "github.com/luxfi/ids"

// Peer is the minimal view a resolver needs of a peer handle; package peer
// satisfies this with *peer.Peer.
type Peer interface {
	Addr() ids.NodeID
}

// Resolver is the address-resolution boundary.
type Resolver[P Peer] interface {
	// PeerFromAddr returns the peer handle for addr, or ok == false if
	// addr is not present in the bound address vector (spec §8:
	// "submitting with an address not in the address vector fails
	// synchronously").
	PeerFromAddr(addr ids.NodeID) (p P, ok bool)

	// PeerFromSourceIdentifier resolves a NIC-supplied (slid, qpn) pair
	// to a peer handle, or ok == false if the source is not yet known
	// (first-contact handshake, spec §4.3).
	PeerFromSourceIdentifier(slid, qpn uint32) (p P, ok bool)

	// TranslateSHMToEndpoint maps a shared-memory address (disjoint from
	// the NIC address space) to an endpoint-level address.
	TranslateSHMToEndpoint(shmAddr uint64) (ids.NodeID, bool)
}

package peer

import (
	"time"

	"github.com/luxfi/ids"
)

// Table is the peer table an endpoint owns indirectly via the address
// resolver (spec §3 "Endpoint... owns... the peer table (indirect via the
// address resolver)"). It is the concrete map the resolver.Cache binds
// into, and the source of the "for each peer" iteration order the progress
// engine's ticks 6-7-8 rely on (first-come-first-served, spec §4.6
// "Ordering guarantees").
type Table struct {
	byAddr map[ids.NodeID]*Peer
	order  []*Peer // insertion order, for deterministic iteration
}

// NewTable constructs an empty peer table.
func NewTable() *Table {
	return &Table{byAddr: make(map[ids.NodeID]*Peer)}
}

// GetOrCreate returns the existing Peer for addr, or creates and inserts one
// if this is the first contact.
func (t *Table) GetOrCreate(addr ids.NodeID, nodeLocal bool, initialBackoff time.Duration) *Peer {
	if p, ok := t.byAddr[addr]; ok {
		return p
	}
	p := New(addr, nodeLocal, initialBackoff)
	t.byAddr[addr] = p
	t.order = append(t.order, p)
	return p
}

// Get returns the Peer for addr, if any.
func (t *Table) Get(addr ids.NodeID) (*Peer, bool) {
	p, ok := t.byAddr[addr]
	return p, ok
}

// Remove deletes addr from the table. Per spec §9, every packet holding a
// weak (index-based) reference to this peer's TxEntries must already have
// been invalidated via OutstandingTxPkts before this is called; Remove
// itself does not walk that list (the caller — endpoint teardown or a
// fatal per-peer error — is responsible for that per §9's open question on
// per-peer isolation).
func (t *Table) Remove(addr ids.NodeID) {
	if _, ok := t.byAddr[addr]; !ok {
		return
	}
	delete(t.byAddr, addr)
	for i, p := range t.order {
		if p.addr == addr {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Each calls fn for every peer, in first-contact order.
func (t *Table) Each(fn func(*Peer)) {
	for _, p := range t.order {
		fn(p)
	}
}

// Snapshot returns a copy of the current first-contact order, used by
// callers (the progress engine) that need to iterate with early-break
// semantics ("EAGAIN breaks the loop") without holding the table's
// iteration invariant across mutation.
func (t *Table) Snapshot() []*Peer {
	out := make([]*Peer, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of known peers.
func (t *Table) Len() int {
	return len(t.order)
}

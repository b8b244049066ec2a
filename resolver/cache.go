package resolver

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/luxfi/ids"
)

// sourceKey packs a (slid, qpn) pair into a single comparable map key for
// the LRU cache.
type sourceKey uint64

func packSource(slid, qpn uint32) sourceKey {
	return sourceKey(uint64(slid)<<32 | uint64(qpn))
}

// Cache is a concrete Resolver[P] backed by an explicit address-vector map
// (addr -> peer) plus an LRU cache from NIC source identifier to peer,
// since peer_from_source_identifier is called on every receive completion
// and is the hottest lookup on the completion path (spec §4.3).
type Cache[P Peer] struct {
	mu      sync.RWMutex
	byAddr  map[ids.NodeID]P
	bySrc   *lru.Cache
	byShm   map[uint64]ids.NodeID
}

// NewCache constructs a Cache whose source-identifier lookaside holds up to
// srcCacheSize entries.
func NewCache[P Peer](srcCacheSize int) *Cache[P] {
	c, err := lru.New(srcCacheSize)
	if err != nil {
		// lru.New only errors on size <= 0; fall back to a sane default
		// rather than propagating a construction-time panic into callers
		// that pass a zero value by mistake.
		c, _ = lru.New(128)
	}
	return &Cache[P]{
		byAddr: make(map[ids.NodeID]P),
		bySrc:  c,
		byShm:  make(map[uint64]ids.NodeID),
	}
}

// Bind registers addr -> p in the address vector. It does not touch the
// source-identifier LRU cache; BindSource does that.
func (c *Cache[P]) Bind(addr ids.NodeID, p P) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byAddr[addr] = p
}

// BindSource associates a NIC source identifier with an already-bound peer.
// The endpoint calls it at bind time with the (slid, qpn) it derives from
// the peer's address.
func (c *Cache[P]) BindSource(slid, qpn uint32, p P) {
	c.bySrc.Add(packSource(slid, qpn), p)
}

// BindSHM associates a shared-memory address with an endpoint-level
// address.
func (c *Cache[P]) BindSHM(shmAddr uint64, addr ids.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byShm[shmAddr] = addr
}

func (c *Cache[P]) PeerFromAddr(addr ids.NodeID) (P, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byAddr[addr]
	return p, ok
}

func (c *Cache[P]) PeerFromSourceIdentifier(slid, qpn uint32) (P, bool) {
	v, ok := c.bySrc.Get(packSource(slid, qpn))
	if !ok {
		var zero P
		return zero, false
	}
	return v.(P), true
}

func (c *Cache[P]) TranslateSHMToEndpoint(shmAddr uint64) (ids.NodeID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.byShm[shmAddr]
	return addr, ok
}

// Package pool implements the fixed-capacity slab allocators described in
// spec §4.1: bounded collections of packet buffers and transfer-entry
// objects, each element addressable by a stable slot index in O(1).
package pool

import (
	"unsafe"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/efametrics"
)

// ChunkSize is the number of slots allocated per Grow() call.
const ChunkSize = 1024

// Registrar is implemented by the memory-registration collaborator (package
// memreg) to hook chunk-granularity registration. A pool that does not need
// hardware registration (e.g. the transfer-entry pool) passes nil.
type Registrar interface {
	RegisterChunk(chunk []byte) (handle any, err error)
	ReleaseChunk(handle any) error
}

// Pool is a fixed-capacity slab allocator for T. Acquire/Release are O(1);
// Grow explicitly allocates one additional chunk of ChunkSize slots. Pools
// never grow implicitly — the progress engine calls Grow() exactly once per
// RX pool on its first tick (spec §4.6 step 4) to amortize first-touch cost
// across peers, and never during endpoint construction, since some
// endpoints are never used.
//
// Storage is chunked rather than one contiguous, ever-growing slice: each
// chunk is a separately heap-allocated [ChunkSize]T behind a pointer, so
// appending a new chunk to the chunks slice only ever copies pointers, never
// the T values themselves. A plain append-growable []T slab would silently
// invalidate every *T a caller is holding (e.g. entries already linked into
// a peer's queued lists via &entry.Node) the moment a second Grow()
// reallocated it — this mirrors the fixed-array-per-node technique
// ChunkedIngress uses for the same reason (cache-local, pointer-stable
// chunks instead of one reallocating slice).
type Pool[T any] struct {
	name    string
	chunks  []*[ChunkSize]T
	free    []uint32 // stack of free slot indices
	inUse   mapset.Set[uint32]
	metrics *efametrics.PoolMetrics

	regs       []any // one registration handle per chunk, index = chunk number
	registrar  Registrar
	chunkBytes int // byte size of a chunk's backing storage, for the registrar
}

// New constructs an empty pool. chunkBytes is only meaningful when registrar
// is non-nil (packet pools registered with the NIC); it is ignored
// otherwise.
func New[T any](name string, registrar Registrar, chunkBytes int, m *efametrics.PoolMetrics) *Pool[T] {
	return &Pool[T]{
		name:       name,
		inUse:      mapset.NewSet[uint32](),
		registrar:  registrar,
		chunkBytes: chunkBytes,
		metrics:    m,
	}
}

// Grow allocates one additional chunk of ChunkSize slots, registering it
// with the NIC if this pool carries a Registrar. The new chunk's backing
// array is allocated once and never moved again, so every *T handed out by
// Acquire/SlotFromIndex before or after a Grow() call stays valid for the
// life of the pool.
func (p *Pool[T]) Grow() error {
	chunkIdx := uint32(len(p.chunks))
	start := chunkIdx * ChunkSize
	chunk := new([ChunkSize]T)
	p.chunks = append(p.chunks, chunk)
	for i := ChunkSize - 1; i >= 0; i-- {
		p.free = append(p.free, start+uint32(i))
	}

	if p.registrar != nil {
		handle, err := p.registrar.RegisterChunk(make([]byte, p.chunkBytes))
		if err != nil {
			// Roll back the new chunk; the caller treats registration
			// failure on the fallback-capable path as non-fatal, but an
			// unregistered chunk must never be handed out as "registered".
			// Only the newly appended chunk pointer and its free-stack
			// entries are dropped — no previously acquired *T is affected.
			p.chunks = p.chunks[:chunkIdx]
			p.free = p.free[:len(p.free)-ChunkSize]
			return err
		}
		p.regs = append(p.regs, handle)
	}

	if p.metrics != nil {
		p.metrics.Capacity.Add(float64(ChunkSize))
	}
	return nil
}

// slotPtr returns a pointer to the element at the global index idx.
func (p *Pool[T]) slotPtr(idx uint32) *T {
	return &p.chunks[idx/ChunkSize][idx%ChunkSize]
}

// Acquire returns a free slot index and a pointer to its storage, or
// ErrPoolExhausted if every slot (across all grown chunks) is in use.
// Acquire never grows the pool implicitly.
func (p *Pool[T]) Acquire() (uint32, *T, error) {
	if len(p.free) == 0 {
		if p.metrics != nil {
			p.metrics.Exhausted.Inc()
		}
		return 0, nil, efaerr.ErrPoolExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse.Add(idx)
	if p.metrics != nil {
		p.metrics.InUse.Set(float64(p.inUse.Cardinality()))
	}
	return idx, p.slotPtr(idx), nil
}

// Release returns slot back to the free stack. Releasing a slot not
// currently in use is an invariant violation.
func (p *Pool[T]) Release(slot uint32) {
	if !p.inUse.Contains(slot) {
		efaerr.Invariant("pool: release of slot not in use: " + p.name)
	}
	p.inUse.Remove(slot)
	p.free = append(p.free, slot)
	if p.metrics != nil {
		p.metrics.InUse.Set(float64(p.inUse.Cardinality()))
	}
}

// SlotFromIndex returns a pointer to the element at idx without acquiring
// it; used by packet headers/work-request IDs to resolve a compact slot
// index back to the owning object.
func (p *Pool[T]) SlotFromIndex(idx uint32) *T {
	return p.slotPtr(idx)
}

// IndexFromSlot returns the stable slot index for a pointer previously
// returned by Acquire/SlotFromIndex. Storage is chunked behind per-chunk
// pointers (never one contiguous, reallocating slice), so the index can no
// longer be recovered by simple pointer arithmetic against a single base
// address; instead each chunk's address range is checked in turn via
// unsafe.Pointer arithmetic, which is safe here because slot always points
// at a live element of exactly one of p.chunks.
func (p *Pool[T]) IndexFromSlot(slot *T) uint32 {
	target := uintptr(unsafe.Pointer(slot))
	var zero T
	elemSize := unsafe.Sizeof(zero)
	for ci, chunk := range p.chunks {
		base := uintptr(unsafe.Pointer(&chunk[0]))
		span := elemSize * ChunkSize
		if target >= base && target < base+span {
			offset := (target - base) / elemSize
			return uint32(ci)*ChunkSize + uint32(offset)
		}
	}
	efaerr.Invariant("pool: slot does not belong to any chunk of this pool: " + p.name)
	return 0
}

// InUseCount reports the number of slots currently acquired; used by
// Close() to detect orphaned entries (spec §4.7, §8 "After close, every
// pool's in-use count is zero").
func (p *Pool[T]) InUseCount() int {
	return p.inUse.Cardinality()
}

// InUseSlots returns the acquired slot indices, for orphan-warning reports
// at Close().
func (p *Pool[T]) InUseSlots() []uint32 {
	return p.inUse.ToSlice()
}

// Reset forcibly clears all in-use accounting and re-seeds the free list to
// the pool's currently grown capacity. This is the watchdog's last-resort
// recovery path (spec §5, §9): never a normal operation, always logged by
// the caller as a loud warning.
func (p *Pool[T]) Reset() {
	p.inUse.Clear()
	p.free = p.free[:0]
	for i := p.Capacity() - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}
	if p.metrics != nil {
		p.metrics.InUse.Set(0)
		p.metrics.Resets.Inc()
	}
}

// Capacity returns the total number of slots across all grown chunks.
func (p *Pool[T]) Capacity() int {
	return len(p.chunks) * ChunkSize
}

// Close releases every chunk registration. Callers must have already
// verified InUseCount() == 0 (or accepted the orphan warnings) before
// calling Close.
func (p *Pool[T]) Close() error {
	if p.registrar == nil {
		return nil
	}
	var firstErr error
	for _, h := range p.regs {
		if err := p.registrar.ReleaseChunk(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.regs = nil
	return firstErr
}

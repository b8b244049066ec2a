package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/efacore/efaerr"
)

func TestAcquireBeforeGrowIsExhausted(t *testing.T) {
	p := New[int]("t", nil, 0, nil)
	_, _, err := p.Acquire()
	assert.ErrorIs(t, err, efaerr.ErrPoolExhausted)
}

func TestGrowAcquireRelease(t *testing.T) {
	p := New[int]("t", nil, 0, nil)
	require.NoError(t, p.Grow())
	assert.Equal(t, ChunkSize, p.Capacity())

	slot, v, err := p.Acquire()
	require.NoError(t, err)
	*v = 42
	assert.Equal(t, 1, p.InUseCount())
	assert.Equal(t, 42, *p.SlotFromIndex(slot))

	p.Release(slot)
	assert.Equal(t, 0, p.InUseCount())
}

func TestAcquireExhaustsWholeChunk(t *testing.T) {
	p := New[int]("t", nil, 0, nil)
	require.NoError(t, p.Grow())

	for i := 0; i < ChunkSize; i++ {
		_, _, err := p.Acquire()
		require.NoError(t, err)
	}
	_, _, err := p.Acquire()
	assert.ErrorIs(t, err, efaerr.ErrPoolExhausted)
}

func TestReleaseNotInUsePanics(t *testing.T) {
	p := New[int]("t", nil, 0, nil)
	require.NoError(t, p.Grow())
	assert.Panics(t, func() { p.Release(0) })
}

func TestIndexFromSlotRoundTrips(t *testing.T) {
	p := New[int]("t", nil, 0, nil)
	require.NoError(t, p.Grow())
	slot, v, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, slot, p.IndexFromSlot(v))
}

// TestSecondGrowPreservesEarlierPointers is the regression test for the bug
// where Grow() appended directly onto a single []T slab: a second Grow()
// call while slots from the first chunk were still acquired would
// reallocate the slab and silently invalidate every previously-returned *T,
// desyncing anything that had already linked that pointer into an
// intrusive list from the pool's own index-based lookups.
func TestSecondGrowPreservesEarlierPointers(t *testing.T) {
	p := New[int]("t", nil, 0, nil)
	require.NoError(t, p.Grow())

	slot, v, err := p.Acquire()
	require.NoError(t, err)
	*v = 99

	require.NoError(t, p.Grow())

	assert.Equal(t, 99, *v, "pointer from before the second Grow must still be valid")
	assert.Equal(t, 99, *p.SlotFromIndex(slot), "index lookup must still resolve to the same storage")
	assert.Equal(t, slot, p.IndexFromSlot(v), "the pointer must still round-trip to its original index")
	assert.Equal(t, 2*ChunkSize, p.Capacity())
}

func TestResetReclaimsEverything(t *testing.T) {
	p := New[int]("t", nil, 0, nil)
	require.NoError(t, p.Grow())
	for i := 0; i < 10; i++ {
		_, _, err := p.Acquire()
		require.NoError(t, err)
	}
	assert.Equal(t, 10, p.InUseCount())

	p.Reset()
	assert.Equal(t, 0, p.InUseCount())
	assert.Equal(t, ChunkSize, p.Capacity())
}

type fakeRegistrar struct {
	registered, released int
	failNext              bool
}

func (r *fakeRegistrar) RegisterChunk(chunk []byte) (any, error) {
	if r.failNext {
		return nil, errors.New("registration failed")
	}
	r.registered++
	return r.registered, nil
}

func (r *fakeRegistrar) ReleaseChunk(handle any) error {
	r.released++
	return nil
}

func TestGrowRegistersWithRegistrar(t *testing.T) {
	reg := &fakeRegistrar{}
	p := New[int]("t", reg, 64, nil)
	require.NoError(t, p.Grow())
	assert.Equal(t, 1, reg.registered)

	require.NoError(t, p.Close())
	assert.Equal(t, 1, reg.released)
}

func TestGrowRollsBackOnRegistrationFailure(t *testing.T) {
	reg := &fakeRegistrar{failNext: true}
	p := New[int]("t", reg, 64, nil)
	err := p.Grow()
	require.Error(t, err)
	assert.Equal(t, 0, p.Capacity())
}

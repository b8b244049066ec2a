package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

func TestTryDeductCredits(t *testing.T) {
	p := New(ids.GenerateTestNodeID(), false, time.Millisecond)
	p.GrantCredits(100)

	assert.True(t, p.TryDeductCredits(60))
	assert.Equal(t, 40, p.TxCredits)

	assert.False(t, p.TryDeductCredits(41))
	assert.Equal(t, 40, p.TxCredits, "failed deduction must not mutate state")

	assert.True(t, p.TryDeductCredits(0))
}

func TestEnterBackoffDoublesAndCaps(t *testing.T) {
	p := New(ids.GenerateTestNodeID(), false, 10*time.Millisecond)
	now := time.Now()

	p.EnterBackoff(now, 100*time.Millisecond)
	assert.True(t, p.InBackoff(now))
	assert.False(t, p.InBackoff(now.Add(20*time.Millisecond)))

	// second RNR should double the window again, capped at maxBackoff
	p.EnterBackoff(now, 100*time.Millisecond)
	assert.True(t, p.InBackoff(now.Add(20*time.Millisecond)))
}

func TestExpireBackoff(t *testing.T) {
	p := New(ids.GenerateTestNodeID(), false, time.Millisecond)
	now := time.Now()
	p.EnterBackoff(now, time.Second)

	require.False(t, p.ExpireBackoff(now))
	assert.True(t, p.ExpireBackoff(now.Add(time.Second)))
	assert.False(t, p.InBackoff(now.Add(time.Second)))
}

func TestOutstandingTx(t *testing.T) {
	p := New(ids.GenerateTestNodeID(), false, time.Millisecond)
	p.NICOutstandingTx = 2
	p.SHMOutstandingTx = 1
	assert.Equal(t, 3, p.OutstandingTx())
}

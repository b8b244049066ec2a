package endpoint

import (
	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/transfer"
)

// cq is the bounded user-visible completion queue spec §4.7 requires every
// endpoint to own. It has no lock of its own: every call into it happens
// while the endpoint's single coarse mutex (spec §5) is already held.
type cq struct {
	entries []transfer.Completion
	max     int
}

func newCQ(max int) *cq {
	return &cq{max: max}
}

// push appends c, returning efaerr.ErrPoolExhausted once the queue is at
// capacity — callers log and drop rather than block the progress loop
// (spec §9: a full user CQ is a backpressure signal to the application, not
// a reason to stall internal progress).
func (c *cq) push(comp transfer.Completion) error {
	if c.max > 0 && len(c.entries) >= c.max {
		return efaerr.ErrPoolExhausted
	}
	c.entries = append(c.entries, comp)
	return nil
}

// drain removes and returns up to max queued completions (all of them if
// max <= 0).
func (c *cq) drain(max int) []transfer.Completion {
	if max <= 0 || max > len(c.entries) {
		max = len(c.entries)
	}
	out := c.entries[:max]
	c.entries = c.entries[max:]
	return out
}

func (c *cq) len() int {
	return len(c.entries)
}

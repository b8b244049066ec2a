// Package readengine declares the long-message read-protocol collaborator
// contract (spec §1): the mechanics of driving a multi-packet RDMA read to
// completion are out of this core's scope; the progress engine only needs
// to submit a read and learn when it has transitioned to SUBMITTED (spec
// §4.6 step 10).
package readengine

// Engine is implemented by the read-protocol collaborator.
type Engine interface {
	// SubmitRead posts a read for entrySlot (a TxEntry in the
	// read-request op kind) and reports whether it was accepted; a false
	// return leaves the entry on read_pending_list for the next tick.
	SubmitRead(entrySlot uint32) (submitted bool, err error)
}

// NoopEngine is a read engine that never accepts a submission, used where
// no read-capable transport is configured (spec §4.7 "Enable... declares
// extra protocol features (e.g. read capability)" — absent that feature,
// read-request operations simply never drain from read_pending_list).
type NoopEngine struct{}

func (NoopEngine) SubmitRead(entrySlot uint32) (bool, error) {
	return false, nil
}

var _ Engine = NoopEngine{}

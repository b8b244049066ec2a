// Package efaerr declares the error kinds named in the endpoint core's error
// handling design: pool exhaustion, transport back-pressure, RNR, transport
// failure, registration failure and cancellation. Every internal send path
// returns one of these (or wraps one with fmt.Errorf's %w) rather than an
// ad-hoc string, so callers can classify failures with errors.Is.
package efaerr

import "errors"

var (
	// ErrPoolExhausted is returned by pool.Pool.Acquire when no free slot
	// remains. Never fatal: the caller returns a transient error and a
	// later progress tick may succeed once entries are released.
	ErrPoolExhausted = errors.New("efacore: pool exhausted")

	// ErrEAGAIN signals transient transport back-pressure. The caller
	// re-queues the work on the appropriate queued-*-list; this error is
	// never surfaced to the application.
	ErrEAGAIN = errors.New("efacore: transport busy (EAGAIN)")

	// ErrRNR signals receiver-not-ready back-pressure from the remote
	// peer. The peer enters backoff and the packet is retained for
	// retransmission.
	ErrRNR = errors.New("efacore: receiver not ready (RNR)")

	// ErrTransport is an unrecoverable transport error. Wrapped with
	// fmt.Errorf("%w: ...", ErrTransport) and written to the user CQ as
	// an error completion; the owning entry is terminated.
	ErrTransport = errors.New("efacore: unrecoverable transport error")

	// ErrRegistration is returned when memory registration fails. On the
	// long-message path this is logged and the caller falls back to an
	// unregistered post; on paths that require registration it is fatal
	// to the operation.
	ErrRegistration = errors.New("efacore: memory registration failed")

	// ErrCanceled is the error carried by a user completion written in
	// response to Endpoint.Cancel. It is never a provider-level error.
	ErrCanceled = errors.New("efacore: operation canceled")

	// ErrAddressNotResolved is returned synchronously when an application
	// submits against an address that is not present in the bound
	// address vector.
	ErrAddressNotResolved = errors.New("efacore: address not in address vector")

	// ErrEndpointClosed is returned by any public entry point called
	// after Endpoint.Close.
	ErrEndpointClosed = errors.New("efacore: endpoint closed")

	// ErrNotFound is returned by Cancel when no matching entry exists on
	// the searched list.
	ErrNotFound = errors.New("efacore: no matching entry")

	// ErrEndpointFatal marks an endpoint that has observed a non-EAGAIN
	// failure sending a peer's first handshake packet. Spec §9 leaves
	// per-peer isolation as an open question and resolves it here as
	// "fatal to the endpoint": every subsequent public entry point
	// returns this error until Close.
	ErrEndpointFatal = errors.New("efacore: endpoint in fatal state")
)

// Invariant panics with a message identifying a broken internal invariant
// (e.g. an unknown opcode dispatched to the packet codec). Per spec §7,
// an invariant violation leaves the endpoint in an undefined state and is
// never recovered locally.
func Invariant(msg string) {
	panic("efacore: invariant violation: " + msg)
}

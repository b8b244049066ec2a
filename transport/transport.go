// Package transport declares the boundary this core sits on top of (spec
// §6): an unreliable fixed-MTU datagram transport with hardware send/recv
// completion notification, RNR back-pressure, and optional one-sided read.
// Two concrete transports exist conceptually — the NIC and an optional
// node-local shared-memory path — represented here by one interface shape
// (Transport) implemented twice.
package transport

import "github.com/luxfi/ids"

// Kind distinguishes which transport a packet was allocated from/posted to,
// the "where-allocated-from" tag the posting layer dispatches on (spec §9).
type Kind uint8

const (
	KindNIC Kind = iota
	KindSHM
)

func (k Kind) String() string {
	if k == KindSHM {
		return "shm"
	}
	return "nic"
}

// Opcode identifies what kind of completion was observed.
type Opcode uint8

const (
	OpSend Opcode = iota
	OpRecv
	OpRead
)

// IOVec is one segment of an IO-vector handed to the transport: a buffer
// plus an opaque per-segment NIC-descriptor handle obtained from the memory
// registration collaborator (nil when posting is unregistered or this
// segment needs none).
type IOVec struct {
	Buf  []byte
	Desc any
}

// PostFlags carries the boolean bits the core sets on every post.
type PostFlags struct {
	// MoreToCome is true on every post except the last in a batch; the
	// transport may defer its doorbell ring until a post with
	// MoreToCome == false arrives (spec §9).
	MoreToCome bool
}

// Completion is what a completion queue drain yields: spec §6's
// (context, opcode, status, byte-count, source-identifier) tuple.
type Completion struct {
	Context  any
	Opcode   Opcode
	Bytes    int
	// SrcSLID/SrcQPN identify the sender on the NIC transport; zero value
	// means "unavailable" (first-contact handshake, spec §4.3).
	SrcSLID uint32
	SrcQPN  uint32
	// SrcSHMAddr identifies the sender on the SHM transport, translated
	// via resolver.TranslateSHMToEndpoint before dispatch.
	SrcSHMAddr uint64
}

// ErrCompletion is a completion carrying an error, drained via a separate
// call per spec §4.3.
type ErrCompletion struct {
	Context      any
	Opcode       Opcode
	Status       ErrStatus
	ProviderCode int
}

// ErrStatus classifies an error completion so completion.Processor can route
// it to a retry (RNR) or a terminal user error.
type ErrStatus uint8

const (
	StatusUnknown ErrStatus = iota
	StatusRNR
	StatusFatal
)

// PackAddr derives a synthetic NIC source identifier (slid, qpn) from an
// opaque endpoint address. Real providers hand back this identifier from
// fi_av_insert-style address-vector registration at bind time, before any
// packet ever arrives; packing it from the address itself lets a minimal
// transport (package transport/mock, and any other provider with no
// separate addressing namespace) model that same bind-time-known property
// without inventing a registration round trip.
func PackAddr(addr ids.NodeID) (slid, qpn uint32) {
	return uint32(addr[0]) | uint32(addr[1])<<8, uint32(addr[2])
}

// Transport is implemented once for the NIC and once (optionally) for
// shared memory. All methods must be non-blocking: a post that cannot be
// accepted returns ErrBusy rather than blocking the single-threaded
// progress loop.
type Transport interface {
	Kind() Kind

	// PostSend posts iovs as one outbound packet to dest, tagged with
	// context (recovered on completion) and flags.MoreToCome.
	PostSend(dest ids.NodeID, iovs []IOVec, context any, flags PostFlags) error

	// PostRecv posts iovs as a receive buffer (either the tail of an
	// application buffer for a zero-copy user receive, or a
	// provider-owned wildcard buffer), tagged with context.
	PostRecv(iovs []IOVec, context any, flags PostFlags) error

	// PostRead posts a one-sided read of remote memory described by
	// remoteDesc into iovs, if this transport supports it (NIC only;
	// SHM implementations return ErrReadUnsupported).
	PostRead(dest ids.NodeID, iovs []IOVec, remoteDesc any, remoteOffset uint64, context any, flags PostFlags) error

	// DrainCQ returns up to max completions without blocking.
	DrainCQ(max int) []Completion

	// DrainErrorCQ returns up to max error completions without blocking.
	DrainErrorCQ(max int) []ErrCompletion

	// Flush forces any doorbell deferred by MoreToCome batching to ring
	// now; called at the end of every progress tick (spec §4.6 step 11).
	Flush()

	// MTU is the maximum packet size on this transport.
	MTU() int
}

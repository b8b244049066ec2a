// Package mock provides a deterministic, non-blocking in-memory transport
// pair used by scenario tests (spec §8) and cmd/efaendpointd's demo harness.
// It satisfies transport.Transport without touching real hardware, playing
// the role the pack's go.uber.org/mock-generated doubles would for the real
// NIC/SHM transports — hand-rolled here since no .mock.go output for this
// interface exists in the retrieval pack to adapt verbatim.
package mock

import (
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/transport"
)

// Loopback is a pair-wired mock transport: sends posted on one endpoint land
// as completions (and eventually recv completions) on its Peer.
type Loopback struct {
	mu   sync.Mutex
	kind transport.Kind
	mtu  int
	self ids.NodeID

	peer *Loopback

	sendCQ  []transport.Completion
	recvQ   []pendingRecv  // posted receive buffers awaiting a matching send
	unmatch []unmatchedMsg // data arrived with no posted receive buffer yet

	errCQ []transport.ErrCompletion

	// RejectNextSend, when > 0, makes the next N PostSend calls fail with
	// transport.ErrRNR instead of succeeding — used to drive scenario 3
	// ("RNR then retry").
	RejectNextSend int

	flushed bool
}

type pendingRecv struct {
	iovs    []transport.IOVec
	context any
}

type unmatchedMsg struct {
	data []byte
	from ids.NodeID
}

// NewLoopbackPair returns two transports wired to each other.
func NewLoopbackPair(kind transport.Kind, mtu int, a, b ids.NodeID) (*Loopback, *Loopback) {
	t1 := &Loopback{kind: kind, mtu: mtu, self: a}
	t2 := &Loopback{kind: kind, mtu: mtu, self: b}
	t1.peer = t2
	t2.peer = t1
	return t1, t2
}

func (t *Loopback) Kind() transport.Kind { return t.kind }
func (t *Loopback) MTU() int             { return t.mtu }

func (t *Loopback) PostSend(dest ids.NodeID, iovs []transport.IOVec, context any, flags transport.PostFlags) error {
	t.mu.Lock()
	if t.RejectNextSend > 0 {
		t.RejectNextSend--
		t.mu.Unlock()
		return transport.ErrRNR
	}
	t.mu.Unlock()

	total := 0
	buf := make([]byte, 0)
	for _, iov := range iovs {
		buf = append(buf, iov.Buf...)
		total += len(iov.Buf)
	}

	t.mu.Lock()
	t.sendCQ = append(t.sendCQ, transport.Completion{Context: context, Opcode: transport.OpSend, Bytes: total})
	t.mu.Unlock()

	t.peer.deliver(buf, t.self)
	return nil
}

func (t *Loopback) deliver(data []byte, from ids.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.recvQ) == 0 {
		t.unmatch = append(t.unmatch, unmatchedMsg{data: data, from: from})
		return
	}
	rx := t.recvQ[0]
	t.recvQ = t.recvQ[1:]
	n := copyInto(rx.iovs, data)
	slid, qpn := transport.PackAddr(from)
	t.sendCQ = append(t.sendCQ, transport.Completion{
		Context: rx.context,
		Opcode:  transport.OpRecv,
		Bytes:   n,
		SrcSLID: slid,
		SrcQPN:  qpn,
	})
}

func copyInto(iovs []transport.IOVec, data []byte) int {
	n := 0
	for _, iov := range iovs {
		if len(data) == 0 {
			break
		}
		c := copy(iov.Buf, data)
		data = data[c:]
		n += c
	}
	return n
}

func (t *Loopback) PostRecv(iovs []transport.IOVec, context any, flags transport.PostFlags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.unmatch) > 0 {
		msg := t.unmatch[0]
		t.unmatch = t.unmatch[1:]
		n := copyInto(iovs, msg.data)
		slid, qpn := transport.PackAddr(msg.from)
		t.sendCQ = append(t.sendCQ, transport.Completion{Context: context, Opcode: transport.OpRecv, Bytes: n, SrcSLID: slid, SrcQPN: qpn})
		return nil
	}
	t.recvQ = append(t.recvQ, pendingRecv{iovs: iovs, context: context})
	return nil
}

func (t *Loopback) PostRead(dest ids.NodeID, iovs []transport.IOVec, remoteDesc any, remoteOffset uint64, context any, flags transport.PostFlags) error {
	return transport.ErrReadUnsupported
}

func (t *Loopback) DrainCQ(max int) []transport.Completion {
	t.mu.Lock()
	defer t.mu.Unlock()

	if max <= 0 || max > len(t.sendCQ) {
		max = len(t.sendCQ)
	}
	out := t.sendCQ[:max]
	t.sendCQ = t.sendCQ[max:]
	return out
}

func (t *Loopback) DrainErrorCQ(max int) []transport.ErrCompletion {
	t.mu.Lock()
	defer t.mu.Unlock()

	if max <= 0 || max > len(t.errCQ) {
		max = len(t.errCQ)
	}
	out := t.errCQ[:max]
	t.errCQ = t.errCQ[max:]
	return out
}

func (t *Loopback) Flush() {
	t.mu.Lock()
	t.flushed = true
	t.mu.Unlock()
}

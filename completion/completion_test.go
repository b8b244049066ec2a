package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/transfer"
	"github.com/luxfi/efacore/transport"
)

// fakeTransport is a minimal transport.Transport double that only serves
// DrainCQ/DrainErrorCQ from a preloaded queue; every post method panics, as
// no test here exercises posting.
type fakeTransport struct {
	kind    transport.Kind
	comps   []transport.Completion
	errs    []transport.ErrCompletion
}

func (f *fakeTransport) Kind() transport.Kind { return f.kind }
func (f *fakeTransport) PostSend(ids.NodeID, []transport.IOVec, any, transport.PostFlags) error {
	panic("not used")
}
func (f *fakeTransport) PostRecv([]transport.IOVec, any, transport.PostFlags) error {
	panic("not used")
}
func (f *fakeTransport) PostRead(ids.NodeID, []transport.IOVec, any, uint64, any, transport.PostFlags) error {
	panic("not used")
}
func (f *fakeTransport) DrainCQ(max int) []transport.Completion {
	if max > len(f.comps) {
		max = len(f.comps)
	}
	out := f.comps[:max]
	f.comps = f.comps[max:]
	return out
}
func (f *fakeTransport) DrainErrorCQ(max int) []transport.ErrCompletion {
	if max > len(f.errs) {
		max = len(f.errs)
	}
	out := f.errs[:max]
	f.errs = f.errs[max:]
	return out
}
func (f *fakeTransport) Flush()   {}
func (f *fakeTransport) MTU() int { return 0 }

// fakePeer satisfies Peer with no bookkeeping beyond its address.
type fakePeer struct {
	addr      ids.NodeID
	unlinked  []*transfer.Packet
}

func (p *fakePeer) Addr() ids.NodeID { return p.addr }
func (p *fakePeer) UnlinkTxPacket(pkt *transfer.Packet) {
	p.unlinked = append(p.unlinked, pkt)
}

// fakeResolver resolves every source identifier to one fixed peer.
type fakeResolver struct {
	byAddr map[ids.NodeID]*fakePeer
	bySrc  *fakePeer // nil means "unknown source"
}

func (r *fakeResolver) PeerFromAddr(addr ids.NodeID) (*fakePeer, bool) {
	p, ok := r.byAddr[addr]
	return p, ok
}
func (r *fakeResolver) PeerFromSourceIdentifier(uint32, uint32) (*fakePeer, bool) {
	if r.bySrc == nil {
		return nil, false
	}
	return r.bySrc, true
}
func (r *fakeResolver) TranslateSHMToEndpoint(shmAddr uint64) (ids.NodeID, bool) {
	if r.bySrc == nil {
		return ids.EmptyNodeID, false
	}
	return r.bySrc.addr, true
}

// fakeDispatcher records every codec.Dispatcher callback it receives.
type fakeDispatcher struct {
	sendCompletes []fakeSendComplete
	recvCompletes []fakeRecvComplete
	sendErrors    []fakeErr
	recvErrors    []fakeErr
}

type fakeSendComplete struct {
	kind  transfer.EntryKind
	slot  uint32
	bytes int
}
type fakeRecvComplete struct {
	kind     transfer.EntryKind
	slot     uint32
	bytes    int
	tag      uint64
	src      ids.NodeID
	srcKnown bool
}
type fakeErr struct {
	kind transfer.EntryKind
	slot uint32
}

func (d *fakeDispatcher) OnSendComplete(kind transfer.EntryKind, slot uint32, bytes int) {
	d.sendCompletes = append(d.sendCompletes, fakeSendComplete{kind, slot, bytes})
}
func (d *fakeDispatcher) OnRecvComplete(kind transfer.EntryKind, slot uint32, bytes int, tag uint64, src ids.NodeID, srcKnown bool) {
	d.recvCompletes = append(d.recvCompletes, fakeRecvComplete{kind, slot, bytes, tag, src, srcKnown})
}
func (d *fakeDispatcher) OnSendError(kind transfer.EntryKind, slot uint32, _ transport.ErrStatus, _ int) {
	d.sendErrors = append(d.sendErrors, fakeErr{kind, slot})
}
func (d *fakeDispatcher) OnRecvError(kind transfer.EntryKind, slot uint32, _ transport.ErrStatus, _ int) {
	d.recvErrors = append(d.recvErrors, fakeErr{kind, slot})
}

func TestDrainNICDispatchesSendAndRecv(t *testing.T) {
	peer := &fakePeer{addr: ids.GenerateTestNodeID()}
	nic := &fakeTransport{kind: transport.KindNIC, comps: []transport.Completion{
		{Context: uint32(3), Opcode: transport.OpRecv, Bytes: 128, SrcSLID: 1, SrcQPN: 2},
		{Context: &transfer.Packet{OwnerKind: transfer.EntryTx, OwnerSlot: 7, Tag: 42, Peer: peer}, Opcode: transport.OpSend, Bytes: 64},
	}}
	disp := &fakeDispatcher{}
	p := &Processor[*fakePeer]{
		NIC:        nic,
		Resolver:   &fakeResolver{bySrc: peer},
		Dispatcher: disp,
		CQReadSize: 16,
	}

	n := p.DrainNIC()
	require.Equal(t, 2, n)

	require.Len(t, disp.recvCompletes, 1)
	assert.Equal(t, transfer.EntryRx, disp.recvCompletes[0].kind)
	assert.Equal(t, uint32(3), disp.recvCompletes[0].slot)
	assert.Equal(t, 128, disp.recvCompletes[0].bytes)
	assert.True(t, disp.recvCompletes[0].srcKnown)
	assert.Equal(t, peer.addr, disp.recvCompletes[0].src)

	require.Len(t, disp.sendCompletes, 1)
	assert.Equal(t, transfer.EntryTx, disp.sendCompletes[0].kind)
	assert.Equal(t, uint32(7), disp.sendCompletes[0].slot)
	assert.Equal(t, 64, disp.sendCompletes[0].bytes)
	assert.Len(t, peer.unlinked, 1, "a send completion unlinks its packet from the peer's outstanding list")
}

func TestDrainNICUnknownSourceMarksUnavailable(t *testing.T) {
	nic := &fakeTransport{kind: transport.KindNIC, comps: []transport.Completion{
		{Context: uint32(0), Opcode: transport.OpRecv, Bytes: 16},
	}}
	disp := &fakeDispatcher{}
	p := &Processor[*fakePeer]{
		NIC:        nic,
		Resolver:   &fakeResolver{},
		Dispatcher: disp,
		CQReadSize: 16,
	}

	p.DrainNIC()
	require.Len(t, disp.recvCompletes, 1)
	assert.False(t, disp.recvCompletes[0].srcKnown)
	assert.Equal(t, ids.EmptyNodeID, disp.recvCompletes[0].src)
}

func TestDrainSHMNoopWhenDisabled(t *testing.T) {
	p := &Processor[*fakePeer]{Resolver: &fakeResolver{}, Dispatcher: &fakeDispatcher{}}
	assert.Equal(t, 0, p.DrainSHM())
}

func TestDrainErrorsRoutesByOpcode(t *testing.T) {
	peer := &fakePeer{addr: ids.GenerateTestNodeID()}
	nic := &fakeTransport{kind: transport.KindNIC, errs: []transport.ErrCompletion{
		{Context: &transfer.Packet{OwnerKind: transfer.EntryRx, OwnerSlot: 1, Peer: peer}, Opcode: transport.OpRecv, Status: transport.StatusRNR},
		{Context: &transfer.Packet{OwnerKind: transfer.EntryTx, OwnerSlot: 2, Peer: peer}, Opcode: transport.OpSend, Status: transport.StatusFatal},
	}}
	disp := &fakeDispatcher{}
	p := &Processor[*fakePeer]{NIC: nic, Resolver: &fakeResolver{}, Dispatcher: disp, CQReadSize: 16}

	n := p.DrainErrors()
	require.Equal(t, 2, n)
	require.Len(t, disp.recvErrors, 1)
	assert.Equal(t, uint32(1), disp.recvErrors[0].slot)
	require.Len(t, disp.sendErrors, 1)
	assert.Equal(t, uint32(2), disp.sendErrors[0].slot)
	assert.Len(t, peer.unlinked, 2, "both error completions unlink their packets")
}

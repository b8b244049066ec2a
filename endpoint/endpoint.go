// Package endpoint implements the lifecycle of spec §4.7 — construct, bind,
// enable, cancel, close — and the application-facing submission boundary
// (send/receive/write/read/atomics) of spec §6, wiring together every
// lower-layer package (pool, peer, transfer, posting, completion, progress)
// behind the single coarse mutex of spec §5.
package endpoint

import (
	"errors"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/efacore/completion"
	"github.com/luxfi/efacore/efaclock"
	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/efalog"
	"github.com/luxfi/efacore/efametrics"
	"github.com/luxfi/efacore/peer"
	"github.com/luxfi/efacore/pool"
	"github.com/luxfi/efacore/posting"
	"github.com/luxfi/efacore/progress"
	"github.com/luxfi/efacore/readengine"
	"github.com/luxfi/efacore/resolver"
	"github.com/luxfi/efacore/transfer"
	"github.com/luxfi/efacore/transport"
)

// Opt identifies an endpoint-level option settable via SetOpt/GetOpt.
type Opt int

const (
	// OptMinMultiRecv is the minimum remaining-space threshold below which
	// a multi-receive buffer stops accepting new consumers (spec §4.5
	// GLOSSARY "MIN_MULTI_RECV").
	OptMinMultiRecv Opt = iota
)

// Config bundles every collaborator and tunable an Endpoint needs at
// construction. NIC is required; every other transport/collaborator field
// defaults to a usable value (SHM disabled, wall-clock time, root logger,
// no metrics registry, a read engine that never accepts submissions).
type Config struct {
	LocalAddr ids.NodeID

	NIC transport.Transport
	SHM transport.Transport // nil disables the shared-memory fast path

	Clock      efaclock.Clock
	Log        efalog.Logger
	Metrics    *prometheus.Registry
	ReadEngine readengine.Engine

	Progress progress.Config

	// CQSize bounds the user-visible completion queue; 0 means unbounded.
	CQSize int
	// CQReadSize bounds how many completions completion.Processor drains
	// from one transport per call (spec §4.3 "efa_cq_read_size"); 0
	// defaults to 32.
	CQReadSize int
	// SrcCacheSize bounds the resolver's source-identifier LRU.
	SrcCacheSize int
	// MinMultiRecv seeds OptMinMultiRecv.
	MinMultiRecv int
	// InitialBackoff seeds every new peer's backoff window (spec §5, §9).
	InitialBackoff time.Duration
}

// Endpoint is one reliable datagram messaging endpoint (spec §3 "Endpoint").
// Every public method (besides the read-only accessors) takes the single
// coarse lock for its entire body, per spec §5: "a single endpoint-wide
// mutex synchronizes all endpoint state; no finer-grained locking exists."
type Endpoint struct {
	mu sync.Mutex

	clock efaclock.Clock
	log   efalog.Logger

	cfg Config

	txPool *pool.Pool[transfer.TxEntry]
	rxPool *pool.Pool[transfer.RxEntry]

	peers    *peer.Table
	resolver *resolver.Cache[*peer.Peer]

	posting    *posting.Layer
	completion *completion.Processor[*peer.Peer]
	engine     *progress.Engine

	cq *cq

	// unexpected holds RxEntry objects in state UNEXP: messages that
	// arrived on an internally-posted wildcard buffer before any matching
	// application receive was posted (spec §4.5, scenario "unexpected
	// receive then post").
	unexpected transfer.List

	minMultiRecv int

	bound, enabled, closed bool
	fatalErr               error
}

// New constructs an Endpoint from cfg. The returned Endpoint is neither
// bound nor enabled; call Bind then Enable before submitting operations
// (spec §4.7).
func New(cfg Config) *Endpoint {
	if cfg.Clock == nil {
		cfg.Clock = efaclock.Real{}
	}
	if cfg.Log == nil {
		cfg.Log = efalog.Root()
	}
	if cfg.ReadEngine == nil {
		cfg.ReadEngine = readengine.NoopEngine{}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Millisecond
	}

	reg := prometheus.Registerer(nil)
	if cfg.Metrics != nil {
		reg = cfg.Metrics
	}

	txPool := pool.New[transfer.TxEntry]("tx_entry", nil, 0, efametrics.NewPoolMetrics(reg, "tx_entry"))
	rxPool := pool.New[transfer.RxEntry]("rx_entry", nil, 0, efametrics.NewPoolMetrics(reg, "rx_entry"))
	// Entry pools have no Registrar (unlike the NIC/SHM recv-buffer pools
	// grown lazily by the progress engine on first tick), so Grow can never
	// fail here; seed one chunk up front rather than starting every
	// endpoint with zero acquirable TxEntry/RxEntry slots.
	_ = txPool.Grow()
	_ = rxPool.Grow()
	nicBufs := pool.New[progress.RecvBuffer]("nic_recv_buf", nil, 0, efametrics.NewPoolMetrics(reg, "nic_recv_buf"))
	var shmBufs *pool.Pool[progress.RecvBuffer]
	if cfg.SHM != nil {
		shmBufs = pool.New[progress.RecvBuffer]("shm_recv_buf", nil, 0, efametrics.NewPoolMetrics(reg, "shm_recv_buf"))
	}

	peers := peer.NewTable()
	res := resolver.NewCache[*peer.Peer](cfg.SrcCacheSize)

	postingLayer := &posting.Layer{NIC: cfg.NIC, SHM: cfg.SHM}

	ep := &Endpoint{
		clock:        cfg.Clock,
		log:          cfg.Log,
		cfg:          cfg,
		txPool:       txPool,
		rxPool:       rxPool,
		peers:        peers,
		resolver:     res,
		posting:      postingLayer,
		cq:           newCQ(cfg.CQSize),
		minMultiRecv: cfg.MinMultiRecv,
	}

	cqReadSize := cfg.CQReadSize
	if cqReadSize <= 0 {
		cqReadSize = 32
	}
	comp := &completion.Processor[*peer.Peer]{
		NIC:        cfg.NIC,
		SHM:        cfg.SHM,
		Resolver:   res,
		Dispatcher: &defaultDispatcher{ep: ep},
		Metrics:    efametrics.NewCompletionMetrics(reg),
		CQReadSize: cqReadSize,
	}
	ep.completion = comp

	ep.engine = progress.New(cfg.Progress, cfg.Clock, cfg.Log, postingLayer, comp, peers, nicBufs, shmBufs, cfg.ReadEngine)
	ep.engine.OnTxFatal = ep.onTxFatal
	ep.engine.OnRxFatal = ep.onRxFatal
	ep.engine.OnPeerFatal = ep.onPeerFatal

	return ep
}

// Bind registers addrVector as this endpoint's address vector (spec §4.7):
// every address in it gets a Peer record and is immediately registered with
// the address resolver, including its synthetic NIC source identifier —
// mirroring fi_av_insert, which returns a usable fi_addr_t at bind time,
// before any packet has ever been exchanged with that peer.
func (e *Endpoint) Bind(addrVector []ids.NodeID) error {
	return e.bind(addrVector, false)
}

// BindLocal is Bind for peers additionally reachable over the shared-memory
// fast path (spec §9 "node-local peer detection" — left to the caller,
// since this core has no host-topology discovery of its own); a no-op
// beyond an ordinary Bind when cfg.SHM is nil.
func (e *Endpoint) BindLocal(addrVector []ids.NodeID) error {
	return e.bind(addrVector, e.cfg.SHM != nil)
}

func (e *Endpoint) bind(addrVector []ids.NodeID, nodeLocal bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return efaerr.ErrEndpointClosed
	}
	for _, addr := range addrVector {
		p := e.peers.GetOrCreate(addr, nodeLocal, e.cfg.InitialBackoff)
		e.resolver.Bind(addr, p)
		slid, qpn := transport.PackAddr(addr)
		e.resolver.BindSource(slid, qpn, p)
	}
	e.bound = true
	return nil
}

// Enable transitions every currently-known peer's handshake state to
// QUEUED, so the next Progress() tick sends each one's first control packet
// (spec §4.7 "Enable... queues a handshake packet towards every peer in the
// bound address vector").
func (e *Endpoint) Enable() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return efaerr.ErrEndpointClosed
	}
	if !e.bound {
		return errors.New("efacore: Enable requires a bound address vector")
	}
	for _, p := range e.peers.Snapshot() {
		if p.Handshake == peer.HandshakeNone {
			p.Handshake = peer.HandshakeQueued
		}
	}
	e.enabled = true
	return nil
}

// Progress runs one tick of the cooperative progress engine (spec §4.6).
// The application is responsible for calling this repeatedly; nothing here
// spawns a background goroutine (spec §5: "progress is driven exclusively
// by the application calling Progress()").
func (e *Endpoint) Progress() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return efaerr.ErrEndpointClosed
	}
	if e.fatalErr != nil {
		return e.fatalErr
	}
	e.engine.Tick(e.clock.Now())
	// Error-completion draining sits outside the engine's eleven numbered
	// steps (spec §4.6): every error reaches a terminal user completion
	// directly (via the codec's OnSendError/OnRecvError), never a retry,
	// so its ordering relative to the other ten steps has no observable
	// effect and it can safely run once at the end of each tick.
	e.completion.DrainErrors()
	return nil
}

// PollCQ drains up to max completions from the user-visible completion
// queue (all of them if max <= 0).
func (e *Endpoint) PollCQ(max int) []transfer.Completion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cq.drain(max)
}

// SetOpt sets an endpoint-level option.
func (e *Endpoint) SetOpt(opt Opt, value int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch opt {
	case OptMinMultiRecv:
		e.minMultiRecv = value
		return nil
	default:
		return efaerr.ErrNotFound
	}
}

// GetOpt reads an endpoint-level option.
func (e *Endpoint) GetOpt(opt Opt) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch opt {
	case OptMinMultiRecv:
		return e.minMultiRecv, nil
	default:
		return 0, efaerr.ErrNotFound
	}
}

// Cancel cancels the posted receive identified by ctx (the same context
// pointer passed to Recv/RecvTagged), per spec §4.7: a receive not yet
// partway through receiving gets an immediate CANCELED completion and its
// entry is released; one already receiving is instead marked so later
// arrivals are silently discarded and no completion is ever written for it.
func (e *Endpoint) Cancel(ctx any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return efaerr.ErrEndpointClosed
	}
	for _, slot := range e.rxPool.InUseSlots() {
		entry := e.rxPool.SlotFromIndex(slot)
		if entry.Completion.Context != ctx {
			continue
		}
		if entry.BytesReceived > 0 {
			entry.MarkRecvCancel()
			return nil
		}
		entry.Completion.Err = efaerr.ErrCanceled
		e.pushCompletion(entry.Completion)
		e.rxPool.Release(entry.Slot)
		return nil
	}
	return efaerr.ErrNotFound
}

// Close tears the endpoint down (spec §4.7): every still-acquired TxEntry
// or RxEntry slot is logged as an orphan, every pool is forcibly emptied and
// released, and every subsequent public call returns ErrEndpointClosed.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	for _, slot := range e.txPool.InUseSlots() {
		e.log.Warn("efacore: orphaned TxEntry at endpoint close", "slot", slot)
	}
	for _, slot := range e.rxPool.InUseSlots() {
		e.log.Warn("efacore: orphaned RxEntry at endpoint close", "slot", slot)
	}
	e.txPool.Reset()
	e.rxPool.Reset()
	_ = e.txPool.Close()
	_ = e.rxPool.Close()
	e.engine.NICRecvBufPool.Reset()
	_ = e.engine.NICRecvBufPool.Close()
	if e.engine.SHMRecvBufPool != nil {
		e.engine.SHMRecvBufPool.Reset()
		_ = e.engine.SHMRecvBufPool.Close()
	}
	e.closed = true
	return nil
}

func (e *Endpoint) pushCompletion(c transfer.Completion) {
	if err := e.cq.push(c); err != nil {
		e.log.Warn("efacore: user completion queue full, dropping completion", "err", err)
	}
}

func (e *Endpoint) finalizeTx(entry *transfer.TxEntry) {
	entry.State = transfer.TxDone
	if entry.Completion.Err == nil {
		entry.Completion.Len = entry.BytesAcked
	}
	e.pushCompletion(entry.Completion)
	e.txPool.Release(entry.Slot)
}

func (e *Endpoint) finalizeRx(entry *transfer.RxEntry) {
	entry.State = transfer.RxDone
	if entry.Completion.Err == nil {
		entry.Completion.Len = entry.BytesReceived
	}
	e.pushCompletion(entry.Completion)
	e.rxPool.Release(entry.Slot)
}

func (e *Endpoint) onTxFatal(entry *transfer.TxEntry, err error) {
	entry.Completion.Err = err
	e.pushCompletion(entry.Completion)
	e.txPool.Release(entry.Slot)
}

func (e *Endpoint) onRxFatal(entry *transfer.RxEntry, err error) {
	entry.Completion.Err = err
	e.pushCompletion(entry.Completion)
	e.rxPool.Release(entry.Slot)
}

// onPeerFatal resolves spec §9's open question on per-peer isolation as
// "fatal to the endpoint": a non-EAGAIN failure sending a peer's first
// handshake packet leaves the whole endpoint unusable until Close, rather
// than just quarantining that one peer, since no partial-isolation
// mechanism is specified.
func (e *Endpoint) onPeerFatal(p *peer.Peer, err error) {
	e.log.Crit("efacore: peer handshake failed fatally, endpoint entering fatal state", "peer", p.Addr(), "err", err)
	e.fatalErr = efaerr.ErrEndpointFatal
}

// submitTx acquires a TxEntry, populates the common fields every Op kind
// shares, and queues it for posting.
func (e *Endpoint) submitTx(ctx any, addr ids.NodeID, op transfer.Op, userData, tag uint64) (*transfer.TxEntry, error) {
	if e.closed {
		return nil, efaerr.ErrEndpointClosed
	}
	if e.fatalErr != nil {
		return nil, e.fatalErr
	}
	if _, ok := e.peers.Get(addr); !ok {
		return nil, efaerr.ErrAddressNotResolved
	}
	slot, entry, err := e.txPool.Acquire()
	if err != nil {
		return nil, err
	}
	entry.Slot = slot
	entry.Reset()
	entry.Op = op
	entry.DestAddr = addr
	entry.Tag = tag
	entry.Completion = transfer.Completion{Context: ctx, UserData: userData, Tag: tag}
	entry.State = transfer.TxREQ
	return entry, nil
}

// queueTxData sets entry up as a data-bearing send of buf and, once
// populated, hands it to the progress engine's tx_pending_list — or, for a
// zero-length message, completes it immediately (spec §8: "submitting with
// total_len = 0 yields a completion with len=0 and buf=None").
func (e *Endpoint) queueTxData(entry *transfer.TxEntry, buf []byte) {
	entry.IOVecs[0] = transport.IOVec{Buf: buf}
	entry.IOVecCount = 1
	entry.TotalLen = len(buf)

	if entry.TotalLen == 0 {
		entry.Completion.Len = 0
		e.pushCompletion(entry.Completion)
		e.txPool.Release(entry.Slot)
		return
	}
	if entry.TotalLen <= e.cfg.Progress.MaxDataPayload {
		entry.Window = entry.TotalLen // eager: no credit negotiation needed
	}
	entry.State = transfer.TxSEND
	e.engine.TxPendingList.PushBack(&entry.Node)
}

// SendMsg submits an untagged send of buf to addr (spec §6).
func (e *Endpoint) SendMsg(ctx any, addr ids.NodeID, buf []byte, userData uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.submitTx(ctx, addr, transfer.OpMsg, userData, 0)
	if err != nil {
		return err
	}
	e.queueTxData(entry, buf)
	return nil
}

// SendTagged submits a tagged send of buf to addr (spec §6, §4.5).
func (e *Endpoint) SendTagged(ctx any, addr ids.NodeID, buf []byte, tag uint64, userData uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.submitTx(ctx, addr, transfer.OpTagged, userData, tag)
	if err != nil {
		return err
	}
	e.queueTxData(entry, buf)
	return nil
}

// Write submits a one-sided RMA write of buf to remoteOffset on addr. This
// core's transport boundary models only a one-sided *read* as optional
// (spec §6); a write rides the same two-sided posting path as SendMsg,
// distinguished only by Op, since no separate one-sided write work-request
// exists at the transport boundary to post it through.
func (e *Endpoint) Write(ctx any, addr ids.NodeID, buf []byte, remoteOffset uint64, userData uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.submitTx(ctx, addr, transfer.OpWrite, userData, 0)
	if err != nil {
		return err
	}
	entry.RemoteOffset = remoteOffset
	e.queueTxData(entry, buf)
	return nil
}

// Read submits a one-sided RMA read of remoteOffset/remoteDesc on addr into
// buf, driven to completion by the ReadEngine collaborator (spec §4.6 step
// 10, package readengine).
func (e *Endpoint) Read(ctx any, addr ids.NodeID, buf []byte, remoteOffset uint64, remoteDesc any, userData uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.submitTx(ctx, addr, transfer.OpReadRequest, userData, 0)
	if err != nil {
		return err
	}
	entry.IOVecs[0] = transport.IOVec{Buf: buf}
	entry.IOVecCount = 1
	entry.TotalLen = len(buf)
	entry.RemoteOffset = remoteOffset
	entry.RemoteDesc = remoteDesc
	e.engine.ReadPendingList.PushBack(&entry.Node)
	return nil
}

func (e *Endpoint) submitAtomic(ctx any, addr ids.NodeID, op transfer.Op, operand transfer.Atomic128, userData uint64) (*transfer.TxEntry, error) {
	entry, err := e.submitTx(ctx, addr, op, userData, 0)
	if err != nil {
		return nil, err
	}
	entry.AtomicOperand = operand
	entry.PrepareAtomicIOVec()
	entry.State = transfer.TxSEND
	entry.Window = entry.TotalLen
	e.engine.TxPendingList.PushBack(&entry.Node)
	return entry, nil
}

// AtomicWrite submits a remote atomic write of operand to addr (spec §6).
func (e *Endpoint) AtomicWrite(ctx any, addr ids.NodeID, operand transfer.Atomic128, userData uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.submitAtomic(ctx, addr, transfer.OpAtomic, operand, userData)
	return err
}

// AtomicFetch submits a remote fetch-and-add of operand to addr; the
// pre-update remote value is returned via TxEntry.AtomicResult on the
// eventual completion (spec §6).
func (e *Endpoint) AtomicFetch(ctx any, addr ids.NodeID, operand transfer.Atomic128, userData uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.submitAtomic(ctx, addr, transfer.OpAtomicFetch, operand, userData)
	return err
}

// AtomicCompare submits a remote compare-and-swap to addr: operand is
// swapped in if the remote value equals compare (spec §6).
func (e *Endpoint) AtomicCompare(ctx any, addr ids.NodeID, operand, compare transfer.Atomic128, userData uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, err := e.submitAtomic(ctx, addr, transfer.OpAtomicCompare, operand, userData)
	if err != nil {
		return err
	}
	entry.AtomicCompare = compare
	return nil
}

// recv is the shared implementation behind Recv (tag=0, ignoreMask=all) and
// RecvTagged: it first checks the unexpected-message list for an
// already-arrived match (spec §4.5 scenario "unexpected receive then
// post"), merging immediately if found, and otherwise posts a fresh
// application buffer.
func (e *Endpoint) recv(ctx any, buf []byte, tag, ignoreMask uint64, userData uint64) error {
	if e.closed {
		return efaerr.ErrEndpointClosed
	}
	if e.fatalErr != nil {
		return e.fatalErr
	}

	matcher := transfer.RxEntry{Tag: tag, IgnoreMask: ignoreMask}
	for i, n := 0, e.unexpected.Len(); i < n; i++ {
		v := e.unexpected.PopFront()
		unexp := v.(*transfer.RxEntry)
		if matcher.Matches(unexp.Tag) {
			unexp.Completion.Context = ctx
			unexp.Completion.UserData = userData
			unexp.Completion.Len = unexp.BytesReceived
			unexp.Completion.Buf = buf
			e.pushCompletion(unexp.Completion)
			e.rxPool.Release(unexp.Slot)
			return nil
		}
		e.unexpected.PushBack(&unexp.Node)
	}

	slot, entry, err := e.rxPool.Acquire()
	if err != nil {
		return err
	}
	entry.Slot = slot
	entry.Reset()
	entry.IOVecs[0] = transport.IOVec{Buf: buf}
	entry.IOVecCount = 1
	entry.TotalLen = len(buf)
	entry.Tag = tag
	entry.IgnoreMask = ignoreMask
	entry.Completion = transfer.Completion{Context: ctx, UserData: userData, Tag: tag}
	entry.State = transfer.RxMATCHED

	res := e.posting.PostUserRecv(entry, 0, transport.PostFlags{})
	if !res.Posted {
		e.rxPool.Release(entry.Slot)
		return res.Err
	}
	return nil
}

// Recv posts an untagged application receive buffer, matching only other
// untagged sends (tag 0, ignore mask all-bits — the standard convention for
// a tagged-matching provider running an untagged message on top, spec §6).
func (e *Endpoint) Recv(ctx any, buf []byte, userData uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recv(ctx, buf, 0, ^uint64(0), userData)
}

// RecvTagged posts a tagged application receive buffer matching any
// arriving message whose tag agrees with tag outside of ignoreMask's bits
// (spec §4.5 "(tag &^ ignore) == (msgTag &^ ignore)").
func (e *Endpoint) RecvTagged(ctx any, buf []byte, tag, ignoreMask uint64, userData uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recv(ctx, buf, tag, ignoreMask, userData)
}

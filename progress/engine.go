// Package progress implements the cooperative progress engine of spec §4.6:
// the eleven numbered steps run, in order, on every Tick, always under the
// endpoint's single coarse lock (spec §5 — this package assumes its caller
// already holds that lock and never takes one of its own).
package progress

import (
	"errors"
	"time"

	"github.com/luxfi/efacore/completion"
	"github.com/luxfi/efacore/efaclock"
	"github.com/luxfi/efacore/efaerr"
	"github.com/luxfi/efacore/efalog"
	"github.com/luxfi/efacore/peer"
	"github.com/luxfi/efacore/pool"
	"github.com/luxfi/efacore/posting"
	"github.com/luxfi/efacore/readengine"
	"github.com/luxfi/efacore/transfer"
	"github.com/luxfi/efacore/transport"
)

// RecvBuffer is the slab element backing an internally posted receive
// buffer; a plain byte slice cannot be grown in place by a generic
// pool.Pool[T] (its Grow only appends T's zero value), so the pool holds
// this thin wrapper and Engine.growRecvPool explicitly sizes Data for every
// newly grown slot.
type RecvBuffer struct {
	Data []byte
}

// Config bundles Engine's tunables (spec §4.6, §5, §9), normally sourced
// from package config.
type Config struct {
	MaxDataPayload          int           // max_data_payload_size, bytes per data packet
	MaxOutstandingTxPerPeer int           // efa_max_outstanding_tx_ops; 0 = unbounded
	MaxBackoff              time.Duration // ceiling for peer.EnterBackoff's doubling window
	RecvBufSize             int           // size of one internally posted receive buffer
	WatchdogInterval        time.Duration // available_data_bufs reset interval (spec §9)
	TxMinCredits            int           // floor on CreditRequest's clamp (spec §4.4)
}

// Engine drives one endpoint's progress tick. It holds no lock of its own;
// the caller (package endpoint) serializes all access.
type Engine struct {
	cfg Config

	Clock      efaclock.Clock
	Log        efalog.Logger
	Posting    *posting.Layer
	Completion *completion.Processor[*peer.Peer]
	Peers      *peer.Table
	ReadEngine readengine.Engine

	NICRecvBufPool *pool.Pool[RecvBuffer]
	SHMRecvBufPool *pool.Pool[RecvBuffer] // nil if SHM disabled

	// TxPendingList holds every TxEntry still posting data (spec §4.6
	// step 9's "tx_pending_list"), across all peers.
	TxPendingList transfer.List
	// ReadPendingList holds TxEntry read-request ops awaiting submission
	// via ReadEngine (step 10's "read_pending_list").
	ReadPendingList transfer.List

	// OnTxFatal/OnRxFatal report an unrecoverable (non-RNR, non-EAGAIN)
	// transport error for an entry discovered during replay or data
	// posting; the caller (endpoint) writes the user error completion
	// and releases the entry back to its pool.
	OnTxFatal func(entry *transfer.TxEntry, err error)
	OnRxFatal func(entry *transfer.RxEntry, err error)

	// OnPeerFatal reports a peer whose first handshake send failed with
	// a non-EAGAIN error — resolved per spec §9's open question as fatal
	// to the whole endpoint, not just that peer.
	OnPeerFatal func(p *peer.Peer, err error)

	grownOnce        bool
	watchdogDeadline time.Time
}

// New constructs an Engine. NICRecvBufPool and SHMRecvBufPool (SHM one may
// be nil) must not yet have been grown: Tick grows them exactly once, on its
// first call, per spec §4.6 step 4 / §8 "First progress invocation on a
// fresh endpoint triggers pool growth exactly once."
func New(cfg Config, clock efaclock.Clock, log efalog.Logger, postingLayer *posting.Layer, comp *completion.Processor[*peer.Peer], peers *peer.Table, nicBufs, shmBufs *pool.Pool[RecvBuffer], readEngine readengine.Engine) *Engine {
	return &Engine{
		cfg:            cfg,
		Clock:          clock,
		Log:            log,
		Posting:        postingLayer,
		Completion:     comp,
		Peers:          peers,
		ReadEngine:     readEngine,
		NICRecvBufPool: nicBufs,
		SHMRecvBufPool: shmBufs,
	}
}

// Tick runs the eleven steps of spec §4.6 once, in order.
func (e *Engine) Tick(now time.Time) {
	e.stepWatchdog(now)               // 1
	e.Completion.DrainNIC()           // 2
	e.Completion.DrainSHM()           // 3
	e.stepReplenishRecv()             // 4
	e.stepExpireBackoff(now)          // 5
	e.stepHandshakes(now)             // 6
	e.stepReplayRNR(now)              // 7
	e.stepReplayCtrl(now)             // 8
	e.stepPostData(now)               // 9
	e.stepSubmitReads()               // 10
	e.Posting.Flush()                 // 11
}

// stepWatchdog resets the available-data-buffers watchdog once its interval
// has elapsed (spec §9 "Global counters" — a safety valve, not a
// correctness mechanism; every reset is logged loudly as a bug signal).
func (e *Engine) stepWatchdog(now time.Time) {
	if e.cfg.WatchdogInterval <= 0 {
		return
	}
	if e.watchdogDeadline.IsZero() {
		e.watchdogDeadline = now.Add(e.cfg.WatchdogInterval)
		return
	}
	if now.Before(e.watchdogDeadline) {
		return
	}
	e.watchdogDeadline = now.Add(e.cfg.WatchdogInterval)
	if e.NICRecvBufPool.InUseCount() == e.NICRecvBufPool.Capacity() && e.NICRecvBufPool.Capacity() > 0 {
		e.Log.Warn("efacore: forcing watchdog reset of exhausted NIC recv buffer pool; this masks a leaked-accounting bug, not a normal event")
		e.NICRecvBufPool.Reset()
	}
	if e.SHMRecvBufPool != nil && e.SHMRecvBufPool.InUseCount() == e.SHMRecvBufPool.Capacity() && e.SHMRecvBufPool.Capacity() > 0 {
		e.Log.Warn("efacore: forcing watchdog reset of exhausted SHM recv buffer pool; this masks a leaked-accounting bug, not a normal event")
		e.SHMRecvBufPool.Reset()
	}
}

// stepReplenishRecv replenishes internal receive buffers on both transports,
// batched with "more to come" (spec §4.6 step 4). On the very first tick it
// grows every RX buffer pool by one chunk first, to spread first-touch
// registration cost across peers rather than at construction time (spec
// §4.1, §8).
func (e *Engine) stepReplenishRecv() {
	if !e.grownOnce {
		e.grownOnce = true
		if err := e.growRecvPool(e.NICRecvBufPool); err != nil {
			e.Log.Warn("efacore: initial NIC recv buffer pool growth failed", "err", err)
		}
		if e.SHMRecvBufPool != nil {
			if err := e.growRecvPool(e.SHMRecvBufPool); err != nil {
				e.Log.Warn("efacore: initial SHM recv buffer pool growth failed", "err", err)
			}
		}
	}
	e.replenish(e.NICRecvBufPool, transport.KindNIC)
	if e.SHMRecvBufPool != nil {
		e.replenish(e.SHMRecvBufPool, transport.KindSHM)
	}
}

func (e *Engine) growRecvPool(p *pool.Pool[RecvBuffer]) error {
	before := p.Capacity()
	if err := p.Grow(); err != nil {
		return err
	}
	after := p.Capacity()
	for i := before; i < after; i++ {
		p.SlotFromIndex(uint32(i)).Data = make([]byte, e.cfg.RecvBufSize)
	}
	return nil
}

// replenish posts every currently free buffer in p as an internal receive,
// marking all but the last with more-to-come (spec §8 "Posting N internal
// receive buffers with more-to-come on the first N-1 produces the same
// on-wire result as N individual posts").
func (e *Engine) replenish(p *pool.Pool[RecvBuffer], kind transport.Kind) {
	free := p.Capacity() - p.InUseCount()
	if free <= 0 {
		return
	}
	slots := make([]uint32, 0, free)
	bufs := make([][]byte, 0, free)
	for i := 0; i < free; i++ {
		slot, buf, err := p.Acquire()
		if err != nil {
			break
		}
		slots = append(slots, slot)
		bufs = append(bufs, buf.Data)
	}
	contexts := make([]any, len(slots))
	for i, slot := range slots {
		contexts[i] = transfer.NewPacket(transfer.PacketData, transfer.EntryUnmatched, slot, kind)
	}
	results := e.Posting.BulkPostInternalRecv(bufs, kind, contexts)
	for i, res := range results {
		if !res.Posted {
			p.Release(slots[i])
		}
	}
}

// stepExpireBackoff expires any peer whose backoff deadline has passed
// (spec §4.6 step 5).
func (e *Engine) stepExpireBackoff(now time.Time) {
	e.Peers.Each(func(p *peer.Peer) {
		p.ExpireBackoff(now)
	})
}

// stepHandshakes attempts to post each peer's queued handshake packet. An
// EAGAIN breaks the whole step (retried next tick); any other error is
// fatal to the endpoint (spec §4.6 step 6, §9 open question resolution).
func (e *Engine) stepHandshakes(now time.Time) {
	for _, p := range e.Peers.Snapshot() {
		if p.Handshake != peer.HandshakeQueued {
			continue
		}
		if p.InBackoff(now) {
			continue
		}
		pkt := transfer.NewPacket(transfer.PacketHandshake, transfer.EntryUnmatched, 0, kindFor(p))
		res := e.Posting.Send(pkt, p.Addr(), p, true)
		if res.Posted {
			p.Handshake = peer.HandshakeSent
			continue
		}
		if errors.Is(res.Err, efaerr.ErrEAGAIN) {
			return // retried next tick
		}
		if e.OnPeerFatal != nil {
			e.OnPeerFatal(p, res.Err)
		}
	}
}

// stepReplayRNR replays queued-RNR entries, RX then TX (spec §4.6 step 7).
func (e *Engine) stepReplayRNR(now time.Time) {
	for _, p := range e.Peers.Snapshot() {
		e.replayRx(now, p, &p.RxQueuedRNR, transfer.RxRECV)
		e.replayTx(now, p, &p.TxQueuedRNR, transfer.TxSEND)
	}
}

// stepReplayCtrl re-posts queued control-packet entries, RX then TX (spec
// §4.6 step 8).
func (e *Engine) stepReplayCtrl(now time.Time) {
	for _, p := range e.Peers.Snapshot() {
		e.replayRx(now, p, &p.RxQueuedCtrl, transfer.RxRECV)
		e.replayTx(now, p, &p.TxQueuedCtrl, transfer.TxSEND)
	}
}

// replayTx replays the queued packets of every TxEntry on list, in
// insertion order, popping and resuming each one that fully drains its
// queue (spec §4.6 "within a single peer, control-packet retries are
// replayed in insertion order").
func (e *Engine) replayTx(now time.Time, p *peer.Peer, list *transfer.List, onSuccess transfer.TxState) {
	for {
		v := list.Front()
		if v == nil {
			return
		}
		entry := v.(*transfer.TxEntry)
		if p.InBackoff(now) {
			return
		}
		if !e.drainQueuedPkts(&entry.QueuedPkts, p, now, func(err error) { e.failTx(entry, err) }) {
			return // still blocked; stays at the front for next tick
		}
		list.PopFront()
		if entry.State == transfer.TxDone {
			continue // terminated by a fatal send error
		}
		entry.State = onSuccess
		if entry.BytesSent < entry.TotalLen {
			e.TxPendingList.PushBack(&entry.Node)
		}
	}
}

func (e *Engine) replayRx(now time.Time, p *peer.Peer, list *transfer.List, onSuccess transfer.RxState) {
	for {
		v := list.Front()
		if v == nil {
			return
		}
		entry := v.(*transfer.RxEntry)
		if p.InBackoff(now) {
			return
		}
		if !e.drainQueuedPkts(&entry.QueuedPkts, p, now, func(err error) { e.failRx(entry, err) }) {
			return
		}
		list.PopFront()
		if entry.State == transfer.RxDone {
			continue // terminated by a fatal send error
		}
		entry.State = onSuccess
	}
}

// drainQueuedPkts resends every packet on list in order. Returns false
// (leaving unsent packets on list) on RNR/EAGAIN; calls onFatal and still
// returns true (list fully drained of the failing packet) on any other
// error, since an unrecoverable error terminates the entry regardless.
func (e *Engine) drainQueuedPkts(list *transfer.List, p *peer.Peer, now time.Time, onFatal func(error)) bool {
	for {
		// Unlinked before Send: a posted packet's node joins the peer's
		// OutstandingTxPkts list.
		v := list.PopFront()
		if v == nil {
			return true
		}
		pkt := v.(*transfer.Packet)
		res := e.Posting.Send(pkt, p.Addr(), p, true)
		if res.Posted {
			continue
		}
		switch {
		case errors.Is(res.Err, efaerr.ErrRNR), errors.Is(res.Err, efaerr.ErrEAGAIN):
			if errors.Is(res.Err, efaerr.ErrRNR) {
				p.EnterBackoff(now, e.cfg.MaxBackoff)
			}
			// Put pkt back ahead of the packets still queued behind it.
			rest := list.Len()
			list.PushBack(&pkt.Node)
			for i := 0; i < rest; i++ {
				list.PushBack(&list.PopFront().(*transfer.Packet).Node)
			}
			return false
		default:
			onFatal(res.Err)
			return true
		}
	}
}

// stepPostData posts data packets for every TxEntry in TxPendingList with
// positive window, bounded by the peer's outstanding-ops quota (spec §4.6
// step 9). It iterates a snapshot count so an entry requeued this tick is
// not reprocessed until the next.
func (e *Engine) stepPostData(now time.Time) {
	n := e.TxPendingList.Len()
	for i := 0; i < n; i++ {
		v := e.TxPendingList.PopFront()
		if v == nil {
			break
		}
		entry := v.(*transfer.TxEntry)
		if e.postTxData(now, entry) {
			continue // blocked (RNR/EAGAIN/fatal): already on the peer's tx_queued_rnr_list or terminated
		}
		if entry.BytesSent < entry.TotalLen {
			e.TxPendingList.PushBack(&entry.Node)
		}
	}
}

// postTxData posts as many data packets from entry as its window and the
// peer's outstanding-ops quota allow. Returns true if posting stopped due
// to RNR, EAGAIN, or a fatal error: the entry is then linked onto the
// peer's tx_queued_rnr_list, or terminated. Returns false if nothing more
// can be posted this tick (unknown peer, peer in backoff, window, quota or
// message exhausted); the caller keeps an unfinished entry pending.
func (e *Engine) postTxData(now time.Time, entry *transfer.TxEntry) bool {
	p, ok := e.Peers.Get(entry.DestAddr)
	if !ok {
		return false // no known peer yet; wait for handshake/resolution
	}
	if p.InBackoff(now) {
		return false
	}
	kind := kindFor(p)
	for entry.BytesSent < entry.TotalLen {
		if entry.Window <= 0 {
			// Long-message credit acquisition (spec §4.4 "Credit
			// request"): retried every tick until the peer grants
			// enough window to make progress.
			req := transfer.CreditRequest(p.TxCredits, p.OutstandingTx(), entry.TotalLen-entry.BytesSent, e.cfg.MaxDataPayload, e.cfg.TxMinCredits)
			if req <= 0 || !p.TryDeductCredits(req) {
				return false
			}
			entry.Window = req
			entry.CreditRequestCount++
		}
		if e.cfg.MaxOutstandingTxPerPeer > 0 && p.OutstandingTx() >= e.cfg.MaxOutstandingTxPerPeer {
			return false
		}
		chunkMax := minInt(entry.Window, minInt(entry.TotalLen-entry.BytesSent, e.cfg.MaxDataPayload))
		iovs, n := entry.NextChunk(chunkMax)
		if n == 0 {
			return false
		}
		pkt := transfer.NewPacket(transfer.PacketData, transfer.EntryTx, entry.Slot, kind)
		pkt.IOVecs = iovs
		pkt.Offset = entry.BytesSent
		pkt.Len = n
		pkt.Tag = entry.Tag

		// The chunk is already cut from the cursor at this point, so
		// bytes_sent/window account for it regardless of whether the post
		// below succeeds immediately or is queued for RNR/EAGAIN retry —
		// a queued packet is still "sent" per spec §4.4 state SEND ("at
		// least one data-bearing packet has been handed to the
		// transport"), and AdvanceAcked on its eventual completion must
		// never see bytes_acked run ahead of bytes_sent.
		entry.BytesSent += n
		entry.Window -= n

		res := e.Posting.Send(pkt, entry.DestAddr, p, true)
		if !res.Posted {
			switch {
			case errors.Is(res.Err, efaerr.ErrRNR):
				entry.QueuedPkts.PushBack(&pkt.Node)
				entry.MarkQueuedRNR()
				p.TxQueuedRNR.PushBack(&entry.Node)
				p.EnterBackoff(now, e.cfg.MaxBackoff)
				return true
			case errors.Is(res.Err, efaerr.ErrEAGAIN):
				// Replayed by step 7 next tick; no backoff for EAGAIN.
				entry.QueuedPkts.PushBack(&pkt.Node)
				entry.MarkQueuedRNR()
				p.TxQueuedRNR.PushBack(&entry.Node)
				return true
			default:
				e.failTx(entry, res.Err)
				return true
			}
		}
	}
	return false
}

func (e *Engine) failTx(entry *transfer.TxEntry, err error) {
	entry.State = transfer.TxDone
	entry.Completion.Err = err
	if e.OnTxFatal != nil {
		e.OnTxFatal(entry, err)
	}
}

func (e *Engine) failRx(entry *transfer.RxEntry, err error) {
	entry.State = transfer.RxDone
	entry.Completion.Err = err
	if e.OnRxFatal != nil {
		e.OnRxFatal(entry, err)
	}
}

// stepSubmitReads submits each read-request TxEntry in ReadPendingList via
// ReadEngine; accepted submissions advance implicitly by leaving the list
// (the read-protocol collaborator owns SUBMITTED onward), rejected ones
// stay for the next tick (spec §4.6 step 10).
func (e *Engine) stepSubmitReads() {
	n := e.ReadPendingList.Len()
	for i := 0; i < n; i++ {
		v := e.ReadPendingList.PopFront()
		if v == nil {
			break
		}
		entry := v.(*transfer.TxEntry)
		submitted, err := e.ReadEngine.SubmitRead(entry.Slot)
		if err != nil {
			e.failTx(entry, err)
			continue
		}
		if !submitted {
			e.ReadPendingList.PushBack(&entry.Node)
		}
	}
}

func kindFor(p *peer.Peer) transport.Kind {
	if p.NodeLocal {
		return transport.KindSHM
	}
	return transport.KindNIC
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

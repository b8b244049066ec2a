// Package peer implements the per-remote-address record of spec §3: flow
// control credits, per-transport outstanding-op counters, RNR backoff, and
// the four queued-entry lists (TX/RX, RNR/control-retry).
package peer

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/luxfi/ids"

	"github.com/luxfi/efacore/transfer"
	"github.com/luxfi/efacore/transport"
)

// HandshakeState tracks whether the first control packet exchanged with a
// new peer (spec GLOSSARY "Handshake packet") has been queued and/or sent.
type HandshakeState uint8

const (
	HandshakeNone HandshakeState = iota
	HandshakeQueued
	HandshakeSent
)

// Peer is keyed by opaque address in Table and holds every piece of
// per-remote-address state named in spec §3.
type Peer struct {
	addr ids.NodeID

	NodeLocal bool // whether this peer is reachable over the SHM transport

	Handshake HandshakeState

	TxCredits int // transmit-credit balance, spec invariant: >= 0

	NICOutstandingTx int
	SHMOutstandingTx int

	// backoff, modeled as a rate.Limiter reservation delay (spec §5,
	// §9 "Backoff"): each RNR reserves a token from a limiter whose
	// burst/rate encode the exponential-style window, and backoffUntil
	// records when the next send is allowed.
	backoffLimiter *rate.Limiter
	backoffWindow  time.Duration
	backoffUntil   time.Time

	OutstandingTxPkts transfer.List // invalidated on peer removal

	TxQueuedRNR  transfer.List
	TxQueuedCtrl transfer.List
	RxQueuedRNR  transfer.List
	RxQueuedCtrl transfer.List
}

// New constructs a Peer for addr with an initial backoff window.
func New(addr ids.NodeID, nodeLocal bool, initialBackoff time.Duration) *Peer {
	p := &Peer{
		addr:          addr,
		NodeLocal:     nodeLocal,
		backoffWindow: initialBackoff,
	}
	return p
}

// Addr satisfies resolver.Peer / transfer.PeerHandle.
func (p *Peer) Addr() ids.NodeID { return p.addr }

// InBackoff reports whether now is still within this peer's RNR backoff
// window; a peer in backoff is skipped for all send paths (spec §5).
func (p *Peer) InBackoff(now time.Time) bool {
	return now.Before(p.backoffUntil)
}

// EnterBackoff is called when a packet to this peer is rejected with RNR.
// It doubles the backoff window (capped at maxBackoff) and sets the
// deadline, modeling the exponential-style window of spec §5 via
// golang.org/x/time/rate's reservation delay rather than hand-rolled
// exponent math: a limiter with burst 1 and rate 1/window reports exactly
// "window" as its next-reservation delay.
func (p *Peer) EnterBackoff(now time.Time, maxBackoff time.Duration) {
	if p.backoffWindow <= 0 {
		p.backoffWindow = time.Millisecond
	}
	p.backoffWindow *= 2
	if p.backoffWindow > maxBackoff {
		p.backoffWindow = maxBackoff
	}
	p.backoffLimiter = rate.NewLimiter(rate.Every(p.backoffWindow), 1)
	// Consume the single burst token now so the *next* reservation
	// reports the full window as its delay.
	_ = p.backoffLimiter.AllowN(now, 1)
	r := p.backoffLimiter.ReserveN(now, 1)
	p.backoffUntil = now.Add(r.DelayFrom(now))
	r.Cancel()
}

// ExpireBackoff clears the backoff deadline once it has passed, called from
// the progress engine's tick 5 ("Expire any peer whose backoff deadline has
// passed"). Returns true if the peer transitioned out of backoff this call.
func (p *Peer) ExpireBackoff(now time.Time) bool {
	if p.backoffUntil.IsZero() || now.Before(p.backoffUntil) {
		return false
	}
	p.backoffUntil = time.Time{}
	return true
}

// OutstandingTx returns the total outstanding TX ops across both
// transports, used to compute CreditRequest's peerOutstandingTx term.
func (p *Peer) OutstandingTx() int {
	return p.NICOutstandingTx + p.SHMOutstandingTx
}

// UnlinkTxPacket detaches pkt from this peer's outstanding_tx_pkts list and
// decrements the per-transport outstanding counter, restoring the invariant
// of spec §8 ("efa_outstanding_tx_ops = |{p in outstanding_tx_pkts :
// p.transport = NIC}|") once its completion has been observed. Called from
// package completion, which only needs pkt.Peer to satisfy this method set
// (see transfer.Packet.Peer).
func (p *Peer) UnlinkTxPacket(pkt *transfer.Packet) {
	p.OutstandingTxPkts.Remove(&pkt.Node)
	switch pkt.Transport {
	case transport.KindSHM:
		if p.SHMOutstandingTx > 0 {
			p.SHMOutstandingTx--
		}
	default:
		if p.NICOutstandingTx > 0 {
			p.NICOutstandingTx--
		}
	}
}

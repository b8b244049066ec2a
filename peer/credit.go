package peer

// TryDeductCredits deducts n bytes of flow-control credit if available,
// returning false without mutating state if insufficient (spec §4.4: "if
// the peer has enough credits, they are deducted immediately; otherwise the
// operation is queued for retry"). The invariant tx_credits >= 0 (spec §8)
// is maintained by construction.
func (p *Peer) TryDeductCredits(n int) bool {
	if n <= 0 {
		return true
	}
	if p.TxCredits < n {
		return false
	}
	p.TxCredits -= n
	return true
}

// GrantCredits adds n bytes of credit, called when a window-extension
// control packet arrives from this peer.
func (p *Peer) GrantCredits(n int) {
	p.TxCredits += n
}

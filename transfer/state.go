// Package transfer implements the per-transfer state machines of spec §3,
// §4.4 and §4.5: TxEntry and RxEntry, their IO-vectors, queued-packet
// lists, completion descriptors and state transitions.
package transfer

// Op identifies the kind of operation a TxEntry represents (spec §3).
type Op uint8

const (
	OpMsg Op = iota
	OpTagged
	OpWrite
	OpReadRequest
	OpAtomic
	OpAtomicFetch
	OpAtomicCompare
)

// TxState is the TX state machine of spec §4.4: REQ -> SEND ->
// {QUEUED_CTRL, QUEUED_RNR}* -> terminal.
type TxState uint8

const (
	TxREQ TxState = iota
	TxSEND
	TxQueuedCtrl
	TxQueuedRNR
	TxDone
)

func (s TxState) String() string {
	switch s {
	case TxREQ:
		return "REQ"
	case TxSEND:
		return "SEND"
	case TxQueuedCtrl:
		return "QUEUED_CTRL"
	case TxQueuedRNR:
		return "QUEUED_RNR"
	case TxDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// RxState is the RX state machine of spec §4.5: INIT -> {UNEXP, MATCHED} ->
// RECV -> {QUEUED_CTRL, QUEUED_RNR}* -> terminal.
type RxState uint8

const (
	RxINIT RxState = iota
	RxUNEXP
	RxMATCHED
	RxRECV
	RxQueuedCtrl
	RxQueuedRNR
	RxRecvCancel // receiving when canceled: arrivals discarded, no user completion
	RxDone
)

func (s RxState) String() string {
	switch s {
	case RxINIT:
		return "INIT"
	case RxUNEXP:
		return "UNEXP"
	case RxMATCHED:
		return "MATCHED"
	case RxRECV:
		return "RECV"
	case RxQueuedCtrl:
		return "QUEUED_CTRL"
	case RxQueuedRNR:
		return "QUEUED_RNR"
	case RxRecvCancel:
		return "RECV_CANCEL"
	case RxDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Completion is the descriptor delivered to the user CQ on terminal
// transitions (spec §6 "User completions").
type Completion struct {
	Context any
	Flags   uint64
	Len     int
	Buf     []byte
	UserData uint64
	Tag      uint64

	Err          error
	ProviderErr  int
}

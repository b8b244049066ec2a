package transport

import "errors"

var (
	// ErrBusy is returned by Post* when the transport cannot accept the
	// post right now (the hardware send/recv queue is full). The posting
	// layer maps this to efaerr.ErrEAGAIN.
	ErrBusy = errors.New("transport: busy")

	// ErrRNR is returned by PostSend when the remote peer's receive side
	// rejected the packet. The posting layer maps this to efaerr.ErrRNR.
	ErrRNR = errors.New("transport: receiver not ready")

	// ErrReadUnsupported is returned by PostRead on transports without
	// one-sided read (e.g. a minimal SHM implementation).
	ErrReadUnsupported = errors.New("transport: one-sided read not supported")
)

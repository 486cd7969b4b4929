// Package primitive names the external collaborator this engine is layered
// on: "send a parcel of bytes and typed fields to the peer; receive
// parcels from the peer on a registered callback" (spec §1). Loading the
// real Binder driver, JNI bridging and connector/listener discovery are
// explicitly out of scope (§1); this package only defines the interface
// the rest of the engine programs against, plus one concrete, runnable
// WebSocket implementation used by the demo binary.
package primitive

import "context"

// ReceiveFunc is invoked once per inbound parcel. txCode identifies which
// logical channel the parcel belongs to (a reserved control code or a
// stream id, per §3.1); data is the parcel's serialized field payload.
// Returning a non-nil error does not stop delivery of subsequent parcels;
// the caller is expected to log it.
type ReceiveFunc func(txCode uint32, data []byte) error

// Endpoint is a one-way-ordered, parcel-based IPC endpoint to a single
// peer. All methods are safe for concurrent use; Transact may be called
// from multiple goroutines and is itself ordered by the underlying
// transport (frames are delivered to the peer in emission order, §5
// "Ordering guarantees").
type Endpoint interface {
	// Transact sends one parcel to the peer, identified by txCode.
	Transact(txCode uint32, data []byte) error
	// SetReceiver installs the callback invoked for every inbound parcel.
	// It must be called before the peer can be expected to observe any
	// replies keyed to parcels this endpoint sends.
	SetReceiver(fn ReceiveFunc)
	// Close tears down the endpoint. Subsequent Transact calls fail.
	Close() error
}

// Dialer creates an Endpoint connected to a named peer (the connector
// plumbing of §1 is out of scope; Dialer is the minimal seam the engine
// needs to obtain an Endpoint without caring how the peer was found).
type Dialer interface {
	Dial(ctx context.Context, addr string) (Endpoint, error)
}

package adapter

import (
	"context"
	"sync/atomic"
)

// Stream is the adapter's view of one stream's lifecycle: open, closed,
// and (on the server side) whether a deferred recv-trailing-metadata
// completion is owed (§4.6, "Deferred trailing-metadata completion").
//
// A Stream is referenced by the connection's stream table and by every
// outstanding receive registration; refCount tracks the longest holder
// (§3.2, §9 "manual reference counting").
type Stream struct {
	ID       uint32
	IsClient bool

	refCount int32

	closed      atomic.Bool
	cancelErr   error
	sentSuffix  bool
	recvSuffix  bool

	// ctx is cancelled when cancel_stream runs, aborting any RpcCall of
	// this stream's that is blocked waiting for flow-control credit
	// (§8.3 scenario 6, "cancel during large write").
	ctx       context.Context
	cancelCtx context.CancelFunc

	// deferredTrailing is set when the server receives the client's
	// trailing metadata before sending its own; the recv-trailing-metadata
	// callback must not fire until the server's own suffix is sent.
	deferredTrailing         bool
	deferredTrailingCallback func(error)
}

func newStream(id uint32, isClient bool) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{ID: id, IsClient: isClient, refCount: 1, ctx: ctx, cancelCtx: cancel}
}

// Ref increments the stream's reference count.
func (s *Stream) Ref() { atomic.AddInt32(&s.refCount, 1) }

// Unref decrements the stream's reference count and reports whether it
// reached zero.
func (s *Stream) Unref() bool {
	return atomic.AddInt32(&s.refCount, -1) == 0
}

// Closed reports whether cancel_stream has already run for this stream.
func (s *Stream) Closed() bool { return s.closed.Load() }

// CancelError returns the reason recorded by the first cancel_stream
// call, if any.
func (s *Stream) CancelError() error { return s.cancelErr }

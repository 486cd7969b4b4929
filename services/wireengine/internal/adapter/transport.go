package adapter

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/redbco/binderwire/services/wireengine/internal/demux"
	"github.com/redbco/binderwire/services/wireengine/internal/wire"
)

// ConnectivityState mirrors a channel's coarse connectivity lifecycle,
// the states perform_transport_op's subscribe operation reports (§4.6).
type ConnectivityState int

const (
	StateIdle ConnectivityState = iota
	StateConnecting
	StateReady
	StateTransientFailure
	StateShutdown
)

// StreamOp is a batch of stream operations the RPC surface asks the
// adapter to perform in one hop onto the combiner (§4.6).
type StreamOp struct {
	// Cancel, if true, runs cancel_stream instead of any send/recv work.
	Cancel       bool
	CancelReason error

	SendMethodRef          string
	SendInitialMetadata    *wire.Metadata
	SendMessage            []byte
	SendTrailingMetadata   *wire.Metadata
	SendStatus             *uint16
	SendStatusDescription  string

	RecvInitialMetadata  func(wire.Metadata, error)
	RecvMessage          func([]byte, error)
	RecvTrailingMetadata func(wire.TrailingResult, error)

	OnComplete func(error)
}

// TransportOp is a connection-scoped operation (§4.6).
type TransportOp struct {
	SubscribeConnectivity func(ConnectivityState)
	AcceptStream          func(streamID uint32)
	GoAway                bool
	DisconnectError       error
}

// Transport is the transport adapter for one connection: it owns the
// combiner, the stream table, and translates batch ops into wire.Writer
// calls and demux subscriptions (§4.6).
type Transport struct {
	role     wire.Role
	writer   *wire.Writer
	demux    *demux.Demultiplexer
	combiner *Combiner

	mu                   sync.Mutex
	streams              map[uint32]*Stream
	nextID               uint32
	idCeiling            uint32
	state                ConnectivityState
	stateSubscribers     []func(ConnectivityState)
	acceptStreamCallback func(uint32)
}

// NewTransport creates a Transport. role is this connection side's own
// role, used when building outbound Transactions.
func NewTransport(role wire.Role, w *wire.Writer, dmx *demux.Demultiplexer) *Transport {
	return &Transport{
		role:      role,
		writer:    w,
		demux:     dmx,
		combiner:  NewCombiner(),
		streams:   make(map[uint32]*Stream),
		nextID:    wire.FirstCallId,
		idCeiling: 1<<31 - 1,
		state:     StateIdle,
	}
}

// InitStream allocates a stream id from the next-free counter, bounded
// by an id ceiling (§4.6).
func (t *Transport) InitStream(isClient bool) (*Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nextID > t.idCeiling {
		return nil, status.Error(codes.Unavailable, "adapter: stream id space exhausted")
	}
	id := t.nextID
	t.nextID++

	s := newStream(id, isClient)
	t.streams[id] = s
	return s, nil
}

// GetOrCreateStream returns the stream entry for id, creating one if this
// is the first inbound frame bearing it (§3.2).
func (t *Transport) GetOrCreateStream(id uint32, isClient bool) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[id]
	if !ok {
		s = newStream(id, isClient)
		t.streams[id] = s
		if t.acceptStreamCallback != nil {
			cb := t.acceptStreamCallback
			go cb(id)
		}
	}
	return s
}

// PerformStreamOp hops onto the combiner and executes op against s
// (§4.6). Recv callbacks are registered with the demux before this call
// returns.
func (t *Transport) PerformStreamOp(s *Stream, op StreamOp) {
	if op.Cancel {
		// Cancelling a stream mid-send must not wait behind that send on
		// the combiner: the send may itself be blocked in the combiner
		// waiting for flow-control credit (§8.3 scenario 6). Abort its
		// context immediately, then hop onto the combiner only for the
		// bookkeeping (demux teardown, synthetic trailing frame) — that
		// closure runs as soon as the aborted send's own closure returns.
		t.cancelStreamFast(s, op.CancelReason)
		t.combiner.Run(func() {
			t.finishCancelLocked(s, op.CancelReason)
			if op.OnComplete != nil {
				op.OnComplete(op.CancelReason)
			}
		})
		return
	}

	t.combiner.RunSync(func() {
		if s.Closed() {
			err := s.CancelError()
			if op.RecvInitialMetadata != nil {
				op.RecvInitialMetadata(nil, err)
			}
			if op.RecvMessage != nil {
				op.RecvMessage(nil, err)
			}
			if op.RecvTrailingMetadata != nil {
				op.RecvTrailingMetadata(wire.TrailingResult{}, err)
			}
			if op.OnComplete != nil {
				op.OnComplete(err)
			}
			return
		}

		t.registerRecvOps(s, op)

		if op.SendInitialMetadata == nil && op.SendMessage == nil && op.SendTrailingMetadata == nil {
			if op.OnComplete != nil {
				op.OnComplete(nil)
			}
			return
		}

		txn := wire.NewTransaction(s.ID, t.role)
		if op.SendInitialMetadata != nil {
			if err := txn.SetPrefix(op.SendMethodRef, *op.SendInitialMetadata); err != nil {
				if op.OnComplete != nil {
					op.OnComplete(err)
				}
				return
			}
		}
		if op.SendMessage != nil {
			if err := txn.SetMessage(op.SendMessage); err != nil {
				if op.OnComplete != nil {
					op.OnComplete(err)
				}
				return
			}
		}
		if op.SendTrailingMetadata != nil {
			var st uint16
			if op.SendStatus != nil {
				st = *op.SendStatus
			}
			if err := txn.SetSuffix(*op.SendTrailingMetadata, st, op.SendStatusDescription); err != nil {
				if op.OnComplete != nil {
					op.OnComplete(err)
				}
				return
			}
			s.sentSuffix = true
			if !s.IsClient && s.deferredTrailing {
				cb := s.deferredTrailingCallback
				s.deferredTrailing = false
				s.deferredTrailingCallback = nil
				if cb != nil {
					cb(nil)
				}
			}
		}

		err := t.writer.RpcCall(s.ctx, txn)
		if op.OnComplete != nil {
			op.OnComplete(err)
		}
	})
}

func (t *Transport) registerRecvOps(s *Stream, op StreamOp) {
	if op.RecvInitialMetadata != nil {
		t.demux.Register(s.ID, demux.SlotInitialMetadata, func(v any, err error) {
			if err != nil {
				op.RecvInitialMetadata(nil, err)
				return
			}
			op.RecvInitialMetadata(v.(wire.Metadata), nil)
		})
	}
	if op.RecvMessage != nil {
		t.demux.Register(s.ID, demux.SlotMessage, func(v any, err error) {
			if err != nil {
				op.RecvMessage(nil, err)
				return
			}
			op.RecvMessage(v.([]byte), nil)
		})
	}
	if op.RecvTrailingMetadata != nil {
		t.demux.Register(s.ID, demux.SlotTrailingMetadata, func(v any, err error) {
			if err != nil {
				op.RecvTrailingMetadata(wire.TrailingResult{}, err)
				return
			}
			tr := v.(wire.TrailingResult)
			// This callback fires on the reader goroutine (demux.Notify is
			// called from parseStreamFrame), but sentSuffix/deferredTrailing/
			// deferredTrailingCallback are per-connection adapter state that
			// §5 requires only the combiner mutate. Hop onto the combiner
			// before touching them (§4.6's deferred-completion note).
			t.combiner.Run(func() {
				if !s.IsClient && !s.sentSuffix {
					s.recvSuffix = true
					s.deferredTrailing = true
					s.deferredTrailingCallback = func(error) { op.RecvTrailingMetadata(tr, nil) }
					return
				}
				op.RecvTrailingMetadata(tr, nil)
			})
		})
	}
}

// cancelStreamFast marks s closed and aborts its context without touching
// the combiner, so it can run even while the combiner is busy executing a
// blocked send for this same stream.
func (t *Transport) cancelStreamFast(s *Stream, reason error) bool {
	if reason == nil {
		reason = wire.ErrCancelled("")
	}
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.cancelErr = reason
	s.cancelCtx()
	return true
}

// finishCancelLocked performs the combiner-serialized half of cancellation:
// releasing pending demux receives and, on the server side, emitting the
// synthetic trailing-metadata frame the peer needs (§8.3 scenario 6). Must
// run on the combiner.
func (t *Transport) finishCancelLocked(s *Stream, reason error) {
	if reason == nil {
		reason = s.CancelError()
	}
	t.demux.CancelStream(s.ID, reason)

	if !s.IsClient {
		txn := wire.NewTransaction(s.ID, t.role)
		_ = txn.SetSuffix(nil, uint16(codes.Canceled), "stream cancelled")
		_ = t.writer.RpcCall(context.Background(), txn)
	}
}

// cancelStreamLocked cancels s in one step; only safe to call from a
// context that is already running on the combiner and does not need the
// fast/slow split above (connection-wide teardown).
func (t *Transport) cancelStreamLocked(s *Stream, reason error) {
	if !t.cancelStreamFast(s, reason) {
		return
	}
	t.finishCancelLocked(s, reason)
}

// PerformTransportOp handles connectivity-state subscription, accept-stream
// callback installation, and goaway/disconnect (§4.6).
func (t *Transport) PerformTransportOp(op TransportOp) {
	t.combiner.RunSync(func() {
		if op.SubscribeConnectivity != nil {
			t.mu.Lock()
			t.stateSubscribers = append(t.stateSubscribers, op.SubscribeConnectivity)
			state := t.state
			t.mu.Unlock()
			op.SubscribeConnectivity(state)
		}
		if op.AcceptStream != nil {
			t.mu.Lock()
			t.acceptStreamCallback = op.AcceptStream
			t.mu.Unlock()
		}
		if op.GoAway || op.DisconnectError != nil {
			reason := op.DisconnectError
			if reason == nil {
				reason = wire.ErrTransportClosed()
			}
			t.closeTransportLocked(reason)
		}
	})
}

func (t *Transport) closeTransportLocked(reason error) {
	t.mu.Lock()
	if t.state == StateShutdown {
		t.mu.Unlock()
		return
	}
	t.state = StateShutdown
	subs := append([]func(ConnectivityState){}, t.stateSubscribers...)
	ids := make([]uint32, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.mu.Lock()
		s := t.streams[id]
		t.mu.Unlock()
		if s != nil {
			t.cancelStreamLocked(s, reason)
		}
	}
	for _, sub := range subs {
		sub(StateShutdown)
	}
}

// DestroyStream performs the cancellation sweep for s and drops it from
// the stream table (§4.6).
func (t *Transport) DestroyStream(s *Stream) {
	t.combiner.RunSync(func() {
		t.cancelStreamLocked(s, wire.ErrTransportClosed())
		t.mu.Lock()
		delete(t.streams, s.ID)
		t.mu.Unlock()
		t.demux.Forget(s.ID)
	})
}

// DestroyTransport cancels every live stream and stops the combiner
// (§4.6).
func (t *Transport) DestroyTransport() {
	t.combiner.RunSync(func() {
		t.closeTransportLocked(wire.ErrTransportClosed())
	})
	t.combiner.Close()
}

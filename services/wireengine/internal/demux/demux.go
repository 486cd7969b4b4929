// Package demux implements the stream demultiplexer: per-stream receive
// slots for initial metadata, message and trailing metadata, each a small
// Empty/Pending/Ready state machine (spec §4.5).
//
// Grounded on redb-open's Lane receive path (services/mesh/internal/
// transport/ws/virtuallink.go), which already buffers inbound frames
// behind a channel a consumer may not yet be reading from; this package
// generalizes that single-channel idiom to three independently
// register-or-notify slots per stream, plus stream-wide cancellation.
package demux

import (
	"fmt"
	"sync"
)

// Slot identifies one of a stream's three receive slots.
type Slot int

const (
	SlotInitialMetadata Slot = iota
	SlotMessage
	SlotTrailingMetadata
)

func (s Slot) String() string {
	switch s {
	case SlotInitialMetadata:
		return "initial_metadata"
	case SlotMessage:
		return "message"
	case SlotTrailingMetadata:
		return "trailing_metadata"
	default:
		return "unknown_slot"
	}
}

type slotState int

const (
	stateEmpty slotState = iota
	statePending
	stateReady
)

// Callback is invoked exactly once to complete a Register, either with a
// value or with a non-nil error (cancellation, or a promise broken by a
// parse failure).
type Callback func(value any, err error)

type slot struct {
	state    slotState
	pending  Callback
	ready    []any // FIFO of buffered values (message slot may hold >1)
	cancelled bool
	cancelErr error
}

type stream struct {
	mu        sync.Mutex
	initial   slot
	message   slot
	trailing  slot
}

// Demultiplexer tracks receive-slot state for every live stream on a
// connection.
type Demultiplexer struct {
	mu      sync.Mutex
	streams map[uint32]*stream
}

// New creates an empty Demultiplexer.
func New() *Demultiplexer {
	return &Demultiplexer{streams: make(map[uint32]*stream)}
}

func (d *Demultiplexer) streamFor(id uint32) *stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok {
		s = &stream{}
		d.streams[id] = s
	}
	return s
}

func slotOf(s *stream, which Slot) *slot {
	switch which {
	case SlotInitialMetadata:
		return &s.initial
	case SlotMessage:
		return &s.message
	case SlotTrailingMetadata:
		return &s.trailing
	default:
		panic(fmt.Sprintf("demux: invalid slot %d", which))
	}
}

// Register installs cb on id's slot. On Empty, cb is stored pending. On
// Ready, cb fires immediately with the oldest buffered value (message
// slot) or the sole buffered value (other slots), and the slot reverts to
// Empty unless more values remain queued. Registering on an already
// Pending slot is a programming error (§4.5) and panics, matching the
// spec's "programming error" language.
func (d *Demultiplexer) Register(id uint32, which Slot, cb Callback) {
	s := d.streamFor(id)
	sl := slotOf(s, which)

	s.mu.Lock()

	if sl.cancelled {
		err := sl.cancelErr
		s.mu.Unlock()
		cb(nil, err)
		return
	}

	switch sl.state {
	case stateEmpty:
		sl.state = statePending
		sl.pending = cb
		s.mu.Unlock()
	case stateReady:
		v := sl.ready[0]
		sl.ready = sl.ready[1:]
		if len(sl.ready) == 0 {
			sl.state = stateEmpty
		}
		s.mu.Unlock()
		cb(v, nil)
	case statePending:
		s.mu.Unlock()
		panic(fmt.Sprintf("demux: Register called twice on pending slot %s for stream %d", which, id))
	}
}

// Notify delivers value to id's slot: on Pending it invokes the stored
// callback; on Empty it buffers the value as Ready. The message slot
// queues multiple values FIFO; initial and trailing metadata slots are
// single-shot and Notify on an already-Ready non-message slot is a
// programming error.
func (d *Demultiplexer) Notify(id uint32, which Slot, value any) {
	s := d.streamFor(id)
	sl := slotOf(s, which)

	s.mu.Lock()
	if sl.cancelled {
		s.mu.Unlock()
		return
	}

	switch sl.state {
	case statePending:
		cb := sl.pending
		sl.pending = nil
		sl.state = stateEmpty
		s.mu.Unlock()
		cb(value, nil)
		if which == SlotTrailingMetadata {
			d.closeMessageSlot(s, ErrCancelledGracefully)
		}
		return
	case stateEmpty:
		sl.ready = append(sl.ready, value)
		sl.state = stateReady
	case stateReady:
		if which == SlotMessage {
			sl.ready = append(sl.ready, value)
		} else {
			s.mu.Unlock()
			panic(fmt.Sprintf("demux: Notify on already-ready single-shot slot %s for stream %d", which, id))
		}
	}
	s.mu.Unlock()

	if which == SlotTrailingMetadata {
		d.closeMessageSlot(s, ErrCancelledGracefully)
	}
}

// NotifyError completes id's slot with err instead of a value: used when a
// streaming-frame parse failure breaks a promise this frame made for a
// slot it never reached (§4.4.5).
func (d *Demultiplexer) NotifyError(id uint32, which Slot, err error) {
	s := d.streamFor(id)
	sl := slotOf(s, which)

	s.mu.Lock()
	if sl.cancelled {
		s.mu.Unlock()
		return
	}
	switch sl.state {
	case statePending:
		cb := sl.pending
		sl.pending = nil
		sl.state = stateEmpty
		s.mu.Unlock()
		cb(nil, err)
		return
	default:
		sl.cancelled = true
		sl.cancelErr = err
		sl.ready = nil
	}
	s.mu.Unlock()
}

// ErrCancelledGracefully is the canceled-gracefully sentinel (§4.5):
// delivered to a still-pending recv-message registration once trailing
// metadata arrives and closes the slot, the same sentinel a caller with
// no more specific reason would pass to CancelStream.
var ErrCancelledGracefully = fmt.Errorf("demux: cancelled gracefully")

func (d *Demultiplexer) closeMessageSlot(s *stream, err error) {
	s.mu.Lock()
	sl := &s.message
	if sl.cancelled {
		s.mu.Unlock()
		return
	}
	var cb Callback
	if sl.state == statePending {
		cb = sl.pending
		sl.pending = nil
	}
	sl.cancelled = true
	sl.cancelErr = err
	sl.ready = nil
	sl.state = stateEmpty
	s.mu.Unlock()

	if cb != nil {
		cb(nil, err)
	}
}

// CancelStream cancels every pending and future slot on id with err. The
// first call on a stream records err and fires all pending callbacks with
// it; subsequent calls are no-ops (edge-triggered, idempotent per §5).
func (d *Demultiplexer) CancelStream(id uint32, err error) {
	s := d.streamFor(id)

	type firing struct {
		cb Callback
	}
	var fires []firing

	s.mu.Lock()
	for _, sl := range []*slot{&s.initial, &s.message, &s.trailing} {
		if sl.cancelled {
			continue
		}
		if sl.state == statePending {
			fires = append(fires, firing{cb: sl.pending})
			sl.pending = nil
		}
		sl.cancelled = true
		sl.cancelErr = err
		sl.ready = nil
		sl.state = stateEmpty
	}
	s.mu.Unlock()

	for _, f := range fires {
		f.cb(nil, err)
	}
}

// Forget removes id's bookkeeping once a stream is fully closed and its
// handle released, so the map does not grow without bound.
func (d *Demultiplexer) Forget(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, id)
}

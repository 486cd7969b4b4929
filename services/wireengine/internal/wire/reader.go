package wire

import (
	"fmt"
	"math"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/redbco/binderwire/pkg/logger"
	"github.com/redbco/binderwire/services/wireengine/internal/demux"
	"github.com/redbco/binderwire/services/wireengine/internal/parcel"
	"github.com/redbco/binderwire/services/wireengine/internal/security"
)

type connState int

const (
	stateFresh connState = iota
	stateWaitingPeerSetup
	stateConnected
	stateClosed
)

// TrailingResult is the value Notify delivers to the trailing-metadata
// slot (§4.4.3 step 5).
type TrailingResult struct {
	Status      uint16
	Description string
	Metadata    Metadata
}

// Reader parses inbound parcels delivered by the primitive, drives the
// setup-transport handshake, reassembles fragmented messages, validates
// per-stream sequence numbers and dispatches to the demultiplexer
// (§4.4).
//
// One Reader per connection; ProcessParcel is its primitive.ReceiveFunc
// and is invoked on the primitive's own delivery goroutine, one parcel at
// a time — the reader never dispatches two parcels concurrently, giving
// it the "connection lock while parsing a single parcel" serialization
// §5 requires without a separate lock on the hot path.
type Reader struct {
	role     Role
	writer   *Writer
	demux    *demux.Demultiplexer
	policy   *security.CachingPolicy
	logger   *logger.Logger
	onClose  func(error)

	mu              sync.Mutex
	state           connState
	peerHandle      parcel.Handle
	expectedSeq     map[uint32]int32
	messageBuffers  map[uint32][]byte

	numIncomingBytes     int64
	numAcknowledgedBytes int64

	nextPingID  int32
	pingWaiters map[int32]chan struct{}
}

// NewReader creates a Reader for one connection. onClose, if non-nil, is
// invoked once when the connection transitions to closed, with the
// triggering error (nil for a clean SHUTDOWN_TRANSPORT).
func NewReader(role Role, w *Writer, dmx *demux.Demultiplexer, policy *security.CachingPolicy, log *logger.Logger, onClose func(error)) *Reader {
	return &Reader{
		role:           role,
		writer:         w,
		demux:          dmx,
		policy:         policy,
		logger:         log,
		onClose:        onClose,
		state:          stateFresh,
		expectedSeq:    make(map[uint32]int32),
		messageBuffers: make(map[uint32][]byte),
		pingWaiters:    make(map[int32]chan struct{}),
	}
}

// SendPing transmits a PING control frame and returns a channel that is
// closed once the matching PING_RESPONSE arrives, grounded on the
// request/response exchange grpc-core's binder transport uses to probe
// liveness (§12). Callers that don't care about the reply may discard the
// returned channel.
func (r *Reader) SendPing() (<-chan struct{}, error) {
	r.mu.Lock()
	id := r.nextPingID
	r.nextPingID++
	done := make(chan struct{})
	r.pingWaiters[id] = done
	r.mu.Unlock()

	pw := parcel.NewWriter()
	pw.WriteInt32(id)
	if err := r.writer.endpoint.Transact(CodePing, pw.Bytes()); err != nil {
		r.mu.Lock()
		delete(r.pingWaiters, id)
		r.mu.Unlock()
		return nil, ErrPrimitive("send ping: %v", err)
	}
	return done, nil
}

// SendSetup transmits our half of the setup-transport handshake and
// transitions fresh -> waiting_peer_setup (§4.4.1). If the peer's setup
// has already arrived, the connection stays connected and our half is
// still sent. It fails in any other state. ourHandle is the
// endpoint-handle token we advertise to the peer; since this engine's
// primitive.Endpoint is already duplex (unlike the Binder primitive it
// stands in for), the handle carries no separate transport meaning here
// and is propagated only for wire-layout fidelity.
func (r *Reader) SendSetup(transact func(txCode uint32, data []byte) error, ourHandle parcel.Handle) error {
	r.mu.Lock()
	switch r.state {
	case stateFresh:
		r.state = stateWaitingPeerSetup
	case stateConnected:
	default:
		r.mu.Unlock()
		return ErrProtocol("SendSetup called outside fresh state")
	}
	r.mu.Unlock()

	pw := parcel.NewWriter()
	pw.WriteInt32(SetupVersion)
	pw.WriteHandle(ourHandle)
	if err := transact(CodeSetupTransport, pw.Bytes()); err != nil {
		return ErrPrimitive("send setup: %v", err)
	}
	return nil
}

// ProcessParcel is the Reader's primitive.ReceiveFunc: it classifies the
// inbound parcel by tx code and dispatches accordingly (§4.4.2).
func (r *Reader) ProcessParcel(txCode uint32, data []byte) error {
	switch {
	case txCode == CodeSetupTransport:
		return r.handleSetupTransport(data)
	case txCode == CodeShutdownTransport:
		r.initiateClose(nil)
		return nil
	case txCode == CodeAcknowledgeBytes:
		return r.handleAcknowledgeBytes(data)
	case txCode == CodePing:
		return r.handlePing(data)
	case txCode == CodePingResponse:
		r.handlePingResponse(data)
		return nil
	case IsStreamCode(txCode):
		r.mu.Lock()
		connected := r.state == stateConnected
		r.mu.Unlock()
		if !connected {
			return status.Errorf(codes.InvalidArgument, "wire: streaming frame on stream %d before connection is established", txCode)
		}
		return r.parseStreamFrame(txCode, data)
	default:
		if r.logger != nil {
			r.logger.Warnf("wire: unknown tx code %d, shutting down gracefully", txCode)
		}
		r.initiateClose(ErrProtocol("unknown tx code %d", txCode))
		return nil
	}
}

func (r *Reader) handleSetupTransport(data []byte) error {
	r.mu.Lock()
	if r.state == stateConnected {
		r.mu.Unlock()
		return ErrProtocol("duplicate SETUP_TRANSPORT")
	}
	r.mu.Unlock()

	pr := parcel.NewReader(data)
	version, err := pr.ReadInt32()
	if err != nil {
		return ErrProtocol("read setup version: %v", err)
	}
	handle, err := pr.ReadHandle()
	if err != nil {
		return ErrProtocol("read setup peer handle: %v", err)
	}
	if handle == 0 {
		return ErrProtocol("setup transport: peer endpoint handle must be non-null")
	}
	if version > SetupVersion {
		if r.logger != nil {
			r.logger.Warnf("wire: peer setup version %d exceeds ours (%d); continuing optimistically", version, SetupVersion)
		}
	}

	if r.policy != nil && !r.policy.IsAuthorized(security.Credential(fmt.Sprintf("%d", handle))) {
		return ErrPermissionDenied("peer endpoint %d not authorized", handle)
	}

	r.mu.Lock()
	r.state = stateConnected
	r.peerHandle = handle
	r.mu.Unlock()
	return nil
}

func (r *Reader) handleAcknowledgeBytes(data []byte) error {
	pr := parcel.NewReader(data)
	n, err := pr.ReadInt64()
	if err != nil {
		return ErrProtocol("read ack payload: %v", err)
	}
	r.writer.OnAck(n)
	return nil
}

func (r *Reader) handlePing(data []byte) error {
	pr := parcel.NewReader(data)
	pingID, err := pr.ReadInt32()
	if err != nil {
		return ErrProtocol("read ping id: %v", err)
	}
	pw := parcel.NewWriter()
	pw.WriteInt32(pingID)
	if err := r.writer.endpoint.Transact(CodePingResponse, pw.Bytes()); err != nil {
		return ErrPrimitive("ping response: %v", err)
	}
	return nil
}

func (r *Reader) handlePingResponse(data []byte) {
	pr := parcel.NewReader(data)
	id, err := pr.ReadInt32()
	if err != nil {
		if r.logger != nil {
			r.logger.Warnf("wire: malformed ping response: %v", err)
		}
		return
	}

	r.mu.Lock()
	done, ok := r.pingWaiters[id]
	if ok {
		delete(r.pingWaiters, id)
	}
	r.mu.Unlock()

	if !ok {
		if r.logger != nil {
			r.logger.Debugf("wire: dropping unmatched ping response %d", id)
		}
		return
	}
	close(done)
}

func (r *Reader) parseStreamFrame(txCode uint32, data []byte) error {
	// Bytes count toward the inbound total as soon as the parcel arrives,
	// before flags/sequence are even parsed, so a malformed or
	// out-of-order frame still advances the peer's ack credit (§4.4.4).
	ackErr := r.accountInbound(int64(len(data)))

	pr := parcel.NewReader(data)

	word, err := pr.ReadInt32()
	if err != nil {
		return ErrProtocol("read flags/status on stream %d: %v", txCode, err)
	}
	flags, status := UnpackWord(uint32(word))
	if flags == 0 {
		if r.logger != nil {
			r.logger.Debugf("wire: skipping zero-flags frame on stream %d", txCode)
		}
		return nil
	}
	if flags.Has(FlagMessageDataIsParcelable) {
		return ErrProtocol("stream %d: alternate message encoding is unsupported", txCode)
	}

	seq, err := pr.ReadInt32()
	if err != nil {
		return ErrProtocol("read sequence on stream %d: %v", txCode, err)
	}

	r.mu.Lock()
	expected := r.expectedSeq[txCode]
	if seq != expected {
		r.mu.Unlock()
		err := ErrProtocol("out-of-order sequence on stream %d: expected %d, got %d", txCode, expected, seq)
		r.initiateClose(err)
		return err
	}
	if seq == math.MaxInt32 {
		r.mu.Unlock()
		err := ErrProtocol("sequence number overflow on stream %d", txCode)
		r.initiateClose(err)
		return err
	}
	r.expectedSeq[txCode] = seq + 1
	r.mu.Unlock()

	promised := flags

	if flags.Has(FlagPrefix) {
		md, err := r.readPrefix(pr)
		if err != nil {
			r.cancelPromised(txCode, promised, err)
			return ErrProtocol("read prefix on stream %d: %v", txCode, err)
		}
		promised &^= FlagPrefix
		r.demux.Notify(txCode, demux.SlotInitialMetadata, md)
	}

	if flags.Has(FlagMessageData) {
		complete, msg, err := r.readMessageChunk(txCode, pr, flags)
		if err != nil {
			r.cancelPromised(txCode, promised, err)
			return ErrProtocol("read message chunk on stream %d: %v", txCode, err)
		}
		promised &^= FlagMessageData
		if complete {
			r.demux.Notify(txCode, demux.SlotMessage, msg)
		}
	}

	if flags.Has(FlagSuffix) {
		tr, err := r.readSuffix(pr, flags, status)
		if err != nil {
			r.cancelPromised(txCode, promised, err)
			return ErrProtocol("read suffix on stream %d: %v", txCode, err)
		}
		promised &^= FlagSuffix
		r.demux.Notify(txCode, demux.SlotTrailingMetadata, tr)
	}

	return ackErr
}

func (r *Reader) cancelPromised(txCode uint32, promised Flags, err error) {
	if promised.Has(FlagPrefix) {
		r.demux.NotifyError(txCode, demux.SlotInitialMetadata, err)
	}
	if promised.Has(FlagMessageData) {
		r.demux.NotifyError(txCode, demux.SlotMessage, err)
	}
	if promised.Has(FlagSuffix) {
		r.demux.NotifyError(txCode, demux.SlotTrailingMetadata, err)
	}
}

func readMetadataBlock(pr *parcel.Reader) (Metadata, error) {
	count, err := pr.ReadInt32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("negative metadata count %d", count)
	}
	md := make(Metadata, 0, count)
	for i := int32(0); i < count; i++ {
		k, err := pr.ReadByteArray()
		if err != nil {
			return nil, err
		}
		v, err := pr.ReadByteArray()
		if err != nil {
			return nil, err
		}
		md = append(md, MetadataEntry{Key: k, Value: v})
	}
	return md, nil
}

// readPrefix reads the prefix portion of a streaming frame. When this
// side is the server, it additionally reads the client's method_ref and
// synthesizes a ":path" metadata entry (§4.4.3 step 3).
func (r *Reader) readPrefix(pr *parcel.Reader) (Metadata, error) {
	var methodRef string
	if r.role == RoleServer {
		s, err := pr.ReadString()
		if err != nil {
			return nil, err
		}
		methodRef = s
	}

	md, err := readMetadataBlock(pr)
	if err != nil {
		return nil, err
	}

	if r.role == RoleServer && methodRef != "" {
		md = append(md, MetadataEntry{Key: []byte(":path"), Value: []byte("/" + methodRef)})
	}
	return md, nil
}

func (r *Reader) readMessageChunk(txCode uint32, pr *parcel.Reader, flags Flags) (complete bool, msg []byte, err error) {
	chunk, err := pr.ReadByteArray()
	if err != nil {
		return false, nil, err
	}

	r.mu.Lock()
	buf := append(r.messageBuffers[txCode], chunk...)
	if flags.Has(FlagMessageDataIsPartial) {
		r.messageBuffers[txCode] = buf
		r.mu.Unlock()
		return false, nil, nil
	}
	delete(r.messageBuffers, txCode)
	r.mu.Unlock()
	return true, buf, nil
}

// readSuffix reads the suffix portion of a streaming frame. Trailing
// metadata entries are only present on the wire when the sender is the
// server (the client-role builder forces suffix metadata empty, §3.1),
// so this side reads them only when it is itself the client.
func (r *Reader) readSuffix(pr *parcel.Reader, flags Flags, status uint16) (TrailingResult, error) {
	var desc string
	if flags.Has(FlagStatusDescription) {
		s, err := pr.ReadString()
		if err != nil {
			return TrailingResult{}, err
		}
		desc = s
	}

	var md Metadata
	if r.role == RoleClient {
		m, err := readMetadataBlock(pr)
		if err != nil {
			return TrailingResult{}, err
		}
		md = m
	}

	return TrailingResult{Status: status, Description: desc, Metadata: md}, nil
}

// accountInbound folds n into the running inbound-byte total and, once
// the threshold is crossed, sends an ACKNOWLEDGE_BYTES frame. If that send
// fails, the error is returned so the caller can surface it as the frame's
// result (§4.4.4) rather than swallow a transport-level failure.
func (r *Reader) accountInbound(n int64) error {
	r.mu.Lock()
	r.numIncomingBytes += n
	crossed := r.numIncomingBytes-r.numAcknowledgedBytes >= FlowControlAckBytes
	cumulative := r.numIncomingBytes
	if crossed {
		r.numAcknowledgedBytes = cumulative
	}
	r.mu.Unlock()

	if crossed {
		if err := r.writer.SendAck(cumulative); err != nil {
			return ErrPrimitive("send ack: %v", err)
		}
	}
	return nil
}

// initiateClose transitions the connection to closed exactly once and
// invokes onClose with the triggering error (nil for a graceful peer
// shutdown).
func (r *Reader) initiateClose(err error) {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return
	}
	r.state = stateClosed
	r.mu.Unlock()

	if r.onClose != nil {
		r.onClose(err)
	}
}

// Connected reports whether the setup handshake has completed.
func (r *Reader) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateConnected
}

package wire

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/redbco/binderwire/services/wireengine/internal/parcel"
	"github.com/redbco/binderwire/services/wireengine/internal/primitive"
)

// Writer serializes Transactions into one or more parcels, enforcing
// per-connection credit and per-stream sequencing (§4.3).
//
// The credit window is modeled as a weighted semaphore of capacity
// FlowControlWindowSize: emitting a frame of n bytes acquires n tokens: an
// inbound ACK advancing acknowledged_bytes releases the matching delta.
// Outstanding tokens therefore always equal outgoing_bytes -
// acknowledged_bytes, the exact quantity §4.3.3 bounds.
type Writer struct {
	mu       sync.Mutex
	endpoint primitive.Endpoint

	sequences map[uint32]int32

	credit            *semaphore.Weighted
	outgoingBytes     int64
	acknowledgedBytes int64

	creditWaitTimeout time.Duration
}

// NewWriter creates a Writer transacting over ep.
func NewWriter(ep primitive.Endpoint) *Writer {
	return &Writer{
		endpoint:          ep,
		sequences:         make(map[uint32]int32),
		credit:            semaphore.NewWeighted(FlowControlWindowSize),
		creditWaitTimeout: CreditWaitTimeout,
	}
}

// OutgoingBytes returns the cumulative serialized size of all parcels
// emitted so far.
func (w *Writer) OutgoingBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outgoingBytes
}

// AcknowledgedBytes returns the most recent inbound ACK value applied.
func (w *Writer) AcknowledgedBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acknowledgedBytes
}

func (w *Writer) nextSeq(txCode uint32) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := w.sequences[txCode]
	if seq == math.MaxInt32 {
		panic(fmt.Sprintf("wire: sequence number overflow on stream %d", txCode))
	}
	w.sequences[txCode] = seq + 1
	return seq
}

func transactionSize(t *Transaction) int {
	const headerSize = 8
	size := headerSize
	if t.HasPrefix() {
		if t.Role == RoleClient {
			size += 4 + len(t.methodRef)
		}
		size += 4
		for _, e := range t.prefixMetadata {
			size += 4 + len(e.Key) + 4 + len(e.Value)
		}
	}
	if t.HasMessage() {
		size += 4 + len(t.messageData)
	}
	if t.HasSuffix() {
		if t.statusDesc != "" {
			size += 4 + len(t.statusDesc)
		}
		if t.Role == RoleServer {
			size += 4
			for _, e := range t.suffixMetadata {
				size += 4 + len(e.Key) + 4 + len(e.Value)
			}
		}
	}
	return size
}

func fragment(data []byte, blockSize int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+blockSize-1)/blockSize)
	for i := 0; i < len(data); i += blockSize {
		end := i + blockSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// RpcCall implements the writer's sole public contract (§4.3.1): a
// Transaction is serialized fast-path (one parcel) or slow-path
// (fragmented, §4.3.2) and transacted over the endpoint.
func (w *Writer) RpcCall(ctx context.Context, t *Transaction) error {
	if t.Empty() {
		return nil
	}

	if transactionSize(t) <= BlockSize {
		return w.emitFrame(ctx, t, t.messageData, true, true)
	}

	chunks := fragment(t.messageData, BlockSize)
	for i, chunk := range chunks {
		isFirst := i == 0
		isLast := i == len(chunks)-1
		if err := w.emitFrame(ctx, t, chunk, isFirst, isLast); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) emitFrame(ctx context.Context, t *Transaction, chunk []byte, isFirst, isLast bool) error {
	seq := w.nextSeq(t.TxCode)

	var flags Flags
	if isFirst && t.HasPrefix() {
		flags |= FlagPrefix
	}
	if t.HasMessage() {
		flags |= FlagMessageData
		if !isLast {
			flags |= FlagMessageDataIsPartial
		}
	}
	statusDescSet := false
	if isLast && t.HasSuffix() {
		flags |= FlagSuffix
		if t.statusDesc != "" {
			flags |= FlagStatusDescription
			statusDescSet = true
		}
	}

	var status uint16
	if isLast && t.HasSuffix() && t.Role == RoleServer {
		status = t.status
	}

	pw := parcel.NewWriter()
	pw.WriteInt32(int32(PackedWord(flags, status)))
	pw.WriteInt32(seq)

	if flags.Has(FlagPrefix) {
		if t.Role == RoleClient {
			pw.WriteString(t.methodRef)
		}
		pw.WriteInt32(int32(len(t.prefixMetadata)))
		for _, e := range t.prefixMetadata {
			pw.WriteByteArrayWithLength(e.Key)
			pw.WriteByteArrayWithLength(e.Value)
		}
	}

	if flags.Has(FlagMessageData) {
		pw.WriteByteArrayWithLength(chunk)
	}

	if flags.Has(FlagSuffix) {
		if statusDescSet {
			pw.WriteString(t.statusDesc)
		}
		if t.Role == RoleServer {
			pw.WriteInt32(int32(len(t.suffixMetadata)))
			for _, e := range t.suffixMetadata {
				pw.WriteByteArrayWithLength(e.Key)
				pw.WriteByteArrayWithLength(e.Value)
			}
		}
	}

	data := pw.Bytes()
	size := int64(len(data))

	if err := w.acquireCredit(ctx, size); err != nil {
		// Hand the unused sequence number back so the stream's next frame
		// does not leave a gap the peer would reject as out of order.
		w.mu.Lock()
		if w.sequences[t.TxCode] == seq+1 {
			w.sequences[t.TxCode] = seq
		}
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	if err := w.endpoint.Transact(t.TxCode, data); err != nil {
		w.mu.Unlock()
		w.credit.Release(size)
		return ErrPrimitive("transact: %v", err)
	}
	w.outgoingBytes += size
	w.mu.Unlock()

	return nil
}

func (w *Writer) acquireCredit(ctx context.Context, size int64) error {
	cctx, cancel := context.WithTimeout(ctx, w.creditWaitTimeout)
	defer cancel()
	if err := w.credit.Acquire(cctx, size); err != nil {
		if ctx.Err() != nil {
			return ErrCancelled("")
		}
		return ErrFlowControlTimeout()
	}
	return nil
}

// OnAck applies an inbound cumulative acknowledgement, raising
// acknowledged_bytes to the maximum of its current value and ackValue and
// releasing the corresponding credit (§4.3.3). Acks are clamped to never
// release more credit than has actually been acquired, so a malformed
// peer value cannot over-release the semaphore.
func (w *Writer) OnAck(ackValue int64) {
	w.mu.Lock()
	old := w.acknowledgedBytes
	if ackValue <= old {
		w.mu.Unlock()
		return
	}
	delta := ackValue - old
	outstanding := w.outgoingBytes - old
	if delta > outstanding {
		delta = outstanding
	}
	w.acknowledgedBytes = old + delta
	w.mu.Unlock()

	if delta > 0 {
		w.credit.Release(delta)
	}
}

// SendAck constructs and transacts a single ACKNOWLEDGE_BYTES control
// parcel carrying n, the caller's cumulative inbound byte count (§4.3.4).
// It obeys the same writer mutex but does not consume credit.
func (w *Writer) SendAck(n int64) error {
	pw := parcel.NewWriter()
	pw.WriteInt64(n)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.endpoint.Transact(CodeAcknowledgeBytes, pw.Bytes()); err != nil {
		return ErrPrimitive("send ack: %v", err)
	}
	return nil
}

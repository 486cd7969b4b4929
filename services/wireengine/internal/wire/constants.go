// Package wire implements the writer, reader and framing rules that bind
// the parcel codec to gRPC-style call semantics: fragmentation, per-stream
// sequencing and credit-based flow control.
//
// Grounded on redb-open's frame layer (services/mesh/internal/transport/
// ws/frame.go and virtuallink.go), which already fragments oversized
// payloads into window-bounded chunks and tracks per-lane sequence
// counters; this package generalizes that idiom to the reserved-code
// dispatch and slow-path/fast-path framing the wire protocol requires.
package wire

import "time"

const (
	// BlockSize is the maximum payload carried by a single fast-path parcel,
	// and the chunk size used to fragment a slow-path message (§4.3.2).
	BlockSize = 16 * 1024

	// FlowControlWindowSize bounds how far outgoing_bytes may run ahead of
	// acknowledged_bytes before the writer blocks (§4.3.3).
	FlowControlWindowSize = 128 * 1024

	// FlowControlAckBytes is the inbound-byte threshold that triggers an
	// ACKNOWLEDGE_BYTES emission from the reader (§4.4.4).
	FlowControlAckBytes = 16 * 1024

	// FirstCallId is the first tx code available for stream allocation; it
	// sits above the reserved control range (§3.1).
	FirstCallId = 1 << 16

	// CreditWaitTimeout bounds how long RpcCall blocks on the credit
	// condition variable before failing (§4.3.3).
	CreditWaitTimeout = 1 * time.Second
)

// Reserved control tx codes (§3.1, §6.2).
const (
	CodeSetupTransport    uint32 = 1
	CodeShutdownTransport uint32 = 2
	CodeAcknowledgeBytes  uint32 = 3
	CodePing              uint32 = 4
	CodePingResponse      uint32 = 5
)

// IsReservedCode reports whether code falls in the reserved control range
// 1..5 (§3.1).
func IsReservedCode(code uint32) bool {
	return code >= 1 && code <= 5
}

// IsStreamCode reports whether code is eligible to identify a stream
// (§3.1, §4.4.2).
func IsStreamCode(code uint32) bool {
	return code >= FirstCallId
}

// SetupVersion is the transport setup handshake version this engine
// speaks (§4.4.1).
const SetupVersion int32 = 1

package wire

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The error taxonomy of §7, expressed as gRPC statuses so the adapter and
// the surrounding RPC surface can propagate them without translation.
// Grounded on redb-open's use of grpc's status/codes leaf packages
// across services/mesh for client-facing error reporting.

// ErrProtocol wraps a protocol violation (bad framing, out-of-order
// sequence, duplicate setup, non-empty client trailing metadata, unknown
// pre-setup frame): an internal-error status, fatal to the connection.
func ErrProtocol(format string, args ...any) error {
	return status.Errorf(codes.Internal, "protocol error: "+format, args...)
}

// ErrPrimitive wraps a failure reported by the underlying IPC primitive:
// treated as internal, fatal to the connection.
func ErrPrimitive(format string, args ...any) error {
	return status.Errorf(codes.Internal, "primitive error: "+format, args...)
}

// ErrFlowControlTimeout is returned by RpcCall when the writer gave up
// waiting for credit.
func ErrFlowControlTimeout() error {
	return status.Error(codes.DeadlineExceeded, "wire: timed out waiting for flow control credit")
}

// ErrPermissionDenied is surfaced at setup when the security predicate
// refuses the peer's credential.
func ErrPermissionDenied(format string, args ...any) error {
	return status.Errorf(codes.PermissionDenied, format, args...)
}

// ErrCancelled reports local stream cancellation, delivered to in-flight
// pending receive callbacks.
func ErrCancelled(reason string) error {
	if reason == "" {
		reason = "stream cancelled"
	}
	return status.Error(codes.Canceled, reason)
}

// ErrTransportClosed is delivered to pending callbacks after graceful
// close.
func ErrTransportClosed() error {
	return status.Error(codes.Unavailable, "wire: transport closed")
}

// IsCancelled reports whether err is the sentinel produced by ErrCancelled.
func IsCancelled(err error) bool {
	return status.Code(err) == codes.Canceled
}

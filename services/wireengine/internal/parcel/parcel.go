// Package parcel implements the typed, ordered byte container the wire
// engine serializes frames into and parses frames out of (spec §4.1).
//
// A parcel is sequential: a Writer appends typed fields in call order, a
// Reader consumes them in the same order. Encoding follows the host
// primitive's conventions verbatim for scalar fields — platform-endian
// fixed-width ints — mirrored here as big-endian, matching redb-open's
// own on-wire integer encoding (transport/ws/frame.go's window-update and
// checksum fields use encoding/binary.BigEndian throughout).
package parcel

import (
	"encoding/binary"
	"fmt"
)

// Handle is an opaque reference to a peer IPC endpoint. Writing a Handle
// into a parcel is defined to transfer a reference the peer is obligated
// to release (§3.1 "Endpoint handle").
type Handle uint64

// Writer is a sequential, append-only view over an outbound parcel.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 256)}
}

// Bytes returns the parcel's current serialized form.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// WriteInt32 appends a 4-byte field.
func (w *Writer) WriteInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
}

// WriteInt64 appends an 8-byte field.
func (w *Writer) WriteInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}

// WriteString appends a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteByteArrayWithLength([]byte(s))
}

// WriteHandle appends an opaque endpoint-handle token.
func (w *Writer) WriteHandle(h Handle) {
	w.WriteInt64(int64(h))
}

// WriteByteArrayWithLength writes a 32-bit length followed by the bytes,
// writing only the length field when data is empty (§4.1).
func (w *Writer) WriteByteArrayWithLength(data []byte) {
	w.WriteInt32(int32(len(data)))
	if len(data) == 0 {
		return
	}
	w.buf = append(w.buf, data...)
}

// Reader is a sequential, consuming view over an inbound parcel.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps data for sequential typed reads. The caller retains
// ownership of data; ReadByteArray/ReadString return copies.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Remaining reports how many bytes are left unconsumed.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("parcel: underflow: need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

// ReadInt32 consumes a 4-byte field.
func (r *Reader) ReadInt32() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return int32(v), nil
}

// ReadInt64 consumes an 8-byte field.
func (r *Reader) ReadInt64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return int64(v), nil
}

// ReadHandle consumes an opaque endpoint-handle token. The reader takes
// ownership of the handle and is responsible for eventually releasing it
// (§9, "Endpoint handle ownership across parcels").
func (r *Reader) ReadHandle() (Handle, error) {
	v, err := r.ReadInt64()
	if err != nil {
		return 0, fmt.Errorf("parcel: read handle: %w", err)
	}
	return Handle(v), nil
}

// ReadByteArray consumes a length-prefixed byte array and returns an owned
// copy, using the inverse framing of WriteByteArrayWithLength (§4.1).
func (r *Reader) ReadByteArray() ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("parcel: read array length: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("parcel: negative array length %d", n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	if err := r.need(int(n)); err != nil {
		return nil, fmt.Errorf("parcel: read array body: %w", err)
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// ReadString consumes a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadByteArray()
	if err != nil {
		return "", fmt.Errorf("parcel: read string: %w", err)
	}
	return string(b), nil
}

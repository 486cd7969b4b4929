package parcel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	w := NewWriter()
	w.WriteInt32(-42)
	w.WriteInt64(1 << 40)
	w.WriteString("hello")
	w.WriteHandle(Handle(7))

	r := NewReader(w.Bytes())

	i32, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-42), i32)

	i64, err := r.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40), i64)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	h, err := r.ReadHandle()
	require.NoError(t, err)
	assert.Equal(t, Handle(7), h)

	assert.Zero(t, r.Remaining())
}

func TestByteArrayWithLengthRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte("x"),
		make([]byte, 1000),
	}
	for _, c := range cases {
		w := NewWriter()
		w.WriteByteArrayWithLength(c)
		r := NewReader(w.Bytes())
		got, err := r.ReadByteArray()
		require.NoError(t, err)
		assert.Equal(t, len(c), len(got))
	}
}

func TestEmptyArrayWritesOnlyLength(t *testing.T) {
	w := NewWriter()
	w.WriteByteArrayWithLength(nil)
	assert.Equal(t, 4, w.Len())
}

func TestReadUnderflow(t *testing.T) {
	r := NewReader([]byte{0, 0})
	_, err := r.ReadInt32()
	assert.Error(t, err)
}

func TestReadByteArrayUnderflow(t *testing.T) {
	w := NewWriter()
	w.WriteInt32(10)
	r := NewReader(w.Bytes())
	_, err := r.ReadByteArray()
	assert.Error(t, err)
}

func TestNegativeLengthRejected(t *testing.T) {
	w := NewWriter()
	w.WriteInt32(-1)
	r := NewReader(w.Bytes())
	_, err := r.ReadByteArray()
	assert.Error(t, err)
}

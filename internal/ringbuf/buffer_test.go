package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(16)
	require.NoError(t, b.Write([]byte("hello")))

	first, second := b.Peek()
	got := append(append([]byte{}, first...), second...)
	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, 5, b.ReadableLen())
}

func TestWrapAroundPeekTwoSegments(t *testing.T) {
	b := New(8)
	require.NoError(t, b.Write([]byte("ABCDEF")))
	b.Discard(4) // start=4, len=2, writable=6

	require.NoError(t, b.Write([]byte("1234")))
	// readable region now wraps: "EF1234" split across the array boundary
	first, second := b.Peek()
	require.NotEmpty(t, second, "expected wrap-around to produce two segments")

	got := append(append([]byte{}, first...), second...)
	assert.Equal(t, []byte("EF1234"), got)
}

func TestWriteOverflowLeavesBufferUnchanged(t *testing.T) {
	b := New(4)
	require.NoError(t, b.Write([]byte("ab")))

	err := b.Write([]byte("abc"))
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 2, b.ReadableLen(), "failed write must not mutate the buffer")
}

func TestBoundaryExactCapacityFits(t *testing.T) {
	const obufCap = 16

	// OBUF_CAP - 2 bytes writes successfully (§8 boundary behavior, using a
	// small buffer here in place of the full 256 KiB OBUF_CAP).
	b := New(obufCap)
	assert.NoError(t, b.Write(make([]byte, obufCap-2)))

	b2 := New(obufCap)
	assert.NoError(t, b2.Write(make([]byte, obufCap)), "exactly capacity bytes should fit")

	b3 := New(obufCap)
	assert.ErrorIs(t, b3.Write(make([]byte, obufCap+1)), ErrOverflow)
}

func TestDiscardBeyondLenClamps(t *testing.T) {
	b := New(8)
	b.Write([]byte("abc"))
	b.Discard(100)
	assert.Equal(t, 0, b.ReadableLen(), "over-discard should clamp, not underflow")
}

func TestResetEmptiesBuffer(t *testing.T) {
	b := New(8)
	b.Write([]byte("abc"))
	b.Reset()
	assert.Equal(t, 0, b.ReadableLen())
	assert.Equal(t, 8, b.WritableLen())
}

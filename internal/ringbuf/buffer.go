// Package ringbuf implements the bounded per-direction byte FIFO used for
// each connection's socket output (the "obuf").
//
// Buffer is not safe for concurrent use; the tick scheduler is the only
// goroutine that touches it.
package ringbuf

import "errors"

// ErrOverflow is returned by Write when the buffer does not have enough
// free space to hold the given bytes. The buffer is left unmodified.
var ErrOverflow = errors.New("ringbuf: overflow")

// Buffer is a fixed-capacity circular byte queue.
type Buffer struct {
	data  []byte
	start int // index of first readable byte
	len   int // number of readable bytes
}

// New creates a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// ReadableLen returns the number of bytes currently queued.
func (b *Buffer) ReadableLen() int {
	return b.len
}

// WritableLen returns the number of bytes that can still be written
// before Write returns ErrOverflow.
func (b *Buffer) WritableLen() int {
	return len(b.data) - b.len
}

// Write appends p to the buffer. If p does not fit in the remaining
// capacity, the buffer is left unmodified and ErrOverflow is returned —
// overflow is always signaled, never silently truncated.
func (b *Buffer) Write(p []byte) error {
	if len(p) > b.WritableLen() {
		return ErrOverflow
	}
	if len(p) == 0 {
		return nil
	}

	end := (b.start + b.len) % len(b.data)
	n := copy(b.data[end:], p)
	if n < len(p) {
		copy(b.data, p[n:])
	}
	b.len += len(p)
	return nil
}

// Peek returns up to two slices giving a contiguous view of the readable
// bytes without consuming them. The second slice is non-empty only when
// the readable region wraps around the end of the underlying array; a
// caller draining to a socket must write both segments in order.
func (b *Buffer) Peek() (first, second []byte) {
	if b.len == 0 {
		return nil, nil
	}
	end := b.start + b.len
	if end <= len(b.data) {
		return b.data[b.start:end], nil
	}
	return b.data[b.start:], b.data[:end-len(b.data)]
}

// Discard removes the first n bytes from the readable region, e.g. after
// they have been written to a socket. An n larger than ReadableLen is
// clamped to it, emptying the buffer.
func (b *Buffer) Discard(n int) {
	if n <= 0 {
		return
	}
	if n > b.len {
		n = b.len
	}
	b.start = (b.start + n) % len(b.data)
	b.len -= n
}

// Reset discards all queued bytes, returning the buffer to empty.
func (b *Buffer) Reset() {
	b.start = 0
	b.len = 0
}

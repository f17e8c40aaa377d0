// Package wire implements the legacy frame format (§4.2): a 2-byte
// length+compression-flag header followed by a raw or zlib-compressed
// payload of opcode-tagged messages, plus the frozen opcode dispatch
// table those messages are built from.
package wire

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// MaxPayloadLen is the largest payload_len the 15-bit length field can
// encode (§8 boundary behavior, §9 design note): 0x7FFD fits since
// payload_len+2 must fit in 15 bits (max 0x7FFF).
const MaxPayloadLen = 0x7FFD

// flagCompressed is the high bit of the 16-bit header that marks a
// compressed payload (§4.2).
const flagCompressed = 0x8000

// ErrPayloadTooLarge is returned by Encode when payload_len would not fit
// the 15-bit length field (§8: 0x7FFE MUST be rejected at encode time).
var ErrPayloadTooLarge = fmt.Errorf("wire: payload length exceeds %d bytes", MaxPayloadLen)

// Compressor wraps a reusable zlib writer so that compress_ticks (§4.4)
// does not allocate a fresh deflate state for every connection on every
// tick. Not safe for concurrent use — the tick scheduler owns it.
type Compressor struct {
	buf *bytes.Buffer
	zw  *zlib.Writer
}

// NewCompressor creates a Compressor with its output buffer and deflate
// state ready to reuse across connections and ticks.
func NewCompressor() *Compressor {
	buf := &bytes.Buffer{}
	zw := zlib.NewWriter(buf)
	return &Compressor{buf: buf, zw: zw}
}

// compress deflates payload (zlib-wrapped, default compression level) and
// returns the compressed bytes. The returned slice is only valid until
// the next call to compress — callers must copy it before reuse.
func (c *Compressor) compress(payload []byte) ([]byte, error) {
	c.buf.Reset()
	c.zw.Reset(c.buf)

	if _, err := c.zw.Write(payload); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := c.zw.Close(); err != nil {
		return nil, fmt.Errorf("zlib compress: closing stream: %w", err)
	}
	return c.buf.Bytes(), nil
}

// Encode frames payload per §4.2: it picks the compressed form when
// payload is at least threshold bytes AND compression actually shrinks
// it, otherwise it frames the raw bytes. The returned slice is a fresh
// allocation owned by the caller (safe to append directly to an output
// ring).
func (c *Compressor) Encode(payload []byte, threshold int) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}

	if len(payload) >= threshold {
		compressed, err := c.compress(payload)
		if err == nil && len(compressed) < len(payload) {
			return buildFrame(compressed, true)
		}
		if err != nil {
			return nil, err
		}
	}
	return buildFrame(payload, false)
}

// buildFrame writes the 2-byte olen header (§4.2) followed by body.
func buildFrame(body []byte, compressed bool) ([]byte, error) {
	payloadLen := len(body) + 2
	if payloadLen > 0x7FFF {
		return nil, ErrPayloadTooLarge
	}

	olen := uint16(payloadLen) & 0x7FFF
	if compressed {
		olen |= flagCompressed
	}

	frame := make([]byte, 2+len(body))
	frame[0] = byte(olen)
	frame[1] = byte(olen >> 8)
	copy(frame[2:], body)
	return frame, nil
}

// Header describes a parsed frame header.
type Header struct {
	PayloadLen int // real payload byte count (excludes the 2-byte header itself)
	Compressed bool
}

// ParseHeader decodes the 2-byte olen header (§4.2).
func ParseHeader(b [2]byte) Header {
	olen := uint16(b[0]) | uint16(b[1])<<8
	compressed := olen&flagCompressed != 0
	olenLow := olen &^ flagCompressed
	return Header{
		PayloadLen: int(olenLow) - 2,
		Compressed: compressed,
	}
}

// decompressorPool reuses zlib.Reader-backing buffers across Decode calls.
var decompressorPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Decode reverses Encode: given a frame's payload bytes (everything after
// the 2-byte header) and whether the header marked it compressed, it
// returns the original opcode-tagged message bytes.
func Decode(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: opening stream: %w", err)
	}
	defer zr.Close()

	out := decompressorPool.Get().(*bytes.Buffer)
	out.Reset()
	defer decompressorPool.Put(out)

	if _, err := out.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	return bytes.Clone(out.Bytes()), nil
}

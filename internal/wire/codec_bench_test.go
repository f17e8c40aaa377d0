package wire

import (
	"bytes"
	"testing"
)

func BenchmarkEncodeUncompressed(b *testing.B) {
	c := NewCompressor()
	payload := bytes.Repeat([]byte{0x2B, 0x01, 0x02, 0x03}, 4) // 16 bytes, under threshold
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Encode(payload, 64); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeCompressed(b *testing.B) {
	c := NewCompressor()
	payload := bytes.Repeat([]byte{0x31, 0x00, 0x00, 0x00}, 64) // 256 bytes, repetitive
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Encode(payload, 64); err != nil {
			b.Fatal(err)
		}
	}
}

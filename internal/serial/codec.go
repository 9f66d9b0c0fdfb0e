package serial

import (
	"bytes"

	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

// Envelope bytes shared by both directions of the bridge link.
const (
	pre0 = 0x2D
	pre1 = 0xD4

	// MaxChunk is the largest SPI transfer carried by one envelope.
	MaxChunk = 64

	// ln = body bytes + 1 (checksum); body = INS [STATUS] [DATA...]
	minLn = 1 + 1
	maxLn = 2 + MaxChunk + 1
)

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	// unread < 25% of capacity
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// Envelope wraps body for the wire:
// [0x2D, 0xD4, len(body)+1, body..., checksum]
// checksum = 0x2D + (len(body)+1) + sum(body) (mod 256)
func Envelope(body []byte) []byte {
	n := len(body)
	frame := make([]byte, n+4)
	frame[0] = pre0
	frame[1] = pre1
	frame[2] = byte(n + 1)

	sum := frame[2] + pre0
	for i, b := range body {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// DecodeStream consumes complete envelopes from in and hands each body to
// out. The body slice is only valid during the callback. Garbage and
// corrupted envelopes are skipped one byte at a time until the preamble
// lines up again. Incomplete trailing data stays in in.
func (Codec) DecodeStream(in *bytes.Buffer, out func(body []byte)) error {
	header := []byte{pre0, pre1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case it is the first preamble byte
			last := data[len(data)-1]
			in.Reset()
			if last == pre0 {
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		out(data[3 : req-1])
		in.Next(req)
	}
}

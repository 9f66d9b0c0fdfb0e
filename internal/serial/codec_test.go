package serial

import (
	"bytes"
	"testing"
)

func TestEnvelopeLayout(t *testing.T) {
	got := Envelope([]byte{insTransfer, 0x03, 0x0E})
	// checksum: 0x2D + 0x04 + 0x12 + 0x03 + 0x0E
	want := []byte{0x2D, 0xD4, 0x04, 0x12, 0x03, 0x0E, 0x54}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X want % X", got, want)
	}
}

func TestDecodeStreamChunked(t *testing.T) {
	want := [][]byte{
		{insSelect},
		{insTransfer, statusOK, 0xFF, 0x00, 0x80},
		{insIRQ},
		append([]byte{insTransfer, statusOK}, bytes.Repeat([]byte{0xA5}, MaxChunk)...),
		{insDeselect, statusOK},
	}
	var stream []byte
	for i, b := range want {
		if i == 2 {
			stream = append(stream, 0x00, 0x2D, 0x11) // line noise
		}
		stream = append(stream, Envelope(b)...)
	}

	var c Codec
	var buf bytes.Buffer
	var got [][]byte
	sizes := []int{1, 2, 3, 5, 7, 11}
	for pos, k := 0, 0; pos < len(stream); k++ {
		n := min(sizes[k%len(sizes)], len(stream)-pos)
		buf.Write(stream[pos : pos+n])
		pos += n
		if err := c.DecodeStream(&buf, func(body []byte) {
			got = append(got, append([]byte(nil), body...))
		}); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d bodies, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("body %d: got % X want % X", i, got[i], want[i])
		}
	}
}

func TestDecodeStreamKeepsPartial(t *testing.T) {
	var c Codec
	frame := Envelope([]byte{insSelect, statusOK})
	buf := bytes.NewBuffer(frame[:len(frame)-1])
	calls := 0
	_ = c.DecodeStream(buf, func([]byte) { calls++ })
	if calls != 0 || buf.Len() != len(frame)-1 {
		t.Fatalf("calls=%d buffered=%d", calls, buf.Len())
	}
	buf.WriteByte(frame[len(frame)-1])
	_ = c.DecodeStream(buf, func([]byte) { calls++ })
	if calls != 1 || buf.Len() != 0 {
		t.Fatalf("calls=%d buffered=%d", calls, buf.Len())
	}
}

func TestCompactBuffer(t *testing.T) {
	var b bytes.Buffer
	b.Grow(1 << 16)
	b.Write(make([]byte, 2048))
	if !CompactBuffer(&b) {
		t.Fatalf("expected compaction")
	}
	if b.Len() != 2048 {
		t.Fatalf("len %d", b.Len())
	}
}

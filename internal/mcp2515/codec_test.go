package mcp2515

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

func TestCodecRoundTrip(t *testing.T) {
	var msgs []can.Message
	for _, id := range []uint32{0, 1, 0x0F, 0x555, 0x7FF} {
		for l := uint8(0); l <= can.MaxLen; l++ {
			m := can.Message{ID: id, Len: l}
			for i := uint8(0); i < l; i++ {
				m.Data[i] = byte(id) + i*17
			}
			msgs = append(msgs, m)
		}
		msgs = append(msgs, can.Message{ID: id, Remote: true}, can.Message{ID: id, Remote: true, Len: 4})
	}
	for _, id := range []uint32{0, 0x800, 0x3FFFF, 0x12345678, 0x1FFFFFFF} {
		for l := uint8(0); l <= can.MaxLen; l++ {
			m := can.Message{ID: id, Extended: true, Len: l}
			for i := uint8(0); i < l; i++ {
				m.Data[i] = 0xF0 ^ i
			}
			msgs = append(msgs, m)
		}
		msgs = append(msgs, can.Message{ID: id, Extended: true, Remote: true, Len: 8})
	}
	buf := make([]byte, headerLen+can.MaxLen)
	for _, m := range msgs {
		n, err := EncodeFrame(buf, m)
		if err != nil {
			t.Fatalf("encode %v: %v", m, err)
		}
		want := headerLen + int(m.Len)
		if n != want {
			t.Fatalf("encode %v: wrote %d bytes", m, n)
		}
		got, err := DecodeFrame(buf[:n])
		if err != nil {
			t.Fatalf("decode %v: %v", m, err)
		}
		if !got.Equal(m) {
			t.Fatalf("round trip mismatch: got %v want %v", got, m)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	tests := []struct {
		name string
		m    can.Message
		want []byte
	}{
		{"std max", can.Message{ID: 0x7FF}, []byte{0xFF, 0xE0, 0x00, 0x00, 0x00}},
		{"std 0x0F", can.Message{ID: 0x0F, Len: 2, Data: [8]byte{0xAA, 0x55}}, []byte{0x01, 0xE0, 0x00, 0x00, 0x02, 0xAA, 0x55}},
		{"std remote", can.Message{ID: 0x100, Remote: true, Len: 3}, []byte{0x20, 0x00, 0x00, 0x00, 0x43, 0x00, 0x00, 0x00}},
		{"ext max", can.Message{ID: 0x1FFFFFFF, Extended: true}, []byte{0xFF, 0xEB, 0xFF, 0xFF, 0x00}},
		{"ext mixed", can.Message{ID: 0x12345678, Extended: true, Len: 1, Data: [8]byte{7}}, []byte{0x91, 0xA8, 0x56, 0x78, 0x01, 0x07}},
	}
	for _, tc := range tests {
		buf := make([]byte, 16)
		n, err := EncodeFrame(buf, tc.m)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !bytes.Equal(buf[:n], tc.want) {
			t.Fatalf("%s: got % X want % X", tc.name, buf[:n], tc.want)
		}
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	buf := make([]byte, 16)
	if _, err := EncodeFrame(buf, can.Message{ID: 1, Len: 9}); !errors.Is(err, can.ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := EncodeFrame(buf, can.Message{ID: 0x800}); !errors.Is(err, can.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := EncodeFrame(buf, can.Message{ID: 0x20000000, Extended: true}); !errors.Is(err, can.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := EncodeFrame(buf[:6], can.Message{ID: 1, Len: 8}); err == nil {
		t.Fatalf("expected short buffer error")
	}
}

func TestDecodeHeaderRemoteAndClamp(t *testing.T) {
	var m can.Message
	m.Data = [8]byte{1, 2, 3}
	// standard remote flagged via SRR
	DecodeHeader([]byte{0x01, 0xF0, 0x00, 0x00, 0x02}, &m)
	if !m.Remote || m.Extended || m.ID != 0x0F || m.Len != 2 {
		t.Fatalf("unexpected header decode: %+v", m)
	}
	if m.Data != ([8]byte{}) {
		t.Fatalf("remote frame payload not cleared")
	}
	// extended remote flagged via DLC RTR
	DecodeHeader([]byte{0x00, 0x08, 0x00, 0x01, 0x40}, &m)
	if !m.Remote || !m.Extended || m.ID != 1 {
		t.Fatalf("unexpected ext remote decode: %+v", m)
	}
	// SRR is always set on extended frames and does not mark them remote
	DecodeHeader([]byte{0x00, sidlEXIDE | sidlSRR, 0x00, 0x01, 0x03}, &m)
	if m.Remote || !m.Extended || m.ID != 1 || m.Len != 3 {
		t.Fatalf("extended data frame decoded as remote: %+v", m)
	}
	// DLC above 8 is capped
	DecodeHeader([]byte{0x00, 0x00, 0x00, 0x00, 0x0F}, &m)
	if m.Len != can.MaxLen || m.Remote {
		t.Fatalf("expected len clamp to 8, got %+v", m)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	if _, err := DecodeFrame([]byte{0, 0, 0}); err == nil {
		t.Fatalf("expected short frame error")
	}
	if _, err := DecodeFrame([]byte{0, 0, 0, 0, 4, 1, 2}); err == nil {
		t.Fatalf("expected truncated payload error")
	}
}

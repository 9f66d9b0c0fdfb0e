package can

import (
	"errors"
	"testing"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name string
		m    Message
		want error
	}{
		{"std max", Message{ID: 0x7FF}, nil},
		{"std overflow", Message{ID: 0x800}, ErrInvalidID},
		{"ext max", Message{ID: 0x1FFFFFFF, Extended: true}, nil},
		{"ext overflow", Message{ID: 0x20000000, Extended: true}, ErrInvalidID},
		{"len 8", Message{ID: 1, Len: 8}, nil},
		{"len 9", Message{ID: 1, Len: 9}, ErrInvalidLength},
	}
	for _, tc := range tests {
		err := tc.m.Validate()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, err)
		}
	}
}

func TestNewRejectsLongPayload(t *testing.T) {
	if _, err := New(0x10, false, make([]byte, 9)...); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestSocketCANConversion(t *testing.T) {
	in := []Message{
		{ID: 0x123, Len: 2, Data: [8]byte{0xAA, 0xBB}},
		{ID: 0x1ABCDE, Extended: true, Len: 1, Data: [8]byte{1}},
		{ID: 0x7FF, Remote: true},
	}
	for i, m := range in {
		out, err := FromSocketCAN(m.SocketCANID(), m.Payload())
		if err != nil {
			t.Fatalf("%d: %v", i, err)
		}
		if !out.Equal(m) {
			t.Fatalf("%d: got %v want %v", i, out, m)
		}
	}
	if _, err := FromSocketCAN(CAN_ERR_FLAG|0x4, nil); err == nil {
		t.Fatalf("expected error frame rejection")
	}
}

func TestEqualIgnoresBytesBeyondLen(t *testing.T) {
	a := Message{ID: 5, Len: 1, Data: [8]byte{1, 2}}
	b := Message{ID: 5, Len: 1, Data: [8]byte{1, 9}}
	if !a.Equal(b) {
		t.Fatalf("expected equal")
	}
}

func TestEqualRemoteComparesLengthOnly(t *testing.T) {
	a := Message{ID: 0x10, Remote: true, Len: 4, Data: [8]byte{1, 2, 3, 4}}
	b := Message{ID: 0x10, Remote: true, Len: 4}
	if !a.Equal(b) {
		t.Fatalf("remote frames with the same length should be equal")
	}
	b.Len = 2
	if a.Equal(b) {
		t.Fatalf("requested length must still match")
	}
	if a.Equal(Message{ID: 0x10, Len: 4, Data: [8]byte{1, 2, 3, 4}}) {
		t.Fatalf("remote and data frame compared equal")
	}
}

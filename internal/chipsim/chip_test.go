package chipsim

import (
	"testing"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

// xfer runs one chip-select cycle and returns the bytes clocked out.
func xfer(t *testing.T, c *Chip, in ...byte) []byte {
	t.Helper()
	if err := c.Select(); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(in))
	for i, b := range in {
		v, err := c.TransmitByte(b)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = v
	}
	if err := c.Deselect(); err != nil {
		t.Fatal(err)
	}
	return out
}

func setMode(t *testing.T, c *Chip, m byte) {
	t.Helper()
	xfer(t, c, opBitModify, regCANCTRL, 0xE0, m<<5)
}

func send(t *testing.T, c *Chip, n byte, m can.Message) {
	t.Helper()
	img := encode(m)
	xfer(t, c, append([]byte{opLoadTx | n<<1}, img[:5+int(m.Len)]...)...)
	xfer(t, c, opRTS|1<<n)
}

func TestPowerOnState(t *testing.T) {
	c := New()
	if c.Mode() != ModeConfig {
		t.Fatalf("mode %d", c.Mode())
	}
	if got := xfer(t, c, opRead, regCANSTAT, 0)[2]; got != 0x80 {
		t.Fatalf("CANSTAT 0x%02X", got)
	}
	if _, err := c.TransmitByte(0); err != ErrNotSelected {
		t.Fatalf("expected ErrNotSelected, got %v", err)
	}
}

func TestTimingWritableOnlyInConfig(t *testing.T) {
	c := New()
	xfer(t, c, opWrite, regCNF1, 0x05)
	if c.Register(regCNF1) != 0x05 {
		t.Fatalf("CNF1 0x%02X", c.Register(regCNF1))
	}
	setMode(t, c, ModeNormal)
	xfer(t, c, opWrite, regCNF3, 0x07)
	if c.Register(regCNF3) == 0x07 {
		t.Fatalf("CNF3 written outside configuration mode")
	}
}

func TestLoopbackDeliversAndRaisesInterrupt(t *testing.T) {
	c := New()
	edges := 0
	c.OnInterrupt(func() { edges++ })
	xfer(t, c, opWrite, regCANINTE, intRX0|intRX1)
	setMode(t, c, ModeLoopback)
	m := can.Message{ID: 0x0F, Len: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	send(t, c, 0, m)
	if edges != 1 || !c.Asserted() {
		t.Fatalf("edges=%d asserted=%v", edges, c.Asserted())
	}
	st := xfer(t, c, opReadStatus, 0)[1]
	if st&0x01 == 0 || st&0x08 == 0 || st&0x04 != 0 {
		t.Fatalf("status 0x%02X", st)
	}
	hdr := xfer(t, c, opReadRx, 0, 0, 0, 0, 0)[1:]
	data := xfer(t, c, opReadRx|0x02, 0, 0, 0, 0, 0, 0, 0, 0)[1:]
	got := decode(append(hdr, data...))
	if !got.Equal(m) {
		t.Fatalf("got %v want %v", got, m)
	}
	if c.Asserted() {
		t.Fatalf("INT still low after reading the only frame")
	}
}

func TestRolloverAndOverflow(t *testing.T) {
	c := New()
	xfer(t, c, opWrite, regRXB0CTRL, rxBUKT)
	setMode(t, c, ModeNormal)
	for i := 0; i < 3; i++ {
		if err := c.Inject(can.Message{ID: uint32(i)}); err != nil {
			t.Fatal(err)
		}
	}
	f := c.Register(regCANINTF)
	if f&intRX0 == 0 || f&intRX1 == 0 || f&intERR == 0 {
		t.Fatalf("CANINTF 0x%02X", f)
	}
	if c.Register(regEFLG)&eflgRX1OVR == 0 {
		t.Fatalf("EFLG 0x%02X", c.Register(regEFLG))
	}
}

func TestStallAndAbort(t *testing.T) {
	c := New()
	setMode(t, c, ModeNormal)
	c.SetStall(true)
	send(t, c, 1, can.Message{ID: 5})
	if st := xfer(t, c, opReadStatus, 0)[1]; st&0x10 == 0 {
		t.Fatalf("TXB1 not pending, status 0x%02X", st)
	}
	xfer(t, c, opBitModify, regCANCTRL, ctrlABAT, ctrlABAT)
	if st := xfer(t, c, opReadStatus, 0)[1]; st&0x54 != 0 {
		t.Fatalf("abort left TXREQ, status 0x%02X", st)
	}
	if c.Register(regTXB0CTRL+0x10)&txABTF == 0 {
		t.Fatalf("ABTF not set")
	}
	xfer(t, c, opBitModify, regCANCTRL, ctrlABAT, 0)
	c.SetStall(false)
	var peer []can.Message
	c.OnTransmit(func(m can.Message) { peer = append(peer, m) })
	send(t, c, 2, can.Message{ID: 6, Len: 1, Data: [8]byte{6}})
	if len(peer) != 1 || peer[0].ID != 6 || len(c.Transmitted()) != 1 {
		t.Fatalf("peer %v transmitted %v", peer, c.Transmitted())
	}
}

func TestInjectRejectedInConfig(t *testing.T) {
	c := New()
	if err := c.Inject(can.Message{ID: 1}); err != ErrNotReceiving {
		t.Fatalf("expected ErrNotReceiving, got %v", err)
	}
}

func TestNestedSelectCounted(t *testing.T) {
	c := New()
	_ = c.Select()
	_ = c.Select()
	_ = c.Deselect()
	_ = c.Deselect()
	if c.Violations() != 2 {
		t.Fatalf("violations %d", c.Violations())
	}
}

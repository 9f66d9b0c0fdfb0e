// Package chipsim is an in-memory MCP2515 that speaks the SPI instruction
// set. It backs the gateway's sim backend and the driver tests.
//
// Instructions take effect when chip-select is released. Transmissions
// complete instantly in normal and loopback mode unless stalled; loopback
// frames land in the receive buffers, normal-mode frames go to the
// OnTransmit hook.
package chipsim

import (
	"errors"
	"sync"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

const (
	opWrite      = 0x02
	opRead       = 0x03
	opBitModify  = 0x05
	opLoadTx     = 0x40
	opRTS        = 0x80
	opReadRx     = 0x90
	opReadStatus = 0xA0
	opReset      = 0xC0
)

const (
	regCANSTAT  = 0x0E
	regCANCTRL  = 0x0F
	regTEC      = 0x1C
	regREC      = 0x1D
	regCNF3     = 0x28
	regCNF2     = 0x29
	regCNF1     = 0x2A
	regCANINTE  = 0x2B
	regCANINTF  = 0x2C
	regEFLG     = 0x2D
	regTXB0CTRL = 0x30
	regRXB0CTRL = 0x60
	regRXB1CTRL = 0x70
)

const (
	ctrlABAT = 0x10
	txREQ    = 0x08
	txABTF   = 0x40
	rxBUKT   = 0x04
	sidlSRR  = 0x10
	sidlIDE  = 0x08
	dlcRTR   = 0x40

	intRX0 = 0x01
	intRX1 = 0x02
	intTX0 = 0x04
	intERR = 0x20

	eflgRX0OVR = 0x40
	eflgRX1OVR = 0x80
)

// Operating modes as found in CANSTAT.OPMOD.
const (
	ModeNormal     = 0
	ModeSleep      = 1
	ModeLoopback   = 2
	ModeListenOnly = 3
	ModeConfig     = 4
)

// bufLen is SIDH..D7 of a transmit or receive buffer.
const bufLen = 13

var (
	ErrNotSelected  = errors.New("chipsim: transfer without chip select")
	ErrNotReceiving = errors.New("chipsim: controller not receiving in this mode")
)

// Chip is a simulated controller. It implements the driver's Bus and
// ChipSelect interfaces.
type Chip struct {
	mu       sync.Mutex
	regs     [0x80]byte
	selected bool
	seq      []byte
	stall    bool
	intLow   bool

	onEdge func()
	onTx   func(can.Message)

	sent       []can.Message
	firedEdge  bool
	outbox     []can.Message
	violations int
	transfers  int
}

// New returns a chip in its power-on state (configuration mode).
func New() *Chip {
	c := &Chip{seq: make([]byte, 0, 16)}
	c.reset()
	return c
}

// OnInterrupt registers fn to be called on each falling edge of INT. It is
// called without the chip lock held.
func (c *Chip) OnInterrupt(fn func()) {
	c.mu.Lock()
	c.onEdge = fn
	c.mu.Unlock()
}

// OnTransmit registers fn to receive frames sent in normal mode.
func (c *Chip) OnTransmit(fn func(can.Message)) {
	c.mu.Lock()
	c.onTx = fn
	c.mu.Unlock()
}

// SetStall holds transmissions pending (no bus acknowledge) while true.
func (c *Chip) SetStall(v bool) {
	c.mu.Lock()
	c.stall = v
	c.settle()
	c.unlock()
}

func (c *Chip) Select() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected {
		c.violations++
	}
	c.selected = true
	c.seq = c.seq[:0]
	c.transfers++
	return nil
}

func (c *Chip) Deselect() error {
	c.mu.Lock()
	if !c.selected {
		c.violations++
	}
	c.selected = false
	if len(c.seq) > 0 {
		c.finish(c.seq[0])
	}
	c.seq = c.seq[:0]
	c.settle()
	c.unlock()
	return nil
}

func (c *Chip) TransmitByte(b byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return 0, ErrNotSelected
	}
	return c.clock(b), nil
}

func (c *Chip) TransmitBytes(buf []byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return 0, ErrNotSelected
	}
	var last byte
	for _, b := range buf {
		last = c.clock(b)
	}
	return last, nil
}

func (c *Chip) ReadBytes(out []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return ErrNotSelected
	}
	for i := range out {
		out[i] = c.clock(0x00)
	}
	return nil
}

// Inject delivers m as if received from the bus.
func (c *Chip) Inject(m can.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	switch c.regs[regCANSTAT] >> 5 {
	case ModeNormal, ModeListenOnly:
	default:
		c.mu.Unlock()
		return ErrNotReceiving
	}
	img := encode(m)
	c.receive(img[:])
	c.settle()
	c.unlock()
	return nil
}

// InjectError raises ERRIF with the given EFLG bits and receive error count.
func (c *Chip) InjectError(eflg, rec byte) {
	c.mu.Lock()
	c.regs[regEFLG] |= eflg
	c.regs[regREC] = rec
	c.regs[regCANINTF] |= intERR
	c.settle()
	c.unlock()
}

// Register returns the raw value at addr.
func (c *Chip) Register(addr byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr&0x7F]
}

// Mode returns CANSTAT.OPMOD.
func (c *Chip) Mode() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[regCANSTAT] >> 5
}

// Asserted reports whether INT is driven low.
func (c *Chip) Asserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intLow
}

// Transmitted returns a copy of the frames sent in normal mode.
func (c *Chip) Transmitted() []can.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]can.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Violations counts nested selects and unmatched deselects.
func (c *Chip) Violations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations
}

// Transfers counts chip-select cycles.
func (c *Chip) Transfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers
}

// unlock releases the lock and runs the callbacks collected meanwhile.
func (c *Chip) unlock() {
	edge := c.firedEdge
	c.firedEdge = false
	out := c.outbox
	c.outbox = nil
	onEdge, onTx := c.onEdge, c.onTx
	c.mu.Unlock()
	if onTx != nil {
		for _, m := range out {
			onTx(m)
		}
	}
	if edge && onEdge != nil {
		onEdge()
	}
}

func (c *Chip) reset() {
	c.regs = [0x80]byte{}
	c.regs[regCANSTAT] = ModeConfig << 5
	c.regs[regCANCTRL] = ModeConfig<<5 | 0x07
	c.intLow = false
}

func (c *Chip) mode() byte { return c.regs[regCANSTAT] >> 5 }

// clock shifts one byte in and returns the byte shifted out.
func (c *Chip) clock(in byte) byte {
	c.seq = append(c.seq, in)
	i := len(c.seq) - 1
	if i == 0 {
		return 0xFF
	}
	op := c.seq[0]
	switch {
	case op == opRead:
		if i >= 2 {
			return c.regs[(c.seq[1]+byte(i-2))&0x7F]
		}
	case op == opWrite:
		if i >= 2 {
			c.writeReg((c.seq[1]+byte(i-2))&0x7F, in)
		}
	case op == opBitModify:
		if i == 3 {
			addr := c.seq[1] & 0x7F
			mask := c.seq[2]
			c.writeReg(addr, c.regs[addr]&^mask|in&mask)
		}
	case op == opReadStatus:
		return c.status()
	case op&0xF8 == opLoadTx && op&0x07 <= 5:
		if addr, ok := window(loadStart(op), i-1); ok {
			c.regs[addr] = in
		}
	case op&0xF9 == opReadRx:
		if addr, ok := window(readStart(op), i-1); ok {
			return c.regs[addr]
		}
	}
	return 0x00
}

// finish applies the instructions that act on chip-select release.
func (c *Chip) finish(op byte) {
	switch {
	case op == opReset:
		c.reset()
	case op&0xF8 == opRTS:
		for n := 0; n < 3; n++ {
			if op&(1<<n) != 0 {
				c.regs[regTXB0CTRL+0x10*byte(n)] |= txREQ
			}
		}
	case op&0xF9 == opReadRx:
		c.regs[regCANINTF] &^= intRX0 << ((op >> 2) & 1)
	}
}

func loadStart(op byte) byte {
	abc := op & 0x07
	return regTXB0CTRL + 1 + 0x10*(abc>>1) + 5*(abc&1)
}

func readStart(op byte) byte {
	nm := (op >> 1) & 0x03
	return regRXB0CTRL + 1 + 0x10*(nm>>1) + 5*(nm&1)
}

// window maps offset past start to an address inside the same buffer.
func window(start byte, off int) (byte, bool) {
	if int(start&0x0F)+off > bufLen {
		return 0, false
	}
	return start + byte(off), true
}

func (c *Chip) writeReg(addr, v byte) {
	switch {
	case addr&0x0F == regCANSTAT:
		return
	case addr&0x0F == regCANCTRL:
		c.regs[regCANCTRL] = v
		c.regs[regCANSTAT] = c.regs[regCANSTAT]&0x1F | v&0xE0
		if v&ctrlABAT != 0 {
			c.abortAll()
		}
		return
	}
	switch addr {
	case regTEC, regREC:
	case regCNF1, regCNF2, regCNF3:
		if c.mode() == ModeConfig {
			c.regs[addr] = v
		}
	case regEFLG:
		// only the overflow flags are writable
		c.regs[addr] = c.regs[addr]&0x3F | v&0xC0
	case regTXB0CTRL, regTXB0CTRL + 0x10, regTXB0CTRL + 0x20:
		c.regs[addr] = c.regs[addr]&0x70 | v&0x0B
	default:
		c.regs[addr] = v
	}
}

func (c *Chip) abortAll() {
	for n := byte(0); n < 3; n++ {
		a := regTXB0CTRL + 0x10*n
		if c.regs[a]&txREQ != 0 {
			c.regs[a] = c.regs[a]&^txREQ | txABTF
		}
	}
}

func (c *Chip) status() byte {
	f := c.regs[regCANINTF]
	var s byte
	s |= f & (intRX0 | intRX1)
	for n := byte(0); n < 3; n++ {
		if c.regs[regTXB0CTRL+0x10*n]&txREQ != 0 {
			s |= 1 << (2 + 2*n)
		}
		if f&(intTX0<<n) != 0 {
			s |= 1 << (3 + 2*n)
		}
	}
	return s
}

// settle runs pending transmissions and tracks the INT level.
func (c *Chip) settle() {
	c.transmit()
	low := c.regs[regCANINTE]&c.regs[regCANINTF] != 0
	if low && !c.intLow {
		c.firedEdge = true
	}
	c.intLow = low
}

func (c *Chip) transmit() {
	if c.regs[regCANCTRL]&ctrlABAT != 0 {
		c.abortAll()
		return
	}
	m := c.mode()
	if c.stall || (m != ModeNormal && m != ModeLoopback) {
		return
	}
	for n := byte(0); n < 3; n++ {
		base := regTXB0CTRL + 0x10*n
		if c.regs[base]&txREQ == 0 {
			continue
		}
		img := c.regs[base+1 : base+1+bufLen]
		c.regs[base] &^= txREQ | txABTF
		c.regs[regCANINTF] |= intTX0 << n
		if m == ModeLoopback {
			c.receive(img)
			continue
		}
		msg := decode(img)
		c.sent = append(c.sent, msg)
		c.outbox = append(c.outbox, msg)
	}
}

// receive stores a transmit-layout image in the first free receive buffer,
// rolling over to RXB1 when RXB0 is full and BUKT is set.
func (c *Chip) receive(img []byte) {
	sidl := img[1] & 0xEB
	dlc := img[4] & 0x4F
	if sidl&sidlIDE == 0 && dlc&dlcRTR != 0 {
		sidl |= sidlSRR
		dlc &^= dlcRTR
	}
	var base byte
	switch f := c.regs[regCANINTF]; {
	case f&intRX0 == 0:
		base = regRXB0CTRL
	case c.regs[regRXB0CTRL]&rxBUKT == 0:
		c.overflow(eflgRX0OVR)
		return
	case f&intRX1 == 0:
		base = regRXB1CTRL
	default:
		c.overflow(eflgRX1OVR)
		return
	}
	c.regs[base+1] = img[0]
	c.regs[base+2] = sidl
	c.regs[base+3] = img[2]
	c.regs[base+4] = img[3]
	c.regs[base+5] = dlc
	copy(c.regs[base+6:base+14], img[5:bufLen])
	if base == regRXB0CTRL {
		c.regs[regCANINTF] |= intRX0
	} else {
		c.regs[regCANINTF] |= intRX1
	}
}

func (c *Chip) overflow(bit byte) {
	c.regs[regEFLG] |= bit
	c.regs[regCANINTF] |= intERR
}

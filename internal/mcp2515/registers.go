package mcp2515

import "fmt"

// SPI instruction opcodes.
const (
	cmdWrite      = 0x02
	cmdRead       = 0x03
	cmdBitModify  = 0x05
	cmdLoadTx     = 0x40 // | buffer index << 1
	cmdRTS        = 0x80 // | buffer select bits
	cmdReadRx     = 0x90 // + (pipe << 1)
	cmdReadStatus = 0xA0
	cmdReset      = 0xC0
)

// Register addresses.
const (
	RegCANSTAT  = 0x0E
	RegCANCTRL  = 0x0F
	RegTEC      = 0x1C
	RegREC      = 0x1D
	RegCNF3     = 0x28
	RegCNF2     = 0x29
	RegCNF1     = 0x2A
	RegCANINTE  = 0x2B
	RegCANINTF  = 0x2C
	RegEFLG     = 0x2D
	RegTXB0CTRL = 0x30
	RegTXB1CTRL = 0x40
	RegTXB2CTRL = 0x50
	RegRXB0CTRL = 0x60
	RegRXB1CTRL = 0x70
)

// CANCTRL bits.
const (
	ctrlREQOP = 0xE0
	ctrlABAT  = 0x10
)

// Frame header bits.
const (
	sidlEXIDE = 0x08
	sidlSRR   = 0x10
	dlcRTR    = 0x40
	dlcMask   = 0x0F
)

// RXB0CTRL rollover enable.
const RXB0CTRL_BUKT = 0x04

// EFLG bits reported to the error handler.
const (
	EFLG_EWARN  = 0x01
	EFLG_RXWAR  = 0x02
	EFLG_TXWAR  = 0x04
	EFLG_RXEP   = 0x08
	EFLG_TXEP   = 0x10
	EFLG_TXBO   = 0x20
	EFLG_RX0OVR = 0x40
	EFLG_RX1OVR = 0x80
)

// Interrupt is a CANINTE/CANINTF bit set.
type Interrupt uint8

const (
	IntRX0  Interrupt = 0x01
	IntRX1  Interrupt = 0x02
	IntTX0  Interrupt = 0x04
	IntTX1  Interrupt = 0x08
	IntTX2  Interrupt = 0x10
	IntErr  Interrupt = 0x20
	IntWake Interrupt = 0x40
	IntMErr Interrupt = 0x80

	IntTX  = IntTX0 | IntTX1 | IntTX2
	IntRX  = IntRX0 | IntRX1
	IntAll = IntTX | IntRX | IntErr
)

// Mode is the controller operating mode (REQOP/OPMOD field).
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeSleep
	ModeLoopback
	ModeListenOnly
	ModeConfig
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSleep:
		return "sleep"
	case ModeLoopback:
		return "loopback"
	case ModeListenOnly:
		return "listen-only"
	case ModeConfig:
		return "config"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode maps a mode name to its value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "normal":
		return ModeNormal, nil
	case "sleep":
		return ModeSleep, nil
	case "loopback":
		return ModeLoopback, nil
	case "listen", "listen-only":
		return ModeListenOnly, nil
	case "config":
		return ModeConfig, nil
	}
	return 0, fmt.Errorf("mcp2515: unknown mode %q", s)
}

// Status is the byte returned by the READ STATUS instruction.
//
//	bit 0 RX0IF, 1 RX1IF, 2 TXB0 TXREQ, 3 TX0IF,
//	bit 4 TXB1 TXREQ, 5 TX1IF, 6 TXB2 TXREQ, 7 TX2IF
type Status uint8

// statusTxReqAll is the set of TXREQ bits; non-zero while any abort or
// transmission is in progress.
const statusTxReqAll Status = 0x54

// TxPending reports whether buffer b still has TXREQ set.
func (s Status) TxPending(b TxBuffer) bool { return s&(1<<(2+2*uint(b))) != 0 }

// RxFull reports whether receive buffer r holds an unread frame.
func (s Status) RxFull(r RxBuffer) bool { return s&(1<<uint(r)) != 0 }

// TxBuffer identifies one of the three transmit buffers.
// The identifier is an index; occupancy uses bit 1<<index so that TXB0 is
// tracked like the others.
type TxBuffer uint8

const (
	TXB0 TxBuffer = iota
	TXB1
	TXB2
	numTxBuffers
)

func (b TxBuffer) bit() uint32         { return 1 << uint(b) }
func (b TxBuffer) rts() byte           { return cmdRTS | byte(1<<uint(b)) }
func (b TxBuffer) loadOpcode() byte    { return cmdLoadTx | byte(b)<<1 }
func (b TxBuffer) interrupt() Interrupt { return IntTX0 << uint(b) }
func (b TxBuffer) String() string      { return fmt.Sprintf("TXB%d", uint8(b)) }

// RxBuffer identifies one of the two receive buffers.
type RxBuffer uint8

const (
	RXB0 RxBuffer = iota
	RXB1
	numRxBuffers
)

// The read starts at RXBnSIDH and auto-increments into the data bytes.
func (r RxBuffer) headerOpcode() byte  { return cmdReadRx + byte(2*r)<<1 }
func (r RxBuffer) interrupt() Interrupt { return IntRX0 << uint(r) }
func (r RxBuffer) String() string       { return fmt.Sprintf("RXB%d", uint8(r)) }

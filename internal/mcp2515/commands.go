package mcp2515

import (
	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

// headerLen is SIDH, SIDL, EID8, EID0, DLC.
const headerLen = 5

// cmdBufSize fits the longest exchange: opcode + header + 8 data bytes.
const cmdBufSize = 1 + headerLen + can.MaxLen

// Reset issues the RESET instruction. The controller comes back in
// configuration mode with all interrupt sources disabled.
func (d *Driver) Reset() error {
	err := d.exchange(cmdReset, func() error {
		_, err := d.bus.TransmitByte(cmdReset)
		return err
	})
	if err != nil {
		return err
	}
	d.enabled.Store(0)
	d.txb.reset()
	d.delay(d.opts.resetSettle)
	d.log.Info("mcp2515_reset")
	return nil
}

// ReadRegister returns the value at addr.
func (d *Driver) ReadRegister(addr byte) (byte, error) {
	var v byte
	err := d.exchange(cmdRead, func() error {
		buf := d.cmd[:3]
		buf[0], buf[1], buf[2] = cmdRead, addr, 0x00
		var err error
		v, err = d.bus.TransmitBytes(buf)
		return err
	})
	return v, err
}

// WriteRegister stores value at addr.
func (d *Driver) WriteRegister(addr, value byte) error {
	return d.exchange(cmdWrite, func() error {
		buf := d.cmd[:3]
		buf[0], buf[1], buf[2] = cmdWrite, addr, value
		_, err := d.bus.TransmitBytes(buf)
		return err
	})
}

// BitModify changes the bits of addr selected by mask to value.
func (d *Driver) BitModify(addr, mask, value byte) error {
	return d.exchange(cmdBitModify, func() error {
		buf := d.cmd[:4]
		buf[0], buf[1], buf[2], buf[3] = cmdBitModify, addr, mask, value
		_, err := d.bus.TransmitBytes(buf)
		return err
	})
}

// ReadStatus issues READ STATUS.
func (d *Driver) ReadStatus() (Status, error) {
	var st byte
	err := d.exchange(cmdReadStatus, func() error {
		buf := d.cmd[:3]
		buf[0], buf[1], buf[2] = cmdReadStatus, 0x00, 0x00
		var err error
		st, err = d.bus.TransmitBytes(buf)
		return err
	})
	return Status(st), err
}

// RequestToSend starts transmission of buffer b.
func (d *Driver) RequestToSend(b TxBuffer) error {
	return d.exchange(cmdRTS, func() error {
		d.cmd[0] = b.rts()
		_, err := d.bus.TransmitByte(d.cmd[0])
		return err
	})
}

// LoadTxBuffer writes m into buffer b. Invalid messages are rejected before
// the link is touched.
func (d *Driver) LoadTxBuffer(b TxBuffer, m can.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return d.exchange(cmdLoadTx, func() error {
		d.cmd[0] = b.loadOpcode()
		n, err := EncodeFrame(d.cmd[1:], m)
		if err != nil {
			return err
		}
		_, err = d.bus.TransmitBytes(d.cmd[:1+n])
		return err
	})
}

// ReadRxBuffer reads receive buffer r into m in one chip-select cycle: the
// header, then as many data bytes as it announces (none for remote and empty
// frames). The controller clears RXnIF when the cycle ends, so the buffer
// cannot be refilled between header and payload.
func (d *Driver) ReadRxBuffer(r RxBuffer, m *can.Message) error {
	return d.exchange(cmdReadRx, func() error {
		var hdr [headerLen]byte
		if _, err := d.bus.TransmitByte(r.headerOpcode()); err != nil {
			return err
		}
		if err := d.bus.ReadBytes(hdr[:]); err != nil {
			return err
		}
		DecodeHeader(hdr[:], m)
		if m.Len == 0 || m.Remote {
			return nil
		}
		return d.bus.ReadBytes(m.Data[:m.Len])
	})
}

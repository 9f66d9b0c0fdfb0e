package mcp2515

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

// HandleInterrupt services the controller after a falling edge on the
// interrupt line. It is attached to the line by Init.
//
// TXnIF releases the buffer and clears the flag. RXnIF reads the buffer into
// its receive slot (the read clears the flag) and hands the slot to the
// message handler. ERRIF reads REC and EFLG and reports them; the flag stays
// set. Finally the line's latch is cleared, and re-triggered when transmit or
// receive flags were raised while servicing.
func (d *Driver) HandleInterrupt() {
	flags, err := d.InterruptStatus()
	if err != nil {
		d.log.Warn("irq_status_error", "error", err)
		d.line.ClearPending()
		if errors.Is(err, ErrBusy) {
			// INT is still low; without a new edge the flags would be lost
			d.line.Trigger()
		}
		return
	}
	metrics.IncInterrupt()

	for b := TXB0; b < numTxBuffers; b++ {
		if flags&b.interrupt() == 0 {
			continue
		}
		d.txb.release(b)
		if err := d.BitModify(RegCANINTF, byte(b.interrupt()), 0x00); err != nil {
			d.log.Warn("irq_clear_error", "flag", b.String(), "error", err)
		}
		if s := d.onBuffer.Load(); s != nil && s.h != nil {
			s.h.BufferAvailable(b)
		}
	}

	for r := RXB0; r < numRxBuffers; r++ {
		if flags&r.interrupt() == 0 {
			continue
		}
		slot := &d.rx[r]
		if err := d.ReadRxBuffer(r, slot); err != nil {
			d.log.Warn("rx_read_error", "buffer", r.String(), "error", err)
			continue
		}
		metrics.IncRx()
		if s := d.onMessage.Load(); s != nil && s.h != nil {
			s.h.HandleMessage(r, slot)
		}
	}

	if flags&IntErr != 0 {
		d.serviceError()
	}

	d.line.ClearPending()
	rest, err := d.InterruptStatus()
	if errors.Is(err, ErrBusy) || (err == nil && rest&(IntTX|IntRX) != 0) {
		d.line.Trigger()
	}
}

func (d *Driver) serviceError() {
	rec, err := d.ReadRegister(RegREC)
	if err != nil {
		d.log.Warn("irq_rec_error", "error", err)
		return
	}
	eflg, err := d.ReadRegister(RegEFLG)
	if err != nil {
		d.log.Warn("irq_eflg_error", "error", err)
		return
	}
	metrics.IncControllerError()
	d.log.Debug("controller_error", "eflg", fmt.Sprintf("0x%02X", eflg), "rec", rec)
	if s := d.onError.Load(); s != nil && s.h != nil {
		s.h.HandleError(eflg, rec)
	}
}

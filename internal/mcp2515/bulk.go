package mcp2515

import (
	"fmt"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

// SendBulk transmits msgs in order, spreading them over the three transmit
// buffers as the controller frees them. The interrupt line is disabled for
// the whole run. If the messages are not all handed over within the
// iteration budget every pending transmission is aborted and ErrAborted is
// returned.
func (d *Driver) SendBulk(msgs []can.Message) error {
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return fmt.Errorf("bulk message %d: %w", i, err)
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	d.line.Disable()
	defer d.line.Enable()

	idx := 0
	for it := 0; it < d.opts.bulkIterations; it++ {
		st, err := d.ReadStatus()
		if err != nil {
			continue
		}
		for b := TXB0; b < numTxBuffers; b++ {
			if st.TxPending(b) {
				continue
			}
			if err := d.loadAndSend(b, msgs[idx]); err != nil {
				d.log.Debug("bulk_load_error", "buffer", b.String(), "error", err)
				continue
			}
			idx++
			if idx == len(msgs) {
				return nil
			}
		}
	}

	d.log.Warn("bulk_timeout", "sent", idx, "total", len(msgs))
	if err := d.AbortAll(); err != nil {
		return fmt.Errorf("%w (abort failed: %v)", ErrAborted, err)
	}
	return ErrAborted
}

func (d *Driver) loadAndSend(b TxBuffer, m can.Message) error {
	d.txb.markPending(b)
	if err := d.LoadTxBuffer(b, m); err != nil {
		d.txb.release(b)
		return err
	}
	if err := d.RequestToSend(b); err != nil {
		d.txb.release(b)
		return err
	}
	metrics.IncTx()
	return nil
}

// AbortAll requests abort of every pending transmission (CANCTRL.ABAT),
// waits until no TXREQ bit remains, clears ABAT and marks all buffers free.
func (d *Driver) AbortAll() error {
	metrics.IncAbort()
	if err := d.BitModify(RegCANCTRL, ctrlABAT, ctrlABAT); err != nil {
		return err
	}
	var waitErr error
	for i := 0; ; i++ {
		if i >= d.opts.abortPolls {
			waitErr = fmt.Errorf("%w: abort still in progress", ErrTimeout)
			break
		}
		st, err := d.ReadStatus()
		if err == nil && st&statusTxReqAll == 0 {
			break
		}
	}
	if err := d.BitModify(RegCANCTRL, ctrlABAT, 0x00); err != nil {
		return err
	}
	d.txb.reset()
	d.log.Info("bulk_abort")
	return waitErr
}

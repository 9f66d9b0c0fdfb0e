package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/logging"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

// Bridge instructions. Responses echo the instruction followed by a status
// byte; a transfer response then carries the bytes clocked in.
const (
	insSelect   = 0x10
	insDeselect = 0x11
	insTransfer = 0x12
	insIRQ      = 0x20 // unsolicited, bridge to host: INT fell

	statusOK = 0x00
)

const readBufSize = 512

var (
	ErrBridgeTimeout = errors.New("serial: bridge response timeout")
	ErrBridgeClosed  = errors.New("serial: bridge closed")
	ErrBridgeStatus  = errors.New("serial: bridge reported failure")
)

// Bridge drives the controller through a UART-attached SPI bridge. It
// implements the driver's Bus and ChipSelect; falling edges of the
// controller's INT pin arrive as unsolicited messages and are passed to the
// OnInterrupt callback.
type Bridge struct {
	port    Port
	codec   Codec
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex // one request in flight
	resp   chan []byte
	irq    atomic.Pointer[func()]
	closed atomic.Bool
	done   chan struct{}
}

// NewBridge starts reading from port. timeout bounds each request.
func NewBridge(port Port, timeout time.Duration) *Bridge {
	b := &Bridge{
		port:    port,
		timeout: timeout,
		log:     logging.L().With("component", "spi_bridge"),
		resp:    make(chan []byte, 4),
		done:    make(chan struct{}),
	}
	go b.readLoop()
	return b
}

// OnInterrupt registers fn for INT notifications; it runs on the reader
// goroutine and must not block.
func (b *Bridge) OnInterrupt(fn func()) { b.irq.Store(&fn) }

func (b *Bridge) Select() error {
	_, err := b.request(insSelect, nil)
	return err
}

func (b *Bridge) Deselect() error {
	_, err := b.request(insDeselect, nil)
	return err
}

func (b *Bridge) TransmitByte(v byte) (byte, error) {
	return b.TransmitBytes([]byte{v})
}

// TransmitBytes sends buf in chunks of at most MaxChunk bytes and returns
// the last byte clocked in.
func (b *Bridge) TransmitBytes(buf []byte) (byte, error) {
	var last byte
	for len(buf) > 0 {
		n := min(len(buf), MaxChunk)
		rx, err := b.transfer(buf[:n])
		if err != nil {
			return 0, err
		}
		last = rx[n-1]
		buf = buf[n:]
	}
	return last, nil
}

func (b *Bridge) ReadBytes(out []byte) error {
	var zeros [MaxChunk]byte
	for len(out) > 0 {
		n := min(len(out), MaxChunk)
		rx, err := b.transfer(zeros[:n])
		if err != nil {
			return err
		}
		copy(out, rx)
		out = out[n:]
	}
	return nil
}

func (b *Bridge) transfer(tx []byte) ([]byte, error) {
	rx, err := b.request(insTransfer, tx)
	if err != nil {
		return nil, err
	}
	if len(rx) != len(tx) {
		metrics.IncError(metrics.ErrBridge)
		return nil, fmt.Errorf("%w: transfer returned %d of %d bytes", ErrBridgeStatus, len(rx), len(tx))
	}
	return rx, nil
}

// Close stops the reader and closes the port.
func (b *Bridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	err := b.port.Close()
	<-b.done
	return err
}

func (b *Bridge) request(ins byte, payload []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrBridgeClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.resp) > 0 { // stale answers to timed-out requests
		<-b.resp
	}
	body := make([]byte, 1+len(payload))
	body[0] = ins
	copy(body[1:], payload)
	if _, err := b.port.Write(Envelope(body)); err != nil {
		metrics.IncError(metrics.ErrBridge)
		return nil, fmt.Errorf("serial: bridge write: %w", err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	for {
		select {
		case r := <-b.resp:
			if r[0] != ins {
				continue
			}
			if len(r) < 2 || r[1] != statusOK {
				metrics.IncError(metrics.ErrBridge)
				return nil, fmt.Errorf("%w: instruction 0x%02X", ErrBridgeStatus, ins)
			}
			return r[2:], nil
		case <-timer.C:
			metrics.IncError(metrics.ErrBridge)
			return nil, fmt.Errorf("%w: instruction 0x%02X", ErrBridgeTimeout, ins)
		case <-b.done:
			return nil, ErrBridgeClosed
		}
	}
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	for {
		n, err := b.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = b.codec.DecodeStream(acc, b.dispatch)
		}
		if err == nil {
			continue
		}
		if b.closed.Load() {
			return
		}
		var perr *os.PathError
		if errors.As(err, &perr) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			b.log.Warn("bridge_read_end", "error", err)
			return
		}
		if errors.Is(err, io.EOF) {
			continue // read timeout on a quiet line
		}
		metrics.IncError(metrics.ErrBridge)
		b.log.Warn("bridge_read_error", "error", err)
	}
}

func (b *Bridge) dispatch(body []byte) {
	if len(body) == 0 {
		return
	}
	if body[0] == insIRQ {
		if fn := b.irq.Load(); fn != nil {
			(*fn)()
		}
		return
	}
	r := make([]byte, len(body))
	copy(r, body)
	select {
	case b.resp <- r:
	default:
		b.log.Debug("bridge_unexpected_response", "ins", r[0])
	}
}

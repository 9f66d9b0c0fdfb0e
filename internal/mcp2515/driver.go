// Package mcp2515 drives an MCP2515 stand-alone CAN controller over SPI.
//
// A Driver owns the controller state: the transaction guard serializing SPI
// exchanges, the transmit buffer occupancy bitmap, the receive slots and the
// registered handlers. Handlers are invoked from the interrupt line's
// goroutine and must not block.
package mcp2515

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/logging"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

const (
	defaultGuardSpins     = 10000
	defaultSendRetries    = 255
	defaultSendRetryDelay = 50 * time.Microsecond
	defaultBulkIterations = 500
	defaultAbortPolls     = 10000
	defaultResetSettle    = 100 * time.Microsecond
)

type options struct {
	guardSpins     int
	sendRetries    int
	sendRetryDelay time.Duration
	bulkIterations int
	abortPolls     int
	resetSettle    time.Duration
	delay          Delay
	logger         *slog.Logger
}

type Option func(*options)

// WithGuardSpins sets how many attempts are made to claim the SPI link
// before a command fails with ErrBusy.
func WithGuardSpins(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.guardSpins = n
		}
	}
}

// WithSendRetries sets how often SendMessage polls for a free buffer and the
// pause between polls.
func WithSendRetries(n int, delay time.Duration) Option {
	return func(o *options) {
		if n >= 0 {
			o.sendRetries = n
		}
		if delay >= 0 {
			o.sendRetryDelay = delay
		}
	}
}

// WithBulkIterations bounds the status polls of SendBulk.
func WithBulkIterations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bulkIterations = n
		}
	}
}

// WithAbortPolls bounds the wait for an abort to complete.
func WithAbortPolls(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.abortPolls = n
		}
	}
}

func WithResetSettle(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.resetSettle = d
		}
	}
}

// WithDelay replaces the wait primitive (tests use a no-op).
func WithDelay(fn Delay) Option {
	return func(o *options) {
		if fn != nil {
			o.delay = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

type msgSlot struct{ h MessageHandler }
type bufSlot struct{ h BufferAvailableHandler }
type errSlot struct{ h ErrorHandler }

// Driver is the controller context.
type Driver struct {
	bus   Bus
	cs    ChipSelect
	line  Line
	opts  options
	log   *slog.Logger
	delay Delay

	guard   guard
	cmd     [cmdBufSize]byte // shared command buffer, touched only under guard
	txb     txBuffers
	enabled atomic.Uint32 // CANINTE shadow
	rx      [numRxBuffers]can.Message

	onMessage atomic.Pointer[msgSlot]
	onBuffer  atomic.Pointer[bufSlot]
	onError   atomic.Pointer[errSlot]

	inited atomic.Bool
}

// New builds a driver over the given collaborators. Nothing is sent until
// Init and Reset are called.
func New(bus Bus, cs ChipSelect, line Line, opts ...Option) *Driver {
	o := options{
		guardSpins:     defaultGuardSpins,
		sendRetries:    defaultSendRetries,
		sendRetryDelay: defaultSendRetryDelay,
		bulkIterations: defaultBulkIterations,
		abortPolls:     defaultAbortPolls,
		resetSettle:    defaultResetSettle,
		delay:          time.Sleep,
		logger:         logging.L(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	d := &Driver{
		bus:   bus,
		cs:    cs,
		line:  line,
		opts:  o,
		log:   o.logger.With("component", "mcp2515"),
		delay: o.delay,
	}
	d.guard.spins = o.guardSpins
	return d
}

// Init clears the driver state and attaches the dispatcher to the interrupt
// line (pulled-up input, falling edge).
func (d *Driver) Init() error {
	if d.inited.Swap(true) {
		return errors.New("mcp2515: already initialized")
	}
	d.enabled.Store(0)
	d.txb.reset()
	for i := range d.rx {
		d.rx[i] = can.Message{}
	}
	if err := d.line.Configure(); err != nil {
		d.inited.Store(false)
		return fmt.Errorf("mcp2515: configure interrupt line: %w", err)
	}
	d.line.ClearPending()
	if err := d.line.Attach(d.HandleInterrupt); err != nil {
		d.inited.Store(false)
		return fmt.Errorf("mcp2515: attach interrupt: %w", err)
	}
	d.line.Enable()
	return nil
}

// Close disables the interrupt line. The driver must not be used afterwards.
func (d *Driver) Close() error {
	d.line.Disable()
	return nil
}

// SetMode requests an operating mode (REQOP = mode<<5).
func (d *Driver) SetMode(m Mode) error {
	if err := d.BitModify(RegCANCTRL, ctrlREQOP, byte(m)<<5&ctrlREQOP); err != nil {
		return err
	}
	d.log.Info("mcp2515_mode", "mode", m.String())
	return nil
}

// Mode reads the current operating mode from CANSTAT.
func (d *Driver) Mode() (Mode, error) {
	v, err := d.ReadRegister(RegCANSTAT)
	if err != nil {
		return 0, err
	}
	return Mode(v >> 5), nil
}

// EnableInterrupt adds mask to the enabled interrupt sources.
func (d *Driver) EnableInterrupt(mask Interrupt) error {
	d.enabled.Or(uint32(mask))
	return d.BitModify(RegCANINTE, byte(mask), byte(mask))
}

// DisableInterrupt removes mask from the enabled interrupt sources.
func (d *Driver) DisableInterrupt(mask Interrupt) error {
	if err := d.BitModify(RegCANINTE, byte(mask), 0x00); err != nil {
		return err
	}
	d.enabled.And(^uint32(mask))
	return nil
}

// ClearInterrupt clears flags in CANINTF. If enabled flags remain pending the
// line is re-triggered, since an edge-triggered input would not fire again.
func (d *Driver) ClearInterrupt(mask Interrupt) error {
	if err := d.BitModify(RegCANINTF, byte(mask), 0x00); err != nil {
		return err
	}
	if rest, err := d.InterruptStatus(); err == nil && rest&^IntErr != 0 {
		d.line.Trigger()
	}
	return nil
}

// EnabledInterrupts returns the driver's view of CANINTE.
func (d *Driver) EnabledInterrupts() Interrupt { return Interrupt(d.enabled.Load()) }

// InterruptStatus returns CANINTF masked by the enabled sources.
func (d *Driver) InterruptStatus() (Interrupt, error) {
	v, err := d.ReadRegister(RegCANINTF)
	if err != nil {
		return 0, err
	}
	return Interrupt(v) & d.EnabledInterrupts(), nil
}

// SetReceivedMessageHandler registers h, replacing any previous handler.
// The message passed to h is the driver's receive slot and is overwritten by
// the next reception into the same buffer.
func (d *Driver) SetReceivedMessageHandler(h MessageHandler) { d.onMessage.Store(&msgSlot{h}) }

// SetBufferAvailableHandler registers h, replacing any previous handler.
func (d *Driver) SetBufferAvailableHandler(h BufferAvailableHandler) {
	d.onBuffer.Store(&bufSlot{h})
}

// SetErrorHandler registers h, replacing any previous handler.
func (d *Driver) SetErrorHandler(h ErrorHandler) { d.onError.Store(&errSlot{h}) }

// TxBufferAvailable reports whether at least one transmit buffer is free.
func (d *Driver) TxBufferAvailable() bool { return d.txb.anyFree() }

// AllTxBuffersAvailable reports whether no transmission is pending.
func (d *Driver) AllTxBuffersAvailable() bool { return d.txb.allFree() }

// PendingBuffers returns the occupancy bitmap (bit n = TXBn).
func (d *Driver) PendingBuffers() uint8 { return d.txb.snapshot() }

// SendMessage queues m in a free transmit buffer and requests transmission.
// It waits for a free buffer for a bounded number of polls and returns
// ErrTimeout if none frees up. Allocation, load and request-to-send run with
// the interrupt line disabled.
func (d *Driver) SendMessage(m can.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	for retries := d.opts.sendRetries; !d.txb.anyFree(); retries-- {
		if retries <= 0 {
			d.countErr(ErrTimeout)
			return ErrTimeout
		}
		d.delay(d.opts.sendRetryDelay)
	}

	d.line.Disable()
	defer d.line.Enable()

	b, ok := d.txb.allocate()
	if !ok {
		d.countErr(ErrNoTxBuffer)
		return ErrNoTxBuffer
	}
	if err := d.LoadTxBuffer(b, m); err != nil {
		d.txb.release(b)
		return err
	}
	if err := d.RequestToSend(b); err != nil {
		d.txb.release(b)
		return err
	}
	metrics.IncTx()
	d.log.Debug("tx_queued", "buffer", b.String(), "msg", m.String())
	return nil
}

func (d *Driver) countErr(err error) { metrics.IncError(errMetric(err)) }

package mcp2515

import "github.com/kstaniek/go-mcp2515-gateway/internal/can"

// MessageHandler receives frames read from a receive buffer. It runs on the
// interrupt goroutine: it must not block, and must not call SendMessage,
// SendBulk or Close (they disable the line and would wait for the handler
// itself). Copy the message if it is needed after returning.
type MessageHandler interface {
	HandleMessage(rx RxBuffer, m *can.Message)
}

// BufferAvailableHandler is told when a transmission completed and its
// buffer was released.
type BufferAvailableHandler interface {
	BufferAvailable(b TxBuffer)
}

// ErrorHandler receives the raw EFLG value when the controller raises ERRIF.
// The flag is left set; clearing it (ClearInterrupt(IntErr)) is the caller's
// decision.
type ErrorHandler interface {
	HandleError(eflg, rec byte)
}

type MessageHandlerFunc func(rx RxBuffer, m *can.Message)

func (f MessageHandlerFunc) HandleMessage(rx RxBuffer, m *can.Message) { f(rx, m) }

type BufferAvailableFunc func(b TxBuffer)

func (f BufferAvailableFunc) BufferAvailable(b TxBuffer) { f(b) }

type ErrorHandlerFunc func(eflg, rec byte)

func (f ErrorHandlerFunc) HandleError(eflg, rec byte) { f(eflg, rec) }

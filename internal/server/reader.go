package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/cnl"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
	"github.com/kstaniek/go-mcp2515-gateway/internal/transport"
)

const readBatch = 16

// startReader decodes client messages and hands them to the backend sink.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		r := cnl.NewReader(conn)
		onMsg := func(m can.Message) {
			if s.filter != nil && !s.filter(&m) {
				return
			}
			metrics.IncTCPRx()
			s.forward(m, logger)
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.Codec.DecodeN(r, readBatch, onMsg)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				_ = s.fail(fmt.Errorf("%w: %v", ErrConnRead, err))
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) forward(m can.Message, logger *slog.Logger) {
	if s.Sink == nil {
		return
	}
	err := s.Sink.Enqueue(m)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrQueueFull):
		s.totalBackendOverflow.Add(1)
		logger.Debug("backend_overflow_drop", "msg", m.String())
	default:
		s.totalBackendErrors.Add(1)
		wrap := s.fail(fmt.Errorf("%w: %v", ErrBackendTx, err))
		logger.Error("backend_tx_error", "error", wrap, "msg", m.String())
	}
}

package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/cnl"
	"github.com/kstaniek/go-mcp2515-gateway/internal/hub"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
	"github.com/kstaniek/go-mcp2515-gateway/internal/transport"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []can.Message
	err  error
}

func (c *captureSink) Enqueue(m can.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSink) count() int { c.mu.Lock(); defer c.mu.Unlock(); return len(c.msgs) }

func startServer(t *testing.T, opts ...Option) (*Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New()
	s := New(append([]Option{WithHub(h), WithHandshakeTimeout(time.Second)}, opts...)...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx)
	}()
	select {
	case <-s.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = s.Shutdown(sctx)
		<-done
	})
	return s, h
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := cnl.Handshake(context.Background(), conn, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestClientToSink(t *testing.T) {
	sink := &captureSink{}
	s, _ := startServer(t, WithSink(sink))
	conn := dial(t, s.Addr())
	var c cnl.Codec
	want := []can.Message{
		{ID: 0x123, Len: 3, Data: [8]byte{1, 2, 3}},
		{ID: 0x1ABCDE, Extended: true, Remote: true, Len: 2},
	}
	before := metrics.Snap().TCPRx
	if _, err := conn.Write(c.Encode(want)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "sink", func() bool { return sink.count() == len(want) })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i := range want {
		if !sink.msgs[i].Equal(want[i]) {
			t.Fatalf("message %d: got %v want %v", i, sink.msgs[i], want[i])
		}
	}
	if metrics.Snap().TCPRx-before != 2 {
		t.Fatalf("tcp rx counter")
	}
}

func TestBroadcastToClient(t *testing.T) {
	s, h := startServer(t, WithBatchSize(4))
	conn := dial(t, s.Addr())
	waitUntil(t, "client registered", func() bool { return h.Count() == 1 })
	var want []can.Message
	for i := 0; i < 6; i++ {
		m := can.Message{ID: uint32(0x100 + i), Len: 1, Data: [8]byte{byte(i)}}
		want = append(want, m)
		h.Broadcast(m)
	}
	var c cnl.Codec
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for i, w := range want {
		m, err := c.Decode(conn)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if !m.Equal(w) {
			t.Fatalf("message %d: got %v want %v", i, m, w)
		}
	}
}

func TestFilterDropsMessages(t *testing.T) {
	sink := &captureSink{}
	s, _ := startServer(t, WithSink(sink), WithFilter(func(m *can.Message) bool { return !m.Extended }))
	conn := dial(t, s.Addr())
	var c cnl.Codec
	_, _ = conn.Write(c.Encode([]can.Message{{ID: 1, Extended: true}, {ID: 2}}))
	waitUntil(t, "sink", func() bool { return sink.count() == 1 })
	time.Sleep(10 * time.Millisecond)
	if sink.count() != 1 || sink.msgs[0].ID != 2 {
		t.Fatalf("sink got %v", sink.msgs)
	}
}

func TestSinkOverflowAndError(t *testing.T) {
	sink := &captureSink{err: transport.ErrQueueFull}
	s, _ := startServer(t, WithSink(sink))
	conn := dial(t, s.Addr())
	var c cnl.Codec
	_, _ = conn.Write(c.Encode([]can.Message{{ID: 1}}))
	waitUntil(t, "overflow", func() bool { return s.totalBackendOverflow.Load() == 1 })

	sink.mu.Lock()
	sink.err = errors.New("wire fault")
	sink.mu.Unlock()
	_, _ = conn.Write(c.Encode([]can.Message{{ID: 2}}))
	waitUntil(t, "backend error", func() bool { return s.totalBackendErrors.Load() == 1 })
	if !errors.Is(s.LastError(), ErrBackendTx) {
		t.Fatalf("last error %v", s.LastError())
	}
}

func TestMaxClientsRejects(t *testing.T) {
	s, h := startServer(t, WithMaxClients(1))
	_ = dial(t, s.Addr())
	waitUntil(t, "first client", func() bool { return h.Count() == 1 })
	before := metrics.Snap().HubRejects
	second := dial(t, s.Addr())
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		var ne net.Error
		if !errors.As(err, &ne) || ne.Timeout() {
			t.Fatalf("second client not closed: %v", err)
		}
	}
	if metrics.Snap().HubRejects-before != 1 {
		t.Fatalf("reject not counted")
	}
}

func TestHandshakeFailureCounted(t *testing.T) {
	s, _ := startServer(t)
	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_, _ = conn.Write(bytes.Repeat([]byte{'x'}, 12))
	waitUntil(t, "handshake failure", func() bool { return s.totalHandshakeFail.Load() == 1 })
	if !errors.Is(s.LastError(), ErrHandshake) {
		t.Fatalf("last error %v", s.LastError())
	}
}

func TestShutdownDisconnectsClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New()
	s := New(WithHub(h))
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()
	<-s.Ready()
	_ = dial(t, s.Addr())
	waitUntil(t, "client", func() bool { return h.Count() == 1 })
	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	if err := s.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.Count() != 0 {
		t.Fatalf("%d clients left", h.Count())
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("serve did not return")
	}
}

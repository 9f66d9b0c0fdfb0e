// Package hub fans received CAN messages out to connected clients.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/logging"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Client is one subscriber. Out is drained by the client's writer; Closed is
// closed once the client should stop.
type Client struct {
	Out    chan can.Message
	Closed chan struct{}

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewClient allocates a client with a queue of size buf.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan can.Message, buf), Closed: make(chan struct{})}
}

// Close signals the client is done; it is idempotent.
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.Closed) }) }

// Dropped returns how many messages this client missed.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes c; safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(n)
	if existed && n == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast queues m for every client without blocking. A full queue drops
// the message for that client, or closes the client under PolicyKick.
func (h *Hub) Broadcast(m can.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.Out <- m:
			continue
		default:
		}
		if h.Policy == PolicyKick {
			select {
			case <-c.Closed:
			default:
				metrics.IncHubKick()
				c.Close()
			}
			continue
		}
		c.dropped.Add(1)
		metrics.IncHubDrop()
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

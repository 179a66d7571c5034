package app

import (
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevox/internal/session"
)

// clientBuffer is the number of updates a WebSocket client may lag behind
// before it is disconnected.
const clientBuffer = 64

// hub fans controller updates out to WebSocket clients. broadcast never
// blocks: a client whose buffer is full is dropped.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	updates chan session.Update

	// gone is closed when the hub drops the client. code and reason are
	// set before that and describe why.
	gone     chan struct{}
	goneOnce sync.Once
	code     websocket.StatusCode
	reason   string
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

// add registers a new client.
func (h *hub) add() *client {
	c := &client{
		updates: make(chan session.Update, clientBuffer),
		gone:    make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// remove unregisters c. It is safe to call more than once.
func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// broadcast is a [session.Listener].
func (h *hub) broadcast(u session.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.updates <- u:
		default:
			delete(h.clients, c)
			c.drop(websocket.StatusPolicyViolation, "client too slow")
		}
	}
}

// closeAll drops every client.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.drop(websocket.StatusGoingAway, "server shutting down")
	}
}

// len returns the number of connected clients.
func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (c *client) drop(code websocket.StatusCode, reason string) {
	c.goneOnce.Do(func() {
		c.code, c.reason = code, reason
		close(c.gone)
	})
}

package ws

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"log/slog"
)

// SSEClient streams Server-Sent Events over an HTTP response writer. It
// is the secondary one-way transport for clients that cannot hold a
// duplex connection.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	last    time.Time
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, log: logger, last: time.Now().UTC()}
}

// Send emits a data event to the SSE stream.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", payload); err != nil {
		c.closed = true
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed = true
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// SSEHub tracks one-way stream subscribers by user. It backs the stream
// delivery tier: local-only, best-effort.
type SSEHub struct {
	mu      sync.RWMutex
	clients map[string]map[*SSEClient]struct{}
}

// NewSSEHub creates an initialized hub.
func NewSSEHub() *SSEHub {
	return &SSEHub{clients: make(map[string]map[*SSEClient]struct{})}
}

// Register adds a stream for a user.
func (h *SSEHub) Register(userID string, client *SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[userID]; !ok {
		h.clients[userID] = make(map[*SSEClient]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

// Unregister removes a stream.
func (h *SSEHub) Unregister(userID string, client *SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, userID)
		}
	}
}

// SendToUser writes the payload to every stream the user holds and
// reports how many succeeded.
func (h *SSEHub) SendToUser(userID string, payload []byte) int {
	h.mu.RLock()
	targets := make([]*SSEClient, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(payload); err == nil {
			sent++
		}
	}
	return sent
}

// Count reports total registered streams.
func (h *SSEHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

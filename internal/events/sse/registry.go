// Package sse fans bus events out to connected Server-Sent Events clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/events/bus"
)

// Registry tracks connected SSE clients and broadcasts every bus event to
// each of them.
type Registry struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	sub     bus.Subscription
	logger  *logger.Logger
	closed  bool
}

type client struct {
	// wmu serializes writes: the bus delivers on the publisher's goroutine,
	// so concurrent publishers would otherwise interleave frame bytes.
	wmu     sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	once    sync.Once
}

func (c *client) write(frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := fmt.Fprint(c.w, frame); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewRegistry creates a registry subscribed to all events on the bus.
func NewRegistry(eventBus bus.EventBus, log *logger.Logger) *Registry {
	r := &Registry{
		clients: make(map[*client]struct{}),
		logger:  log,
	}
	r.sub = eventBus.Subscribe("*", r.broadcast)
	return r
}

// ServeHTTP registers the connection as an SSE client, writes the preamble,
// and blocks until the client disconnects or the registry shuts down.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Reconnect delay plus a comment line so proxies flush the response.
	if _, err := fmt.Fprint(w, "retry: 3000\n: ok\n\n"); err != nil {
		return
	}
	flusher.Flush()

	c := &client{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.clients[c] = struct{}{}
	count := len(r.clients)
	r.mu.Unlock()

	r.logger.Debug("SSE client connected", zap.Int("clients", count))

	select {
	case <-req.Context().Done():
		r.remove(c)
	case <-c.done:
	}

	r.logger.Debug("SSE client disconnected")
}

// broadcast writes one event to every connected client. A client whose write
// fails is evicted.
func (r *Registry) broadcast(event *bus.Event) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		r.logger.Error("failed to marshal SSE event",
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, data)

	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.write(frame); err != nil {
			r.remove(c)
		}
	}
}

func (r *Registry) remove(c *client) {
	r.mu.Lock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
	}
	r.mu.Unlock()
	c.close()
}

// ClientCount returns the number of connected clients.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close unsubscribes from the bus and releases all connected clients.
func (r *Registry) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}

	r.mu.Lock()
	r.closed = true
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[*client]struct{})
	r.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Package overlay drives the browser-source overlay: a server-sent-events
// hub that pushes subtitle, speech, and state events to connected renderers,
// a one-shot cache for synthesized audio the overlay fetches by ID, and a
// periodic state snapshot worker.
//
// The core never renders anything. Its only obligation is to keep the pushed
// state eventually consistent with the turn controller and latest activity.
package overlay

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Event is one message pushed to overlay clients.
type Event struct {
	// Type names the SSE event: "subtitle", "speak", "state", or "custom".
	Type string

	// Data is marshalled to JSON as the event payload.
	Data any
}

const (
	// clientBuffer is the per-client queue. A client that stops reading for
	// this many events is dropped rather than allowed to block the hub.
	clientBuffer = 16

	defaultKeepalive = 15 * time.Second
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithKeepalive overrides the SSE keepalive interval.
func WithKeepalive(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.keepalive = d
		}
	}
}

// WithClientHook registers a callback invoked with +1 on connect and -1 on
// disconnect. Used to feed the overlay client gauge.
func WithClientHook(fn func(delta int)) HubOption {
	return func(h *Hub) { h.clientHook = fn }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// Hub fans Events out to every connected SSE client. Safe for concurrent use.
type Hub struct {
	log        *slog.Logger
	keepalive  time.Duration
	clientHook func(delta int)

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewHub returns a ready hub with no clients.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		log:       slog.Default(),
		keepalive: defaultKeepalive,
		clients:   make(map[chan []byte]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish sends ev to every connected client. Clients too slow to keep up
// have the event dropped; the hub never blocks a producer.
func (h *Hub) Publish(ev Event) {
	payload, err := sonic.Marshal(ev.Data)
	if err != nil {
		h.log.Warn("overlay event payload not serializable", "type", ev.Type, "error", err)
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload))

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- frame:
		default:
			h.log.Debug("overlay client lagging, event dropped", "type", ev.Type)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP streams events to one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.register()
	defer h.unregister(ch)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Hub) register() chan []byte {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("overlay client connected", "clients", n)
	if h.clientHook != nil {
		h.clientHook(1)
	}
	return ch
}

func (h *Hub) unregister(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("overlay client disconnected", "clients", n)
	if h.clientHook != nil {
		h.clientHook(-1)
	}
}

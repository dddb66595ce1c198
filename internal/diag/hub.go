// Package diag exposes the keeper's internal state over a read-mostly
// HTTP surface: a JSON snapshot of orders, expectations, pairs and trip
// switches, the Prometheus scrape endpoint, and a broadcast WebSocket
// hub that streams reconcile and execution events. The single write
// operation is the operator reset of a tripped venue.
package diag

import (
	"context"
	"sync"

	"funding_keeper/internal/core"
)

// subscriber is one connected WebSocket client. Sends are non-blocking:
// a full buffer marks the client slow and the hub drops it rather than
// stalling the broadcast path.
type subscriber struct {
	id     string
	out    chan Message
	mu     sync.Mutex
	closed bool
}

func newSubscriber(id string) *subscriber {
	return &subscriber{
		id:  id,
		out: make(chan Message, 256),
	}
}

// push queues a frame for the write pump. False means the subscriber is
// closed or its buffer is full.
func (s *subscriber) push(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) messages() <-chan Message {
	return s.out
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// Hub fans broadcast frames out to every subscriber. Membership changes
// and broadcasts are serialized through Run's select loop; the mutex
// only covers the map for SubscriberCount reads from other goroutines.
type Hub struct {
	logger core.ILogger

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	broadcast  chan Message
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
}

// NewHub creates a hub. Run must be started before Subscribe is called.
func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		logger:      logger.WithField("component", "diag_hub"),
		subscribers: make(map[*subscriber]struct{}),
		broadcast:   make(chan Message, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		done:        make(chan struct{}),
	}
}

// Run drives the hub until the context ends, then closes every
// subscriber. Handlers still unwinding after that must not block on the
// membership channels, hence the done gate in subscribe and drop.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.subscribers {
				sub.close()
				delete(h.subscribers, sub)
			}
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = struct{}{}
			total := len(h.subscribers)
			h.mu.Unlock()
			h.logger.Info("Diag subscriber joined", "subscriber_id", sub.id, "total", total)

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				sub.close()
			}
			total := len(h.subscribers)
			h.mu.Unlock()
			h.logger.Info("Diag subscriber left", "subscriber_id", sub.id, "total", total)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*subscriber, 0, len(h.subscribers))
			for sub := range h.subscribers {
				targets = append(targets, sub)
			}
			h.mu.RUnlock()

			for _, sub := range targets {
				if sub.push(msg) {
					continue
				}
				// Slow or closed consumer. Run owns membership, so the
				// detach happens inline rather than through unregister.
				h.mu.Lock()
				if _, ok := h.subscribers[sub]; ok {
					delete(h.subscribers, sub)
					sub.close()
				}
				h.mu.Unlock()
				h.logger.Warn("Dropped slow diag subscriber", "subscriber_id", sub.id)
			}
		}
	}
}

func (h *Hub) subscribe(sub *subscriber) {
	select {
	case h.register <- sub:
	case <-h.done:
		sub.close()
	}
}

func (h *Hub) drop(sub *subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Broadcast queues a frame for every subscriber. A saturated queue
// drops the frame; diagnostics never apply backpressure to trading.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Diag broadcast queue full, dropping frame", "type", msg.Type)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

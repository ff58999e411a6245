package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 256

// Subscriber is one connected viewer's event queue
type Subscriber struct {
	ID     string
	events chan Message
}

// Events returns the queue. It is closed when the subscriber is removed or evicted.
func (s *Subscriber) Events() <-chan Message {
	return s.events
}

// HubStats tracks fan-out counters
type HubStats struct {
	Subscribers int
	Published   int64
	Evicted     int64
}

// Hub fans every published message out to all subscribers in publish order.
// A subscriber that cannot keep up is evicted instead of missing events,
// so every live queue holds an unbroken suffix of the stream.
type Hub struct {
	logger *zap.Logger
	buffer int

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	closed      bool
	stats       HubStats
}

// NewHub creates a hub with the given per-subscriber buffer
func NewHub(logger *zap.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		logger:      logger,
		buffer:      buffer,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber and queues initial ahead of any
// message published afterwards.
func (h *Hub) Subscribe(initial ...Message) *Subscriber {
	size := h.buffer
	if len(initial) > size {
		size = len(initial)
	}
	sub := &Subscriber{
		ID:     uuid.NewString(),
		events: make(chan Message, size),
	}
	for _, msg := range initial {
		sub.events <- msg
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.events)
		return sub
	}
	h.subscribers[sub.ID] = sub
	h.stats.Subscribers = len(h.subscribers)

	h.logger.Debug("Subscriber added",
		zap.String("subscriber", sub.ID),
		zap.Int("subscribers", len(h.subscribers)))
	return sub
}

// Unsubscribe removes sub and closes its queue. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub.ID)
}

// Publish enqueues msg for every subscriber without blocking
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.stats.Published++

	for id, sub := range h.subscribers {
		select {
		case sub.events <- msg:
		default:
			h.removeLocked(id)
			h.stats.Evicted++
			h.logger.Warn("Evicting slow subscriber",
				zap.String("subscriber", id),
				zap.String("type", string(msg.Type)))
		}
	}
}

// Count returns the number of live subscribers
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Stats returns a copy of the fan-out counters
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Close removes every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id := range h.subscribers {
		h.removeLocked(id)
	}
}

func (h *Hub) removeLocked(id string) {
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(sub.events)
	h.stats.Subscribers = len(h.subscribers)
}

// Package notify fans ingest-completion events out to subscribers.
// Events fire only after the write-ahead log has made the points
// durable, so a subscriber never observes an acknowledgement for data
// that a crash could lose.
package notify

import (
	"sync"

	"github.com/avessar/vitaldb/internal/storage/types"
)

// Event describes one durably acknowledged ingest.
type Event struct {
	// Seq is the write-ahead log sequence number of the batch.
	Seq uint64

	// MetricIDs lists the metrics the batch touched, in batch order,
	// deduplicated.
	MetricIDs []types.MetricID

	// Points is the number of points in the batch.
	Points int

	// TimestampMs is the latest point timestamp in the batch.
	TimestampMs int64
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls further behind than this loses events rather than
// stalling the ingest path.
const subscriberBuffer = 64

// Hub distributes events to subscribers. Safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropped uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

// Subscribe registers a new subscriber. The cancel function removes it
// and closes the channel; calling cancel more than once is harmless.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. Delivery never blocks:
// a subscriber with a full buffer misses the event.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Publish and Subscribe become
// no-ops afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

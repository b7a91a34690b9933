package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/alphascan/internal/rfid"
)

// Event types published on the hub.
const (
	EventState     = "state"
	EventPeak      = "peak"
	EventBlacklist = "blacklist"
)

// Event is one notification from a running pipeline.
type Event struct {
	Type  string             `json:"type"`
	Time  time.Time          `json:"time"`
	RunID string             `json:"run_id,omitempty"`
	State string             `json:"state,omitempty"`
	Peak  *rfid.TagPeak      `json:"peak,omitempty"`
	Hit   *rfid.BlacklistHit `json:"hit,omitempty"`
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]chan Event
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size.
func (h *Hub) Subscribe(buffer int) (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

// Publish delivers e to every subscriber with room for it.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

// Dropped counts events not delivered because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close unsubscribes everyone.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

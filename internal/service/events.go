package service

import (
	"sync"
	"time"

	"github.com/machpay/relayer/internal/pkg/logger"
)

// EventType classifies relayer lifecycle events pushed to operator consoles.
type EventType string

const (
	EventBatchCommitted       EventType = "batch-committed"
	EventBatchRequeued        EventType = "batch-requeued"
	EventBatchFailed          EventType = "batch-failed"
	EventEquivocationDetected EventType = "equivocation-detected"
	EventGatewayStale         EventType = "gateway-stale"
)

// Event is one entry on the relayer event stream.
type Event struct {
	Type EventType      `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// EventHub fans relayer events out to websocket subscribers. Slow consumers
// are dropped rather than allowed to backpressure settlement work.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a consumer. The returned cancel func must be called
// when the consumer goes away.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (h *EventHub) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
			logger.Warn("event subscriber too slow, dropping subscriber", "event", string(event.Type))
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Package reconcile merges agent events, remote polls, and optimistic command
// results into a single playback snapshot, and fans notifications out to the
// UI consumers.
package reconcile

import (
	"sync"

	"github.com/adv-inn/Deckify/internal/core"
)

// Hub is a small publish/subscribe channel between the backend components and
// the presentation consumers. Delivery is at-least-once with non-blocking
// sends; a slow consumer loses intermediate notifications, never the stream.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan core.Notification
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan core.Notification)}
}

// Subscribe registers a consumer. The returned cancel func must be called when
// the consuming view closes.
func (h *Hub) Subscribe() (<-chan core.Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan core.Notification, 16)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers n to every subscriber without blocking the publisher.
func (h *Hub) Publish(n core.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			// Consumer is behind; it will catch up from the next snapshot.
		}
	}
}

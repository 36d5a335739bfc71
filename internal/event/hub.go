// Package event provides a small channel-based publish/subscribe hub used
// for sync status and scan notifications.
package event

import "sync"

// Hub fans values of type T out to subscribers. Delivery is non-blocking:
// a subscriber that stops draining its channel loses updates but never
// stalls the publisher or the other subscribers.
type Hub[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

// NewHub creates an empty Hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[chan T]struct{})}
}

// Subscribe registers a new observer channel. The caller must eventually
// pass the channel to Unsubscribe.
func (h *Hub[T]) Subscribe() chan T {
	ch := make(chan T, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes an observer channel.
func (h *Hub[T]) Unsubscribe(ch chan T) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers a value to every subscriber without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Close unsubscribes every observer.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

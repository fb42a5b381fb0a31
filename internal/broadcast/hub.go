// Package broadcast fans values out to any number of subscribers.
package broadcast

import "sync"

const defaultBuffer = 64

// Hub delivers published values to subscribers. A new subscriber first
// receives the latest published value. Slow subscribers lose their oldest
// pending values instead of blocking the publisher.
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[chan T]struct{}
	latest  T
	hasLast bool
	closed  bool
	buffer  int
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		subs:   make(map[chan T]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscribe returns a channel of values and a function that unsubscribes.
// The channel is closed on unsubscribe or when the hub closes.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, h.buffer)

	if h.closed {
		close(ch)

		return ch, func() {}
	}

	if h.hasLast {
		ch <- h.latest
	}

	h.subs[ch] = struct{}{}

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish records v as the latest value and offers it to every subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.latest = v
	h.hasLast = true

	for ch := range h.subs {
		select {
		case ch <- v:
		default:
			// Full: drop the oldest pending value. Sends only happen under mu,
			// so the retry always finds room.
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Latest returns the last published value.
func (h *Hub[T]) Latest() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.latest, h.hasLast
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

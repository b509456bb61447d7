// Package notify is the Occurrence Table change stream. The engine publishes
// one Change per committed regeneration; live queries subscribe with a
// predicate and re-evaluate when a matching change arrives.
package notify

import (
	"sync"

	"pcal/internal/model"
)

// Change describes one committed write.
type Change struct {
	// Version increases by one per published change.
	Version uint64
	// Span covers every row the write touched. Ignored when Global is set.
	Span model.Window
	// Global forces every subscriber to re-evaluate (visibility filter or
	// timezone changes).
	Global bool
}

// Affects reports whether a query over w could see this change. A zero w
// means the query is unbounded.
func (c Change) Affects(w model.Window) bool {
	if c.Global || w.IsZero() {
		return true
	}
	if c.Span.IsZero() {
		return false
	}
	return c.Span.Start.Before(w.End) && w.Start.Before(c.Span.End)
}

// Hub fans changes out to subscribers. Delivery never blocks the publisher:
// each subscriber has a one-slot buffer that always holds the latest
// undelivered change, so a slow reader sees fewer, newer signals.
type Hub struct {
	mu      sync.Mutex
	version uint64
	nextID  int
	subs    map[int]*subscriber
}

type subscriber struct {
	match func(Change) bool
	ch    chan Change
}

func New() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Publish stamps c with the next version and signals every subscriber whose
// predicate accepts it.
func (h *Hub) Publish(c Change) Change {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.version++
	c.Version = h.version
	for _, s := range h.subs {
		if s.match != nil && !s.match(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			// Replace the stale pending signal.
			select {
			case <-s.ch:
			default:
			}
			s.ch <- c
		}
	}
	return c
}

// Subscribe registers match (nil accepts everything). The returned cancel
// closes the channel and is safe to call more than once.
func (h *Hub) Subscribe(match func(Change) bool) (<-chan Change, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	s := &subscriber{match: match, ch: make(chan Change, 1)}
	h.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(s.ch)
		})
	}
}

// Version is the version of the last published change.
func (h *Hub) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Subscribers is the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

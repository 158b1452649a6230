// Package events fans session events out to subscribers. Publishing never
// blocks: if a subscriber's buffer is full the event is dropped for that
// subscriber and counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/margin/internal/note"
	"github.com/hpungsan/margin/internal/state"
)

// Kind is an outbound event kind.
type Kind string

const (
	KindBackpressure  Kind = "backpressure"
	KindSessionStatus Kind = "session_status"
	KindNoteCreated   Kind = "note_created"
	KindNoteUpdated   Kind = "note_updated"
	KindNoteMerged    Kind = "note_merged"
	KindEvicted       Kind = "evicted"
)

// Event is one outbound message.
type Event struct {
	Kind      Kind          `json:"type"`
	SessionID string        `json:"session_id"`
	At        int64         `json:"at"`
	Level     string        `json:"level,omitempty"`
	Depth     int64         `json:"depth,omitempty"`
	Status    state.Status  `json:"status,omitempty"`
	Health    *state.Health `json:"health,omitempty"`
	Note      *note.Note    `json:"note,omitempty"`
	Archived  []string      `json:"archived,omitempty"`
	Sequence  int64         `json:"sequence,omitempty"`
	Evictions uint64        `json:"evictions,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(ev Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Subscription receives a session's events.
type Subscription struct {
	C <-chan Event

	hub       *Hub
	sessionID string
	ch        chan Event
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// Dropped returns how many events were dropped because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Sent returns how many events were delivered.
func (s *Subscription) Sent() uint64 {
	return s.sent.Load()
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub routes events to per-session subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
	now       func() time.Time
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), now: time.Now}
}

// Subscribe registers a subscriber for sessionID with the given buffer size.
func (h *Hub) Subscribe(sessionID string, buffer int) *Subscription {
	ch := make(chan Event, max(buffer, 1))
	sub := &Subscription{C: ch, hub: h, sessionID: sessionID, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.sessionID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.sessionID)
	}
	close(s.ch)
}

// Publish delivers ev to every subscriber of ev.SessionID without blocking.
func (h *Hub) Publish(ev Event) {
	if ev.At == 0 {
		ev.At = h.now().UnixMilli()
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of subscribers for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Stats returns total published and dropped counts.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = nil
}

// Package control exposes the pipeline's Load/Destroy/SetActive/
// SetSwapped/SetGeometry/Stats control surface over HTTP (chi + huma),
// plus the host event stream (§6) replayed as Server-Sent Events.
// Modeled on the teacher's progress handler: huma for the request/
// response operations, a raw chi handler for the SSE stream Huma
// doesn't support natively.
package control

import (
	"sync"

	"github.com/google/uuid"
)

// Event mirrors one occurrence of the host event stream (§6): an SSE
// "event:" line plus a JSON "data:" payload.
type Event struct {
	Type string
	Data any
}

// subscriber is one SSE client's event channel, identified for
// Unsubscribe. Modeled on the teacher's progress.Subscription.
type subscriber struct {
	id     string
	events chan Event
}

// EventHub fans out host events to every connected SSE client. Events
// are dropped for a subscriber whose channel is full rather than
// blocking the publisher, since a stalled client must never stall the
// pipeline's single logical task (§5).
type EventHub struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

// NewEventHub constructs an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]*subscriber)}
}

// Subscribe registers a new SSE client and returns its event channel
// and an id for Unsubscribe.
func (h *EventHub) Subscribe() (id string, events <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{id: uuid.NewString(), events: make(chan Event, 32)}
	h.subs[sub.id] = sub
	return sub.id, sub.events
}

// Unsubscribe removes a client and closes its channel.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[id]; ok {
		close(sub.events)
		delete(h.subs, id)
	}
}

// Publish fans an event out to every connected subscriber.
func (h *EventHub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		select {
		case sub.events <- event:
		default:
			// Slow client: drop rather than block the publisher.
		}
	}
}

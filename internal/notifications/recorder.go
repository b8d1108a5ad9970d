package notifications

import (
	"context"
	"sync"
)

// Published is one event captured by a Recorder.
type Published struct {
	Event   Event
	Payload Payload
}

// Recorder is an in-memory Service that keeps every published event.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

// Publish implements Service.
func (r *Recorder) Publish(_ context.Context, event Event, payload Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Event: event, Payload: payload})
	return nil
}

// Events returns a copy of the captured events.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Count returns how many times event was published.
func (r *Recorder) Count(event Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

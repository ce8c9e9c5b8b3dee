// Package relay fans out per-job events (log lines, progress, status
// transitions, readiness) to zero or more subscribers. Publishing never
// blocks on a slow subscriber: each subscription has a bounded buffer with a
// drop-oldest overflow policy, so a stalled client cannot stall job
// execution. Delivery order per job id matches publish order; no ordering is
// promised across jobs.
package relay

import (
	"sync"
	"time"
)

// Type identifies the kind of event being delivered.
type Type string

const (
	TypeLog      Type = "log"
	TypeProgress Type = "progress"
	TypeStatus   Type = "status"
	TypeReady    Type = "ready"
)

// FilterAll subscribes to events for every job.
const FilterAll = "all"

// Event is one unit of delivery. Fields beyond JobID, Type, Seq and Time are
// populated per Type.
type Event struct {
	JobID string    `json:"job_id"`
	Type  Type      `json:"type"`
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`

	Stream   string `json:"stream,omitempty"`
	Message  string `json:"message,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Status   string `json:"status,omitempty"`
	URL      string `json:"url,omitempty"`
}

const defaultSubscriberBuffer = 256

// Relay is a fan-out broadcaster of Events.
type Relay struct {
	buffer int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	seq    map[string]uint64
	closed bool
}

// New creates a Relay whose subscribers buffer up to buffer events each.
// A buffer of 0 selects a sensible default.
func New(buffer int) *Relay {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	return &Relay{
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
		seq:    make(map[string]uint64),
	}
}

// Publish assigns the event its per-job sequence number and enqueues it for
// every matching subscriber. It never blocks: a subscriber whose buffer is
// full loses its oldest undelivered event instead.
func (r *Relay) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.seq[event.JobID]++
	event.Seq = r.seq[event.JobID]

	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	// Enqueue while still holding the relay lock: sequence assignment and
	// subscriber enqueue are one atomic step, so concurrent publishers for
	// the same job cannot invert delivery order. enqueue never blocks; a
	// full subscriber buffer drops its oldest event instead.
	for sub := range r.subs {
		if sub.filter == FilterAll || sub.filter == event.JobID {
			sub.enqueue(event)
		}
	}
}

// Subscribe registers interest in events for the given job id, or every job
// when filter is FilterAll. The returned Subscription delivers matching
// events on C in publish order per job id.
func (r *Relay) Subscribe(filter string) *Subscription {
	sub := &Subscription{
		filter: filter,
		cap:    r.buffer,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		relay:  r,
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		sub.Close()

		// The pump still runs so the delivery channel is closed and a
		// consumer blocking on C() returns instead of hanging.
		go sub.pump()

		return sub
	}

	r.subs[sub] = struct{}{}

	r.mu.Unlock()

	go sub.pump()

	return sub
}

// Unsubscribe removes the subscription and releases its resources. Safe to
// call after the underlying connection is already gone, and safe to call
// more than once.
func (r *Relay) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()

	sub.Close()
}

// Close shuts down the relay and every remaining subscription.
func (r *Relay) Close() {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return
	}

	r.closed = true

	subs := make([]*Subscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}

	r.subs = make(map[*Subscription]struct{})

	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

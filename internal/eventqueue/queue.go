// Package eventqueue provides the ordered, thread-safe queue that merges
// microphone transcripts and viewer comments into a single stream the
// controlling agent polls.
//
// The queue is a dumb merge: events are appended strictly in arrival order
// regardless of source and are never reordered. Mic events carry a source tag
// so the consumer can apply its own priority policy; the queue itself does
// not. Every event is delivered exactly once — DrainNew marks what it returns
// as consumed and removes it, so re-reads return empty rather than duplicates.
//
// Producers never block: Push is a short critical section. When a hard
// capacity is configured, the oldest unconsumed events are evicted and
// counted — overflow is reported via Stats, never hidden.
package eventqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Source identifies where an event originated.
type Source string

const (
	// SourceMic marks a transcript of the streamer's own speech.
	SourceMic Source = "mic"

	// SourceComment marks a viewer comment relayed by the comment listener.
	SourceComment Source = "comment"
)

// Event is the aggregator's unit of work.
type Event struct {
	// ID is monotonic and unique across the lifetime of the queue.
	ID uint64 `json:"id"`

	// Source is mic or comment.
	Source Source `json:"source"`

	// Text is the transcript or comment body.
	Text string `json:"text"`

	// Author is the comment author's display name; empty for mic events.
	Author string `json:"author,omitempty"`

	// ReceivedAt is when the queue accepted the event.
	ReceivedAt time.Time `json:"received_at"`
}

// Stats is a point-in-time snapshot of queue counters for /api/status and
// metrics.
type Stats struct {
	// Depth is the number of unconsumed events.
	Depth int

	// TotalPushed counts every accepted event since start.
	TotalPushed uint64

	// TotalComments counts accepted comment-source events.
	TotalComments uint64

	// Overflowed counts events evicted by the capacity bound.
	Overflowed uint64

	// LastComment is when the most recent comment event arrived; zero if none.
	LastComment time.Time
}

// Queue is the shared event aggregator. The zero value is not usable; create
// one with New.
//
// All methods are safe for concurrent use. No lock is ever held across a
// wait: Wait re-checks under the lock, then blocks on a broadcast channel.
type Queue struct {
	mu      sync.Mutex
	pending []Event // unconsumed events in ID order
	nextID  uint64
	wake    chan struct{} // closed and replaced on every Push

	capacity int // 0 = unbounded

	// depthHook, when set, receives the signed change in pending depth on
	// every push, eviction, and drain. Feeds the queue depth gauge.
	depthHook func(delta int)

	// overflowHook, when set, receives the number of events evicted by each
	// overflowing Push. Feeds the overflow counter.
	overflowHook func(evicted int)

	totalPushed   uint64
	totalComments uint64
	overflowed    uint64
	lastComment   time.Time
}

// Option configures a Queue during construction.
type Option func(*Queue)

// WithCapacity bounds the number of unconsumed events held. When the bound is
// reached the oldest unconsumed events are evicted and counted in
// Stats.Overflowed. n ≤ 0 means unbounded (the default).
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithDepthHook registers a callback receiving every change in unconsumed
// depth: +1 per push, negative on eviction and drain. The hook runs outside
// the queue lock and must be safe for concurrent use.
func WithDepthHook(fn func(delta int)) Option {
	return func(q *Queue) { q.depthHook = fn }
}

// WithOverflowHook registers a callback receiving the eviction count of every
// Push that overflows the capacity bound. The hook runs outside the queue
// lock and must be safe for concurrent use.
func WithOverflowHook(fn func(evicted int)) Option {
	return func(q *Queue) { q.overflowHook = fn }
}

// New creates an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		nextID: 1,
		wake:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push appends an event, assigning the next monotonic ID and the arrival
// timestamp. It never blocks on consumers and returns the stored event.
func (q *Queue) Push(source Source, text, author string) Event {
	q.mu.Lock()

	ev := Event{
		ID:         q.nextID,
		Source:     source,
		Text:       text,
		Author:     author,
		ReceivedAt: time.Now(),
	}
	q.nextID++
	q.pending = append(q.pending, ev)
	q.totalPushed++
	if source == SourceComment {
		q.totalComments++
		q.lastComment = ev.ReceivedAt
	}

	var evicted int
	if q.capacity > 0 {
		for len(q.pending) > q.capacity {
			q.pending = q.pending[1:]
			q.overflowed++
			evicted++
		}
	}

	// Wake all waiters. Closing a channel broadcasts; a fresh one arms the
	// next round.
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()

	if q.depthHook != nil {
		q.depthHook(1 - evicted)
	}
	if evicted > 0 {
		if q.overflowHook != nil {
			q.overflowHook(evicted)
		}
		slog.Warn("event queue overflow, oldest unconsumed events evicted",
			"evicted", evicted, "capacity", q.capacity)
	}
	return ev
}

// DrainNew returns all unconsumed events with ID > sinceID in ascending ID
// order and marks them consumed. Re-reading already-consumed IDs is not an
// error — it returns an empty slice.
func (q *Queue) DrainNew(sinceID uint64) []Event {
	q.mu.Lock()
	evs := q.drainLocked(sinceID)
	q.mu.Unlock()

	if q.depthHook != nil && len(evs) > 0 {
		q.depthHook(-len(evs))
	}
	return evs
}

// drainLocked is DrainNew's body; q.mu must be held.
func (q *Queue) drainLocked(sinceID uint64) []Event {
	// pending is in ID order; find the first event past sinceID.
	i := 0
	for i < len(q.pending) && q.pending[i].ID <= sinceID {
		i++
	}
	if i == len(q.pending) {
		return nil
	}

	drained := make([]Event, len(q.pending)-i)
	copy(drained, q.pending[i:])

	// Events with ID ≤ sinceID that are still pending stay pending: a caller
	// draining from a later cursor must not consume what another cursor has
	// not seen. In the single-consumer polling API sinceID is always the last
	// delivered ID, so this branch keeps nothing in practice.
	q.pending = q.pending[:i]

	return drained
}

// Wait blocks until at least one unconsumed event with ID > sinceID exists or
// timeout elapses, then drains and returns them. It returns nil on timeout or
// context cancellation. The queue lock is never held while waiting.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration, sinceID uint64) []Event {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		evs := q.drainLocked(sinceID)
		wake := q.wake
		q.mu.Unlock()

		if len(evs) > 0 {
			if q.depthHook != nil {
				q.depthHook(-len(evs))
			}
			return evs
		}

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case <-wake:
		}
	}
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:         len(q.pending),
		TotalPushed:   q.totalPushed,
		TotalComments: q.totalComments,
		Overflowed:    q.overflowed,
		LastComment:   q.lastComment,
	}
}

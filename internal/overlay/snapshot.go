package overlay

import (
	"context"
	"log/slog"
	"time"
)

// Snapshot is the overlay-facing view of service state, pushed as a "state"
// event whenever it changes.
type Snapshot struct {
	// TurnState is the voice channel state ("idle" or "playing").
	TurnState string `json:"turn_state"`

	// UtteranceID identifies the playing utterance, empty when idle.
	UtteranceID string `json:"utterance_id,omitempty"`

	// MicActive is true while the streamer is speaking.
	MicActive bool `json:"mic_active"`

	// LatestText is the most recent activity text (transcript, comment, or
	// spoken response).
	LatestText string `json:"latest_text,omitempty"`

	// QueueDepth is the number of unconsumed events awaiting the agent.
	QueueDepth int `json:"queue_depth"`
}

// Refresher polls a snapshot source on an interval and publishes a "state"
// event to the hub whenever the snapshot changed. Eventual consistency is the
// contract: the overlay converges within one interval.
type Refresher struct {
	hub      *Hub
	source   func() Snapshot
	interval time.Duration
	log      *slog.Logger

	last Snapshot
	seen bool
}

// NewRefresher wires a snapshot source to the hub.
func NewRefresher(hub *Hub, source func() Snapshot, interval time.Duration, log *slog.Logger) *Refresher {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Refresher{hub: hub, source: source, interval: interval, log: log}
}

// Run polls until ctx is cancelled. The first snapshot is always published so
// a freshly connected overlay gets state within one interval.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := r.source()
			if r.seen && snap == r.last {
				continue
			}
			r.last = snap
			r.seen = true
			r.hub.Publish(Event{Type: "state", Data: snap})
		}
	}
}

// Package turn serializes access to the single synthesized-voice output
// channel. Exactly one utterance plays at a time: Speak performs an atomic
// idle check-and-claim, and every competing caller gets an explicit BUSY
// instead of being queued. Retry and merge policy belong to the caller.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanakusa/koestream/pkg/audio"
	"github.com/nanakusa/koestream/pkg/provider/tts"
)

// Outcome is the tagged result of a Speak call. Callers branch on it; it is
// not an error.
type Outcome string

const (
	// OutcomeOK means the utterance was synthesized and played to completion.
	OutcomeOK Outcome = "ok"

	// OutcomeBusy means another utterance holds the channel. Retry later
	// with a freshly merged response.
	OutcomeBusy Outcome = "busy"

	// OutcomeBlocked means the request was rejected before claiming the
	// channel: policy violation or the streamer's microphone stayed active
	// past the grace period. Channel state is untouched.
	OutcomeBlocked Outcome = "blocked"

	// OutcomeFailed means the channel was claimed but synthesis or playback
	// failed. The channel has been released; the caller decides whether to
	// retry.
	OutcomeFailed Outcome = "failed"
)

// State of the voice-output channel.
type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
)

// Result carries the outcome plus a human-readable detail for the API
// response and logs.
type Result struct {
	Outcome     Outcome `json:"result"`
	Detail      string  `json:"detail,omitempty"`
	UtteranceID string  `json:"utterance_id,omitempty"`
}

// Status is a point-in-time snapshot for /api/status and the overlay.
type Status struct {
	State       State  `json:"state"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

const (
	defaultMaxTextLen = 500
	defaultMicGrace   = 5 * time.Second
	defaultMicPoll    = 100 * time.Millisecond
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMaxTextLen sets the policy bound on utterance length in runes.
// Zero or negative disables the bound.
func WithMaxTextLen(n int) Option {
	return func(c *Controller) { c.maxTextLen = n }
}

// WithMicGate installs a probe reporting whether the streamer is currently
// speaking. Speak waits up to grace for the probe to go false, polling at a
// fixed interval, and returns BLOCKED if it does not.
func WithMicGate(active func() bool, grace time.Duration) Option {
	return func(c *Controller) {
		c.micActive = active
		if grace > 0 {
			c.micGrace = grace
		}
	}
}

// WithPlaybackHooks registers callbacks fired when playback of an utterance
// begins and ends. The overlay uses them to show subtitles and serve the
// synthesized audio to the browser source. Hooks run on the Speak caller's
// goroutine, outside the state lock.
func WithPlaybackHooks(onStart func(id, text string, clip audio.Clip), onEnd func(id string)) Option {
	return func(c *Controller) {
		c.onStart = onStart
		c.onEnd = onEnd
	}
}

// Controller is the process-wide gate in front of the voice channel. Create
// one with New and share it; all methods are safe for concurrent use.
type Controller struct {
	synth  tts.Provider
	player audio.Player
	log    *slog.Logger

	maxTextLen int
	micActive  func() bool
	micGrace   time.Duration
	micPoll    time.Duration

	onStart func(id, text string, clip audio.Clip)
	onEnd   func(id string)

	mu      sync.Mutex
	state   State
	current string // utterance ID while playing
}

// New builds a Controller speaking through synth and player.
func New(synth tts.Provider, player audio.Player, opts ...Option) *Controller {
	c := &Controller{
		synth:      synth,
		player:     player,
		log:        slog.Default(),
		maxTextLen: defaultMaxTextLen,
		micGrace:   defaultMicGrace,
		micPoll:    defaultMicPoll,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Speak synthesizes and plays text, blocking until playback completes or the
// request is turned away. The idle→playing transition is a single critical
// section; synthesis and playback run outside it so other callers observing
// BUSY return immediately.
func (c *Controller) Speak(ctx context.Context, text string) Result {
	c.mu.Lock()
	maxTextLen, micGrace := c.maxTextLen, c.micGrace
	playing := c.state == StatePlaying
	c.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return Result{Outcome: OutcomeBlocked, Detail: "empty text"}
	}
	if maxTextLen > 0 && len([]rune(text)) > maxTextLen {
		return Result{Outcome: OutcomeBlocked, Detail: "text exceeds maximum length"}
	}

	// A caller that cannot win the claim anyway learns BUSY now rather than
	// after riding out the mic grace wait.
	if playing {
		return Result{Outcome: OutcomeBusy, Detail: "playback in progress"}
	}

	if !c.waitMicIdle(ctx, micGrace) {
		return Result{Outcome: OutcomeBlocked, Detail: "microphone active"}
	}

	id, ok := c.claim()
	if !ok {
		return Result{Outcome: OutcomeBusy, Detail: "playback in progress"}
	}

	clip, err := c.synth.Synthesize(ctx, text)
	if err != nil {
		c.release(id)
		c.log.Error("synthesis failed", "utterance_id", id, "error", err)
		return Result{Outcome: OutcomeFailed, Detail: "synthesis failed: " + err.Error(), UtteranceID: id}
	}

	if c.onStart != nil {
		c.onStart(id, text, clip)
	}
	err = c.player.Play(ctx, clip)
	if c.onEnd != nil {
		c.onEnd(id)
	}
	c.release(id)

	if err != nil {
		c.log.Error("playback failed", "utterance_id", id, "error", err)
		return Result{Outcome: OutcomeFailed, Detail: "playback failed: " + err.Error(), UtteranceID: id}
	}
	c.log.Debug("utterance played", "utterance_id", id, "duration", clip.Duration)
	return Result{Outcome: OutcomeOK, UtteranceID: id}
}

// Snapshot reports the current channel state.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, UtteranceID: c.current}
}

// SetPolicy retunes the length bound and mic grace period at runtime, for
// config hot-reload. maxTextLen ≤ 0 disables the bound; grace ≤ 0 keeps the
// current value. In-flight Speak calls keep the values they started with.
func (c *Controller) SetPolicy(maxTextLen int, grace time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxTextLen = maxTextLen
	if grace > 0 {
		c.micGrace = grace
	}
}

// claim atomically transitions idle→playing. The second return is false when
// the channel was already held.
func (c *Controller) claim() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePlaying {
		return "", false
	}
	c.state = StatePlaying
	c.current = uuid.NewString()
	return c.current, true
}

// release transitions back to idle if id still holds the channel.
func (c *Controller) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == id {
		c.state = StateIdle
		c.current = ""
	}
}

// waitMicIdle polls the mic probe until it reports idle, the grace period
// elapses, or ctx is cancelled. Returns true when it is safe to speak.
func (c *Controller) waitMicIdle(ctx context.Context, grace time.Duration) bool {
	if c.micActive == nil || !c.micActive() {
		return true
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(c.micPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
			if !c.micActive() {
				return true
			}
		}
	}
}

// Package energy provides a pure-Go RMS-energy VAD engine.
//
// The engine scores each frame by its root-mean-square level and maps the
// level onto a speech probability with a soft knee around a noise floor.
// It needs no model file and no network, which makes it the default scorer
// when no neural VAD is configured, and a useful baseline for tests.
//
// RMS is a crude proxy for speech — it fires on any loud sound — so the
// probability curve is tuned to be permissive: the downstream segmenter's
// minimum-duration filter discards most non-speech bursts.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/nanakusa/koestream/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

const (
	// defaultNoiseFloor is the RMS level (in 16-bit PCM units, max 32 767)
	// treated as the midpoint between silence and speech. 300 corresponds to
	// near-silence on most microphones.
	defaultNoiseFloor = 300.0

	// smoothing is the exponential moving average weight applied to the raw
	// per-frame probability. Light smoothing suppresses single-frame spikes
	// without adding noticeable detection latency.
	smoothing = 0.7
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithNoiseFloor sets the RMS level treated as the silence/speech midpoint.
// Raise it for noisy rooms, lower it for quiet condenser microphones.
// Defaults to 300 (16-bit PCM units).
func WithNoiseFloor(level float64) Option {
	return func(e *Engine) { e.noiseFloor = level }
}

// Engine implements vad.Engine with an RMS-energy detector.
type Engine struct {
	noiseFloor float64
}

// New creates an energy Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{noiseFloor: defaultNoiseFloor}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession creates a new scoring session. Each session keeps its own
// smoothing state so concurrent streams do not bleed into each other.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		noiseFloor: e.noiseFloor,
		frameBytes: frameBytes,
	}, nil
}

// session is a single RMS scoring stream.
type session struct {
	mu         sync.Mutex
	noiseFloor float64
	frameBytes int
	smoothed   float64
	closed     bool
}

// Score computes the smoothed speech probability of one frame.
func (s *session) Score(frame []byte) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return 0, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	level := rms(frame)
	// Soft knee: 0 at silence, 0.5 at the noise floor, asymptotically 1.
	raw := level / (level + s.noiseFloor)
	s.smoothed = smoothing*raw + (1-smoothing)*s.smoothed
	return s.smoothed, nil
}

// Reset clears the smoothing state.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smoothed = 0
}

// Close marks the session closed. Subsequent Score calls return an error.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// rms returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in PCM sample units (0–32 767). Returns 0 for buffers shorter
// than one sample.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

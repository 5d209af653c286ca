// Package vad defines the Engine interface for voice-activity scoring backends.
//
// A VAD engine wraps a frame-level speech detector (e.g., Silero VAD, WebRTC
// VAD, or a plain energy detector) and surfaces it as a stateful, per-stream
// session. Each session maintains its own internal state (smoothing history,
// model context) so that multiple concurrent audio streams can be scored
// independently.
//
// Scoring is synchronous by design: Score returns immediately with a speech
// probability, making it suitable for the low-latency segmentation loop that
// gates STT input. The segmenter treats a scoring failure as silence (fail
// open) so a broken model never stalls the capture loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to Score. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most
	// VAD models operate on fixed frame sizes (e.g., 10, 20, or 32 ms).
	// Score will return an error if the supplied frame does not match this
	// size.
	FrameSizeMs int
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Reset clears detection state without closing the
// session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// Score analyses a single audio frame and returns its speech probability
	// in [0.0, 1.0]. The frame must be raw 16-bit little-endian PCM at the
	// SampleRate and FrameSizeMs configured when the session was created.
	// Returns an error if the frame size is wrong or if the engine
	// encounters an internal failure; callers treat errors as probability 0.
	//
	// This method is called synchronously in the segmentation loop; it must
	// not block.
	Score(frame []byte) (float64, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted so
	// stale state from the previous segment cannot affect subsequent frames.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// Score must return an error. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each scoring backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (e.g., unsupported
	// sample rate or frame size) or if the engine cannot allocate resources
	// for the session.
	NewSession(cfg Config) (SessionHandle, error)
}

// Package audio defines the device-boundary contracts of the koestream
// pipeline: a blocking pull [Source] of microphone frames and a blocking
// [Player] for synthesised clips.
//
// The core never touches audio hardware directly. Capture and playback are
// external collaborators (a sounddevice-style input stream and a mixer-style
// output) wired in at process start; the interfaces here are the only thing
// the pipeline knows about them. Test code uses the mock subpackage.
package audio

import "context"

// Source delivers fixed-size PCM frames from a capture device. It is a
// blocking pull source: ReadFrame suspends the caller until the next frame is
// available, the context is cancelled, or the stream ends.
//
// A Source is owned by exactly one reader goroutine; implementations are not
// required to support concurrent ReadFrame calls.
type Source interface {
	// ReadFrame returns the next captured frame. It blocks until a frame is
	// available or ctx is cancelled. After Close, ReadFrame returns an error.
	ReadFrame(ctx context.Context) (Frame, error)

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Player renders a synthesised clip through the single voice-output channel.
//
// Play is deliberately a single blocking call: its duration bounds how long
// the turn-taking controller stays in the PLAYING state. Implementations must
// respect ctx cancellation by stopping playback early.
type Player interface {
	// Play renders the clip to completion and returns nil, or returns an
	// error if the playback device fails. Play must not be called
	// concurrently; the turn-taking controller serialises access.
	Play(ctx context.Context, clip Clip) error
}

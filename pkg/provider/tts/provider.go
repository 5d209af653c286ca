// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., VOICEVOX or a Coqui
// server) and presents it as a single batch call: the turn-taking controller
// speaks one complete response at a time, so streaming synthesis buys nothing
// here — the whole clip is synthesised, then played.
//
// Implementations must be safe for concurrent use, although the turn-taking
// controller serialises calls in practice.
package tts

import (
	"context"

	"github.com/nanakusa/koestream/pkg/audio"
)

// Provider is the abstraction over any batch TTS backend.
type Provider interface {
	// Synthesize renders text to a playable clip. It blocks until the engine
	// returns or ctx is done. A non-nil error means no audio was produced;
	// the caller reports the turn as failed rather than retrying.
	Synthesize(ctx context.Context, text string) (audio.Clip, error)
}

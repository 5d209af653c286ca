// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Unlike a streaming STT integration, koestream's transcription contract is
// deliberately batch-shaped: the VAD segmenter has already cut the microphone
// stream into discrete utterances, so each segment is submitted as one
// Transcribe call. The call is bounded by the caller's context deadline — a
// timeout surfaces as a dropped segment (logged, never retried) so a slow
// engine cannot back up the capture loop.
//
// Implementations must be safe for concurrent use; the mic pipeline issues
// one call at a time, but tests and future pipelines may not.
package stt

import (
	"context"
	"time"
)

// Audio is a finalized speech segment submitted for recognition.
type Audio struct {
	// PCM holds 16-bit signed little-endian mono samples.
	PCM []byte

	// SampleRate in Hz. Most engines expect 16000.
	SampleRate int
}

// Duration returns the play time of the segment derived from its sample count.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	samples := len(a.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

// Transcript is the recognition result for one segment.
type Transcript struct {
	// Text is the transcribed speech content, whitespace-trimmed. May be
	// empty when the engine recognised nothing.
	Text string

	// NoSpeechProb is the engine's estimate that the segment contains no
	// speech at all (0.0–1.0). Engines that do not report it leave it 0; the
	// mic pipeline uses it to discard breathing and keyboard noise.
	NoSpeechProb float64
}

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe recognises one speech segment. It blocks until the engine
	// returns or ctx is done; callers set a deadline that bounds segment
	// latency. A non-nil error means the segment should be dropped.
	Transcribe(ctx context.Context, audio Audio) (Transcript, error)
}

package audio

import "time"

// Frame represents a single fixed-duration frame of microphone audio flowing
// through the capture pipeline. Frames are the atomic unit of audio transport —
// pulled from the input device, scored by VAD, and accumulated into speech
// segments.
type Frame struct {
	// PCM holds 16-bit signed little-endian mono samples.
	PCM []byte

	// SampleRate in Hz (e.g., 16000 for VAD/STT input).
	SampleRate int

	// Timestamp marks when this frame was captured.
	Timestamp time.Time
}

// Duration returns the play time of the frame derived from its sample count.
// Returns 0 when SampleRate is not set.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Clip is a complete synthesised utterance ready for playback.
type Clip struct {
	// WAV is the full RIFF/WAV container as returned by the synthesis engine.
	WAV []byte

	// Duration is the play time of the clip, parsed from the WAV header.
	Duration time.Duration
}

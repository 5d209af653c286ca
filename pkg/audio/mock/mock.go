// Package mock provides test doubles for the audio package interfaces.
//
// Source replays a scripted slice of frames and then blocks (or returns
// io.EOF, depending on configuration). Player records every clip it is asked
// to play and can simulate playback latency and device failures.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/nanakusa/koestream/pkg/audio"
)

// Source is a mock implementation of audio.Source that replays Frames in
// order. When the script is exhausted it returns io.EOF unless BlockOnEmpty
// is set, in which case ReadFrame blocks until ctx is cancelled.
type Source struct {
	mu sync.Mutex

	// Frames is the scripted sequence returned by successive ReadFrame calls.
	Frames []audio.Frame

	// BlockOnEmpty makes ReadFrame block on ctx instead of returning io.EOF
	// once all scripted frames are consumed.
	BlockOnEmpty bool

	// ReadErr, if non-nil, is returned by every ReadFrame call.
	ReadErr error

	next   int
	closed bool
}

// ReadFrame returns the next scripted frame.
func (s *Source) ReadFrame(ctx context.Context) (audio.Frame, error) {
	s.mu.Lock()
	if s.ReadErr != nil {
		err := s.ReadErr
		s.mu.Unlock()
		return audio.Frame{}, err
	}
	if s.closed {
		s.mu.Unlock()
		return audio.Frame{}, io.EOF
	}
	if s.next < len(s.Frames) {
		f := s.Frames[s.next]
		s.next++
		s.mu.Unlock()
		return f, nil
	}
	block := s.BlockOnEmpty
	s.mu.Unlock()

	if !block {
		return audio.Frame{}, io.EOF
	}
	<-ctx.Done()
	return audio.Frame{}, ctx.Err()
}

// Close marks the source closed; subsequent ReadFrame calls return io.EOF.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)

// PlayCall records a single invocation of Player.Play.
type PlayCall struct {
	// Clip is the clip passed to Play.
	Clip audio.Clip
}

// Player is a mock implementation of audio.Player.
type Player struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// Delay simulates playback time: Play blocks for this long (or until ctx
	// is cancelled) before returning.
	Delay time.Duration

	// PlayCalls records every call to Play in order.
	PlayCalls []PlayCall

	// OnPlay, if set, runs synchronously inside every Play call, before the
	// Delay sleep. Useful for asserting that playback windows never overlap.
	OnPlay func()
}

// Play records the call, runs OnPlay, sleeps Delay, and returns PlayErr.
func (p *Player) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	p.PlayCalls = append(p.PlayCalls, PlayCall{Clip: clip})
	delay := p.Delay
	err := p.PlayErr
	hook := p.OnPlay
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls returns a snapshot of recorded Play calls. Thread-safe.
func (p *Player) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

// Ensure Player implements audio.Player at compile time.
var _ audio.Player = (*Player)(nil)

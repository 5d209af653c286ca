package segment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nanakusa/koestream/pkg/audio"
	"github.com/nanakusa/koestream/pkg/provider/vad"
)

// Sink receives finalized segments. Implementations must not retain PCM past
// the call unless they copy it.
type Sink func(Segment)

// Segmenter is the dedicated capture worker: it owns the frame buffer via its
// Machine and is the only component that touches raw audio frames.
type Segmenter struct {
	src     audio.Source
	session vad.SessionHandle
	sink    Sink
	log     *slog.Logger

	mu      sync.Mutex // guards machine; Run mutates it, status readers peek
	machine *Machine

	speaking atomic.Bool
}

// NewSegmenter wires a source, a scoring session, and a sink together.
func NewSegmenter(src audio.Source, session vad.SessionHandle, machine *Machine, sink Sink, log *slog.Logger) *Segmenter {
	if log == nil {
		log = slog.Default()
	}
	return &Segmenter{src: src, session: session, machine: machine, sink: sink, log: log}
}

// Speaking reports whether speech is currently in progress (speech or
// trailing state). Safe for concurrent use; the turn controller's mic gate
// polls it.
func (s *Segmenter) Speaking() bool { return s.speaking.Load() }

// Stats returns the machine's activity counters.
func (s *Segmenter) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Stats()
}

// State returns the machine's current state for /api/status.
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// Run pulls frames until ctx is cancelled or the source ends. Scoring
// failures degrade the frame to silence and never stop the loop; a scoring
// failure must not leave audio buffering forever.
func (s *Segmenter) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		seg := s.machine.Flush()
		s.mu.Unlock()
		if seg != nil {
			s.sink(*seg)
		}
		s.speaking.Store(false)
	}()

	for {
		frame, err := s.src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		prob, err := s.session.Score(frame.PCM)
		if err != nil {
			s.log.Warn("voice scoring degraded, treating frame as silence", "error", err)
			prob = 0
		}

		s.mu.Lock()
		seg := s.machine.Feed(frame, prob)
		state := s.machine.State()
		s.mu.Unlock()
		s.speaking.Store(state != StateSilence)
		if seg != nil {
			s.sink(*seg)
		}
	}
}

// Package segment turns a continuous stream of scored audio frames into
// discrete speech segments.
//
// The core is Machine, a pure transition function over an explicit state
// enum (silence → speech → trailing → silence). It owns the rolling frame
// buffer exclusively and never performs IO: callers feed it frames with a
// voice-activity probability and receive a finalized *Segment when one
// completes. That keeps every transition testable with synthetic probability
// sequences, no audio or network involved.
//
// Segmenter wraps a Machine in the dedicated capture worker: it pulls frames
// from an audio.Source, scores them with a vad.SessionHandle, and hands
// finished segments to a sink.
package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/nanakusa/koestream/pkg/audio"
)

// State of the segmentation machine.
type State string

const (
	// StateSilence means no speech is in progress. Recent frames are retained
	// in a bounded pre-buffer so the onset of speech is not clipped.
	StateSilence State = "silence"

	// StateSpeech means an utterance is being buffered.
	StateSpeech State = "speech"

	// StateTrailing means speech paused. Frames keep accumulating until
	// silence persists long enough to finalize, or speech resumes.
	StateTrailing State = "trailing"
)

// Config bounds the machine's behavior. Durations are wall-clock amounts of
// audio, derived from each frame's own length.
type Config struct {
	// SpeechThreshold is the probability at or above which a frame counts as
	// speech. Range (0,1).
	SpeechThreshold float64

	// SilenceDuration is how much continuous sub-threshold audio confirms the
	// end of an utterance.
	SilenceDuration time.Duration

	// MinSpeech discards utterances whose voiced portion is shorter than
	// this. Filters coughs and impulse noise.
	MinSpeech time.Duration

	// MaxSpeech force-flushes a segment that grows past this, bounding both
	// memory and transcription latency for a speaker who never pauses.
	MaxSpeech time.Duration

	// PreBuffer is how much audio preceding the trigger frame is prepended to
	// each segment.
	PreBuffer time.Duration
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.SpeechThreshold <= 0 || c.SpeechThreshold >= 1 {
		errs = append(errs, fmt.Errorf("speech threshold %v outside (0,1)", c.SpeechThreshold))
	}
	if c.SilenceDuration <= 0 {
		errs = append(errs, errors.New("silence duration must be positive"))
	}
	if c.MinSpeech < 0 {
		errs = append(errs, errors.New("min speech must not be negative"))
	}
	if c.MaxSpeech <= 0 {
		errs = append(errs, errors.New("max speech must be positive"))
	}
	if c.MaxSpeech <= c.MinSpeech {
		errs = append(errs, fmt.Errorf("max speech %v must exceed min speech %v", c.MaxSpeech, c.MinSpeech))
	}
	if c.PreBuffer < 0 {
		errs = append(errs, errors.New("pre-buffer must not be negative"))
	}
	return errors.Join(errs...)
}

// Segment is one finalized utterance ready for transcription.
type Segment struct {
	// PCM is the raw little-endian 16-bit mono audio, pre-buffer included.
	PCM []byte

	// SampleRate of PCM.
	SampleRate int

	// Start is the timestamp of the first buffered frame.
	Start time.Time

	// Duration is the total length of PCM.
	Duration time.Duration

	// Voiced is the length of the voiced portion, pre-buffer and trailing
	// silence excluded. The MinSpeech filter applies to this.
	Voiced time.Duration

	// Forced marks a segment emitted by the MaxSpeech bound rather than a
	// confirmed pause.
	Forced bool
}

// Stats counts machine activity for /api/status and metrics.
type Stats struct {
	// Emitted counts finalized segments handed to the caller.
	Emitted uint64

	// Discarded counts utterances dropped by the MinSpeech filter.
	Discarded uint64

	// Forced counts segments flushed by the MaxSpeech bound.
	Forced uint64
}

// Machine is the segmentation state machine. Not safe for concurrent use:
// exactly one worker owns it.
type Machine struct {
	cfg Config

	state   State
	preBuf  []audio.Frame // bounded ring, newest last
	preDur  time.Duration
	buf     []audio.Frame // current utterance, pre-buffer included
	bufDur  time.Duration
	voiced  time.Duration // voiced portion of buf
	silence time.Duration // continuous sub-threshold audio while trailing
	rate    int
	start   time.Time

	stats Stats
}

// NewMachine validates cfg and returns a machine in the silence state.
func NewMachine(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segment config: %w", err)
	}
	return &Machine{cfg: cfg, state: StateSilence}, nil
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Stats returns a copy of the activity counters.
func (m *Machine) Stats() Stats { return m.stats }

// Feed advances the machine by one frame scored with probability prob.
// It returns a finalized segment, or nil when the utterance is still open.
// A forced flush leaves the machine in the speech state with a fresh buffer
// so a continuing speaker loses no audio.
func (m *Machine) Feed(frame audio.Frame, prob float64) *Segment {
	speechy := prob >= m.cfg.SpeechThreshold

	switch m.state {
	case StateSilence:
		if !speechy {
			m.pushPre(frame)
			return nil
		}
		m.beginUtterance(frame)
		return nil

	case StateSpeech:
		m.append(frame)
		if speechy {
			m.voiced += frame.Duration()
		} else {
			m.state = StateTrailing
			m.silence = frame.Duration()
		}
		return m.maybeForceFlush()

	case StateTrailing:
		m.append(frame)
		if speechy {
			m.state = StateSpeech
			m.voiced += frame.Duration()
			m.silence = 0
			return m.maybeForceFlush()
		}
		m.silence += frame.Duration()
		if m.silence >= m.cfg.SilenceDuration {
			return m.finalize(false)
		}
		return m.maybeForceFlush()
	}
	return nil
}

// Flush finalizes any open utterance, subject to the MinSpeech filter. Call
// it on shutdown so trailing audio is not lost.
func (m *Machine) Flush() *Segment {
	if m.state == StateSilence {
		return nil
	}
	return m.finalize(false)
}

// ---- internals ----

func (m *Machine) pushPre(frame audio.Frame) {
	if m.cfg.PreBuffer <= 0 {
		return
	}
	m.preBuf = append(m.preBuf, frame)
	m.preDur += frame.Duration()
	for len(m.preBuf) > 0 && m.preDur > m.cfg.PreBuffer {
		m.preDur -= m.preBuf[0].Duration()
		m.preBuf = m.preBuf[1:]
	}
}

func (m *Machine) beginUtterance(trigger audio.Frame) {
	m.state = StateSpeech
	m.buf = m.buf[:0]
	m.bufDur = 0
	m.voiced = 0
	m.silence = 0
	m.rate = trigger.SampleRate

	if len(m.preBuf) > 0 {
		m.start = m.preBuf[0].Timestamp
		for _, f := range m.preBuf {
			m.buf = append(m.buf, f)
			m.bufDur += f.Duration()
		}
		m.preBuf = m.preBuf[:0]
		m.preDur = 0
	} else {
		m.start = trigger.Timestamp
	}
	m.append(trigger)
	m.voiced = trigger.Duration()
}

func (m *Machine) append(frame audio.Frame) {
	m.buf = append(m.buf, frame)
	m.bufDur += frame.Duration()
}

// maybeForceFlush emits the open utterance once it reaches MaxSpeech. The
// machine stays in the speech state with an empty buffer; the speaker is
// still talking.
func (m *Machine) maybeForceFlush() *Segment {
	if m.bufDur < m.cfg.MaxSpeech {
		return nil
	}
	seg := m.emit(true)
	m.state = StateSpeech
	m.buf = m.buf[:0]
	m.bufDur = 0
	m.voiced = 0
	m.silence = 0
	m.start = time.Time{}
	return seg
}

// finalize closes the utterance and resets to silence. Utterances whose
// voiced portion is under MinSpeech are discarded, not forwarded.
func (m *Machine) finalize(forced bool) *Segment {
	var seg *Segment
	if m.voiced >= m.cfg.MinSpeech {
		seg = m.emit(forced)
	} else {
		m.stats.Discarded++
	}
	m.state = StateSilence
	m.buf = m.buf[:0]
	m.bufDur = 0
	m.voiced = 0
	m.silence = 0
	m.start = time.Time{}
	return seg
}

func (m *Machine) emit(forced bool) *Segment {
	var n int
	for _, f := range m.buf {
		n += len(f.PCM)
	}
	pcm := make([]byte, 0, n)
	for _, f := range m.buf {
		pcm = append(pcm, f.PCM...)
	}
	start := m.start
	if start.IsZero() && len(m.buf) > 0 {
		start = m.buf[0].Timestamp
	}
	m.stats.Emitted++
	if forced {
		m.stats.Forced++
	}
	return &Segment{
		PCM:        pcm,
		SampleRate: m.rate,
		Start:      start,
		Duration:   m.bufDur,
		Voiced:     m.voiced,
		Forced:     forced,
	}
}

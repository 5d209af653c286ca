package segment

import (
	"bytes"
	"testing"
	"time"

	"github.com/nanakusa/koestream/pkg/audio"
)

const (
	testRate     = 16000
	testFrameDur = 25 * time.Millisecond
	// 25 ms of 16-bit mono at 16 kHz.
	testFrameBytes = testRate / 40 * 2
)

func testConfig() Config {
	return Config{
		SpeechThreshold: 0.5,
		SilenceDuration: 1500 * time.Millisecond,
		MinSpeech:       300 * time.Millisecond,
		MaxSpeech:       30 * time.Second,
		PreBuffer:       200 * time.Millisecond,
	}
}

// frame builds a 25 ms frame whose PCM is filled with fill, so tests can
// check which frames ended up in a segment.
func frame(fill byte, ts time.Time) audio.Frame {
	pcm := bytes.Repeat([]byte{fill}, testFrameBytes)
	return audio.Frame{PCM: pcm, SampleRate: testRate, Timestamp: ts}
}

// feedRun feeds n frames with the given fill and probability, collecting any
// segments emitted along the way. The timestamp advances one frame per call.
func feedRun(m *Machine, ts *time.Time, n int, fill byte, prob float64) []*Segment {
	var out []*Segment
	for i := 0; i < n; i++ {
		if seg := m.Feed(frame(fill, *ts), prob); seg != nil {
			out = append(out, seg)
		}
		*ts = ts.Add(testFrameDur)
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero threshold", func(c *Config) { c.SpeechThreshold = 0 }, true},
		{"threshold one", func(c *Config) { c.SpeechThreshold = 1 }, true},
		{"zero silence", func(c *Config) { c.SilenceDuration = 0 }, true},
		{"negative min", func(c *Config) { c.MinSpeech = -time.Second }, true},
		{"zero max", func(c *Config) { c.MaxSpeech = 0 }, true},
		{"max below min", func(c *Config) { c.MaxSpeech = 100 * time.Millisecond }, true},
		{"negative pre-buffer", func(c *Config) { c.PreBuffer = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSingleUtteranceWithPreBuffer(t *testing.T) {
	t.Parallel()

	m, err := NewMachine(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Unix(0, 0)
	var segs []*Segment
	segs = append(segs, feedRun(m, &ts, 5, 0xAA, 0.1)...)  // silence, pre-buffer
	segs = append(segs, feedRun(m, &ts, 20, 0xBB, 0.9)...) // 500 ms speech
	segs = append(segs, feedRun(m, &ts, 61, 0xCC, 0.05)...) // >1.5 s silence

	if len(segs) != 1 {
		t.Fatalf("emitted %d segments, want exactly 1", len(segs))
	}
	seg := segs[0]

	if seg.Forced {
		t.Fatal("segment marked forced, want pause-confirmed")
	}
	if seg.Voiced != 500*time.Millisecond {
		t.Fatalf("Voiced = %v, want 500ms", seg.Voiced)
	}
	if seg.SampleRate != testRate {
		t.Fatalf("SampleRate = %d, want %d", seg.SampleRate, testRate)
	}

	// The pre-buffer holds 200 ms = 8 frames, only 5 arrived: all of them
	// lead the segment, followed by the 20 speech frames.
	wantPrefix := append(
		bytes.Repeat([]byte{0xAA}, 5*testFrameBytes),
		bytes.Repeat([]byte{0xBB}, 20*testFrameBytes)...,
	)
	if !bytes.HasPrefix(seg.PCM, wantPrefix) {
		t.Fatal("segment PCM does not start with pre-buffer plus speech frames")
	}

	// Feeding more silence must not emit anything else.
	if extra := feedRun(m, &ts, 80, 0xDD, 0.05); len(extra) != 0 {
		t.Fatalf("silence after finalization emitted %d segments", len(extra))
	}
	if m.State() != StateSilence {
		t.Fatalf("state = %v, want silence", m.State())
	}
}

func TestShortBlipDiscarded(t *testing.T) {
	t.Parallel()

	m, err := NewMachine(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Unix(0, 0)
	var segs []*Segment
	segs = append(segs, feedRun(m, &ts, 4, 0xBB, 0.9)...)  // 100 ms < MinSpeech
	segs = append(segs, feedRun(m, &ts, 61, 0xCC, 0.05)...)

	if len(segs) != 0 {
		t.Fatalf("emitted %d segments for a sub-minimum blip, want 0", len(segs))
	}
	st := m.Stats()
	if st.Discarded != 1 {
		t.Fatalf("Discarded = %d, want 1", st.Discarded)
	}
	if st.Emitted != 0 {
		t.Fatalf("Emitted = %d, want 0", st.Emitted)
	}
}

func TestForcedFlushBoundsDuration(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSpeech = time.Second
	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// 3.2 s of continuous speech.
	ts := time.Unix(0, 0)
	segs := feedRun(m, &ts, 128, 0xBB, 0.9)

	if len(segs) != 3 {
		t.Fatalf("emitted %d forced segments, want 3", len(segs))
	}
	bound := cfg.MaxSpeech + testFrameDur
	for i, seg := range segs {
		if !seg.Forced {
			t.Fatalf("segs[%d].Forced = false, want forced flush", i)
		}
		if seg.Duration > bound {
			t.Fatalf("segs[%d].Duration = %v, exceeds %v", i, seg.Duration, bound)
		}
	}
	if m.State() != StateSpeech {
		t.Fatalf("state after forced flush = %v, want speech", m.State())
	}
	if got := m.Stats().Forced; got != 3 {
		t.Fatalf("Stats().Forced = %d, want 3", got)
	}
}

func TestForcedFlushAppliesWhileTrailing(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSpeech = time.Second
	cfg.SilenceDuration = 2 * time.Second // longer than MaxSpeech
	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Unix(0, 0)
	var segs []*Segment
	segs = append(segs, feedRun(m, &ts, 20, 0xBB, 0.9)...)  // 500 ms speech
	segs = append(segs, feedRun(m, &ts, 40, 0xCC, 0.05)...) // 1 s trailing

	if len(segs) != 1 {
		t.Fatalf("emitted %d segments, want 1 forced", len(segs))
	}
	if !segs[0].Forced {
		t.Fatal("trailing segment not forced despite exceeding the bound")
	}
	if segs[0].Duration > cfg.MaxSpeech+testFrameDur {
		t.Fatalf("Duration = %v, exceeds forced-flush bound", segs[0].Duration)
	}
}

func TestBriefPauseDoesNotSplitUtterance(t *testing.T) {
	t.Parallel()

	m, err := NewMachine(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Unix(0, 0)
	var segs []*Segment
	segs = append(segs, feedRun(m, &ts, 20, 0xBB, 0.9)...)  // 500 ms speech
	segs = append(segs, feedRun(m, &ts, 20, 0xCC, 0.05)...) // 500 ms pause < SilenceDuration
	segs = append(segs, feedRun(m, &ts, 20, 0xDD, 0.9)...)  // speech resumes
	segs = append(segs, feedRun(m, &ts, 61, 0xEE, 0.05)...) // confirmed silence

	if len(segs) != 1 {
		t.Fatalf("emitted %d segments across a brief pause, want 1", len(segs))
	}
	if got := segs[0].Voiced; got != time.Second {
		t.Fatalf("Voiced = %v, want 1s across both bursts", got)
	}
}

func TestFlushFinalizesOpenUtterance(t *testing.T) {
	t.Parallel()

	m, err := NewMachine(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Unix(0, 0)
	feedRun(m, &ts, 20, 0xBB, 0.9)

	seg := m.Flush()
	if seg == nil {
		t.Fatal("Flush returned nil with an open utterance")
	}
	if seg.Voiced != 500*time.Millisecond {
		t.Fatalf("Voiced = %v, want 500ms", seg.Voiced)
	}
	if m.State() != StateSilence {
		t.Fatalf("state after Flush = %v, want silence", m.State())
	}

	// Flush in silence is a no-op.
	if again := m.Flush(); again != nil {
		t.Fatalf("Flush with nothing buffered returned %+v", again)
	}
}

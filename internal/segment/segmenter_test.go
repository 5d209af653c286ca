package segment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nanakusa/koestream/pkg/audio"
	audiomock "github.com/nanakusa/koestream/pkg/audio/mock"
	vadmock "github.com/nanakusa/koestream/pkg/provider/vad/mock"
)

// collector is a Sink that records segments thread-safely.
type collector struct {
	mu   sync.Mutex
	segs []Segment
}

func (c *collector) sink(s Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segs = append(c.segs, s)
}

func (c *collector) all() []Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Segment, len(c.segs))
	copy(out, c.segs)
	return out
}

func scriptedFrames(n int) []audio.Frame {
	ts := time.Unix(0, 0)
	frames := make([]audio.Frame, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, frame(byte(i), ts))
		ts = ts.Add(testFrameDur)
	}
	return frames
}

func TestSegmenterEmitsFromScriptedProbabilities(t *testing.T) {
	t.Parallel()

	probs := make([]float64, 0, 86)
	for i := 0; i < 5; i++ {
		probs = append(probs, 0.1)
	}
	for i := 0; i < 20; i++ {
		probs = append(probs, 0.9)
	}
	for i := 0; i < 61; i++ {
		probs = append(probs, 0.05)
	}

	src := &audiomock.Source{Frames: scriptedFrames(len(probs))}
	sess := &vadmock.Session{Probabilities: probs}
	m, err := NewMachine(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var got collector
	seg := NewSegmenter(src, sess, m, got.sink, nil)
	if err := seg.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v, want nil on source EOF", err)
	}

	segs := got.all()
	if len(segs) != 1 {
		t.Fatalf("collected %d segments, want 1", len(segs))
	}
	if segs[0].Voiced != 500*time.Millisecond {
		t.Fatalf("Voiced = %v, want 500ms", segs[0].Voiced)
	}
	if calls := len(sess.Calls()); calls != len(probs) {
		t.Fatalf("scored %d frames, want %d", calls, len(probs))
	}
}

func TestSegmenterScoringFailureDegradesToSilence(t *testing.T) {
	t.Parallel()

	// Every Score call fails; frames must be treated as silence so nothing
	// buffers forever and the worker keeps running.
	src := &audiomock.Source{Frames: scriptedFrames(40)}
	sess := &vadmock.Session{ScoreErr: errors.New("model crashed")}
	m, err := NewMachine(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var got collector
	seg := NewSegmenter(src, sess, m, got.sink, nil)
	if err := seg.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if segs := got.all(); len(segs) != 0 {
		t.Fatalf("collected %d segments from silent-degraded frames, want 0", len(segs))
	}
	if seg.Speaking() {
		t.Fatal("Speaking() = true after the run ended")
	}
}

func TestSegmenterSpeakingReflectsState(t *testing.T) {
	t.Parallel()

	probs := []float64{0.9, 0.9}
	src := &audiomock.Source{Frames: scriptedFrames(len(probs)), BlockOnEmpty: true}
	sess := &vadmock.Session{Probabilities: probs}
	m, err := NewMachine(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var got collector
	seg := NewSegmenter(src, sess, m, got.sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- seg.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !seg.Speaking() {
		if time.Now().After(deadline) {
			t.Fatal("Speaking() never became true during speech frames")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if seg.State() != StateSpeech {
		t.Fatalf("State() = %v, want speech", seg.State())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	// Cancellation flushed the open utterance but it was under MinSpeech.
	if segs := got.all(); len(segs) != 0 {
		t.Fatalf("collected %d segments, want 0 (blip discarded on flush)", len(segs))
	}
}

func TestSegmenterFlushesOpenUtteranceOnEOF(t *testing.T) {
	t.Parallel()

	// 20 speech frames then the source ends: the open 500 ms utterance must
	// be flushed, not lost.
	src := &audiomock.Source{Frames: scriptedFrames(20)}
	sess := &vadmock.Session{Probability: 0.9}
	m, err := NewMachine(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var got collector
	seg := NewSegmenter(src, sess, m, got.sink, nil)
	if err := seg.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}

	segs := got.all()
	if len(segs) != 1 {
		t.Fatalf("collected %d segments, want 1 flushed on EOF", len(segs))
	}
	if segs[0].Voiced != 500*time.Millisecond {
		t.Fatalf("Voiced = %v, want 500ms", segs[0].Voiced)
	}
}

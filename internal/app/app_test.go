package app

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanakusa/koestream/internal/config"
	"github.com/nanakusa/koestream/internal/eventqueue"
	"github.com/nanakusa/koestream/internal/segment"
	"github.com/nanakusa/koestream/pkg/audio"
	audiomock "github.com/nanakusa/koestream/pkg/audio/mock"
	sttmock "github.com/nanakusa/koestream/pkg/provider/stt/mock"
	ttsmock "github.com/nanakusa/koestream/pkg/provider/tts/mock"
	vadmock "github.com/nanakusa/koestream/pkg/provider/vad/mock"
)

// testConfig returns a config with everything optional disabled; tests enable
// what they need.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Notes.Dir = t.TempDir()
	cfg.Comments.Enabled = false
	cfg.OBS.Enabled = false
	cfg.Overlay.Enabled = false
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, providers *Providers, opts ...Option) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNewWithoutMicPipeline(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), &Providers{
		TTS:    &ttsmock.Provider{},
		Player: &audiomock.Player{},
	})

	if a.segmenter != nil {
		t.Error("segmenter built without a capture source")
	}
	if a.listener != nil {
		t.Error("comment listener built while disabled")
	}
	if a.turns == nil {
		t.Fatal("turn controller missing")
	}
	if res := a.turns.Speak(context.Background(), "hello"); res.Outcome != "ok" {
		t.Errorf("speak outcome = %v", res.Outcome)
	}
}

func TestNewBuildsMicPipeline(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), &Providers{
		STT:    &sttmock.Provider{},
		TTS:    &ttsmock.Provider{},
		VAD:    &vadmock.Engine{},
		Source: &audiomock.Source{BlockOnEmpty: true},
		Player: &audiomock.Player{},
	})

	if a.segmenter == nil {
		t.Fatal("segmenter not built despite source and VAD being configured")
	}
}

func TestSpeakFailsWithoutVoiceOutput(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), &Providers{})

	res := a.turns.Speak(context.Background(), "anyone there?")
	if res.Outcome != "failed" {
		t.Errorf("outcome = %v, want failed when no TTS or player is wired", res.Outcome)
	}
}

// micSegment builds a one-second voiced segment for pipeline tests.
func micSegment(forced bool) segment.Segment {
	return segment.Segment{
		PCM:        make([]byte, 32000),
		SampleRate: 16000,
		Start:      time.Now(),
		Duration:   time.Second,
		Voiced:     time.Second,
		Forced:     forced,
	}
}

func TestHandleSegmentEnqueuesTranscript(t *testing.T) {
	t.Parallel()

	stt := &sttmock.Provider{}
	stt.Result.Text = "  配信を始めます  "
	a := newTestApp(t, testConfig(t), &Providers{
		STT:    stt,
		TTS:    &ttsmock.Provider{},
		Player: &audiomock.Player{},
	})

	a.handleSegment(micSegment(false))

	evs := a.queue.DrainNew(0)
	if len(evs) != 1 {
		t.Fatalf("queued events = %d, want 1", len(evs))
	}
	if evs[0].Source != eventqueue.SourceMic {
		t.Errorf("source = %q", evs[0].Source)
	}
	if evs[0].Text != "配信を始めます" {
		t.Errorf("text = %q, want whitespace trimmed", evs[0].Text)
	}
}

func TestHandleSegmentFilters(t *testing.T) {
	t.Parallel()

	longText := make([]rune, 0, 40)
	for i := 0; i < 40; i++ {
		longText = append(longText, 'あ')
	}

	tests := []struct {
		name       string
		transcript string
		noSpeech   float64
		duration   time.Duration
	}{
		{name: "empty text", transcript: "", duration: time.Second},
		{name: "whitespace only", transcript: "   ", duration: time.Second},
		{name: "no speech probability", transcript: "ご視聴ありがとうございました", noSpeech: 0.95, duration: time.Second},
		{name: "short audio long text", transcript: string(longText), duration: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stt := &sttmock.Provider{}
			stt.Result.Text = tt.transcript
			stt.Result.NoSpeechProb = tt.noSpeech
			a := newTestApp(t, testConfig(t), &Providers{
				STT:    stt,
				TTS:    &ttsmock.Provider{},
				Player: &audiomock.Player{},
			})

			seg := micSegment(false)
			seg.Duration = tt.duration
			seg.Voiced = tt.duration
			a.handleSegment(seg)

			if evs := a.queue.DrainNew(0); len(evs) != 0 {
				t.Errorf("filtered transcript reached the queue: %+v", evs)
			}
		})
	}
}

func TestHandleSegmentDropsOnTranscriptionError(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), &Providers{
		STT:    &sttmock.Provider{TranscribeErr: errors.New("engine crashed")},
		TTS:    &ttsmock.Provider{},
		Player: &audiomock.Player{},
	})

	a.handleSegment(micSegment(false))
	if evs := a.queue.DrainNew(0); len(evs) != 0 {
		t.Errorf("errored segment reached the queue: %+v", evs)
	}
}

func TestOverlaySpeakAnnouncementCachesAudio(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Overlay.Enabled = true
	a := newTestApp(t, cfg, &Providers{
		TTS:    &ttsmock.Provider{Clip: audio.Clip{WAV: []byte("RIFFdata"), Duration: 80 * time.Millisecond}},
		Player: &audiomock.Player{},
	})
	if a.hub == nil || a.audio == nil {
		t.Fatal("overlay surfaces not built")
	}

	res := a.turns.Speak(context.Background(), "こんにちは")
	if res.Outcome != "ok" {
		t.Fatalf("speak outcome = %v", res.Outcome)
	}
	if a.audio.Len() != 1 {
		t.Errorf("audio cache holds %d clips, want 1", a.audio.Len())
	}
	if got := a.getLatestText(); got != "こんにちは" {
		t.Errorf("latest text = %q", got)
	}

	snap := a.snapshotState()
	if snap.TurnState != "idle" {
		t.Errorf("snapshot turn state = %q after playback", snap.TurnState)
	}
	if snap.LatestText != "こんにちは" {
		t.Errorf("snapshot latest text = %q", snap.LatestText)
	}
}

func TestApplyConfigHotReloadsLogLevelAndTurnPolicy(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	old := testConfig(t)
	a := newTestApp(t, old, &Providers{
		TTS:    &ttsmock.Provider{},
		Player: &audiomock.Player{},
	}, WithLogLevelVar(level))

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Turn.MaxTextChars = 3

	a.ApplyConfig(old, &updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if res := a.turns.Speak(context.Background(), "too long now"); res.Outcome != "blocked" {
		t.Errorf("outcome = %v, want blocked under the reloaded bound", res.Outcome)
	}
}

func TestSuperviseRestartsCrashedWorker(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), &Providers{
		TTS:    &ttsmock.Provider{},
		Player: &audiomock.Player{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	runs := make(chan struct{}, 8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		a.supervise(ctx, "flaky", func(ctx context.Context) error {
			runs <- struct{}{}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			panic("worker exploded")
		})
	}()

	// The worker must come back after panicking.
	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(5 * time.Second):
			t.Fatalf("worker not (re)started, run %d", i+1)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervise did not stop after cancellation")
	}
	if got := a.workerSnapshot()["flaky"]; got != "stopped" {
		t.Errorf("worker status = %q, want stopped", got)
	}
}

// closableSTT mimics a provider that holds native resources, like the
// in-process whisper model.
type closableSTT struct {
	sttmock.Provider
	closed atomic.Bool
}

func (c *closableSTT) Close() error {
	c.closed.Store(true)
	return nil
}

func TestShutdownClosesProviderResources(t *testing.T) {
	t.Parallel()

	transcriber := &closableSTT{}
	a, err := New(context.Background(), testConfig(t), &Providers{
		STT:    transcriber,
		TTS:    &ttsmock.Provider{},
		Player: &audiomock.Player{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !transcriber.closed.Load() {
		t.Error("transcriber was not closed at shutdown")
	}
}

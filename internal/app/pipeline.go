package app

import (
	"context"
	"strings"
	"time"

	"github.com/nanakusa/koestream/internal/eventqueue"
	"github.com/nanakusa/koestream/internal/observe"
	"github.com/nanakusa/koestream/internal/overlay"
	"github.com/nanakusa/koestream/internal/segment"
	"github.com/nanakusa/koestream/pkg/audio"
	"github.com/nanakusa/koestream/pkg/provider/stt"
	"github.com/nanakusa/koestream/pkg/provider/tts"
)

// sttTimeout bounds a single transcription call. A slow engine drops the
// segment rather than backing up the capture loop.
const sttTimeout = 30 * time.Second

// handleSegment is the segmenter sink: transcribe, filter, enqueue.
func (a *App) handleSegment(seg segment.Segment) {
	if a.providers.STT == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sttTimeout)
	defer cancel()

	start := time.Now()
	tr, err := a.providers.STT.Transcribe(ctx, stt.Audio{
		PCM:        seg.PCM,
		SampleRate: seg.SampleRate,
	})
	a.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		a.log.Warn("transcription failed, segment dropped",
			"duration", seg.Duration, "error", err)
		a.metrics.RecordProviderError(ctx, "stt", "transcribe")
		a.metrics.RecordSegmentDiscarded(ctx, "stt_error")
		return
	}

	text := strings.TrimSpace(tr.Text)
	if reason, ok := a.filterTranscript(text, tr, seg); !ok {
		a.log.Debug("transcript filtered",
			"reason", reason, "text", text,
			"no_speech_prob", tr.NoSpeechProb, "duration", seg.Duration)
		a.metrics.RecordSegmentDiscarded(ctx, reason)
		return
	}

	reason := "final"
	if seg.Forced {
		reason = "forced"
	}
	a.metrics.RecordSegment(ctx, reason, seg.Duration.Seconds())

	a.queue.Push(eventqueue.SourceMic, text, "")
	a.metrics.RecordEventPushed(ctx, string(eventqueue.SourceMic))
	a.log.Info("mic transcript queued", "text", text, "voiced", seg.Voiced)

	if a.hub != nil {
		a.hub.Publish(overlay.Event{Type: "transcript", Data: map[string]string{
			"text": text,
		}})
	}
	a.setLatestText(text)
}

// filterTranscript applies the noise filters that keep whisper artifacts out
// of the queue. Returns the drop reason and false when the transcript should
// be discarded.
func (a *App) filterTranscript(text string, tr stt.Transcript, seg segment.Segment) (string, bool) {
	if text == "" {
		return "empty", false
	}
	f := a.cfg.Filters
	if f.NoSpeechProbMax > 0 && tr.NoSpeechProb > f.NoSpeechProbMax {
		return "no_speech", false
	}
	// Very short audio that produced a wall of text is a hallucination.
	shortAudio := time.Duration(f.ShortAudioSec * float64(time.Second))
	if shortAudio > 0 && seg.Duration < shortAudio && len([]rune(text)) > f.ShortAudioMaxChars {
		return "hallucination", false
	}
	return "", true
}

// ---- overlay playback hooks ----

func (a *App) setLatestText(text string) {
	a.latestMu.Lock()
	a.latestText = text
	a.latestMu.Unlock()
}

func (a *App) getLatestText() string {
	a.latestMu.Lock()
	defer a.latestMu.Unlock()
	return a.latestText
}

// announceSpeak runs when an utterance starts playing: the clip is cached for
// the browser source and a speak event carries the subtitle plus the one-shot
// audio URL.
func (a *App) announceSpeak(id, text string, clip audio.Clip) {
	a.metrics.TurnPlaying.Add(context.Background(), 1)
	a.setLatestText(text)

	data := map[string]any{
		"utterance_id": id,
		"text":         text,
		"duration_sec": clip.Duration.Seconds(),
	}
	if a.audio != nil && len(clip.WAV) > 0 {
		data["audio_url"] = "/overlay/audio/" + a.audio.Put(clip.WAV)
	}
	a.hub.Publish(overlay.Event{Type: "speak", Data: data})
}

// clearSpeak runs when playback ends.
func (a *App) clearSpeak(id string) {
	a.metrics.TurnPlaying.Add(context.Background(), -1)
	a.hub.Publish(overlay.Event{Type: "speak_end", Data: map[string]string{
		"utterance_id": id,
	}})
}

// snapshotState feeds the overlay state refresher.
func (a *App) snapshotState() overlay.Snapshot {
	ts := a.turns.Snapshot()
	qs := a.queue.Stats()
	return overlay.Snapshot{
		TurnState:   string(ts.State),
		UtteranceID: ts.UtteranceID,
		MicActive:   a.segmenter != nil && a.segmenter.Speaking(),
		LatestText:  a.getLatestText(),
		QueueDepth:  qs.Depth,
	}
}

// ---- instrumented providers ----

// instrumentedTTS records synthesis latency and errors around the real
// provider.
type instrumentedTTS struct {
	inner   tts.Provider
	metrics *observe.Metrics
}

func (p instrumentedTTS) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	start := time.Now()
	clip, err := p.inner.Synthesize(ctx, text)
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, "tts", "synthesize")
	}
	return clip, err
}

// instrumentedPlayer records playback time around the real player.
type instrumentedPlayer struct {
	inner   audio.Player
	metrics *observe.Metrics
}

func (p instrumentedPlayer) Play(ctx context.Context, clip audio.Clip) error {
	start := time.Now()
	err := p.inner.Play(ctx, clip)
	p.metrics.PlaybackDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, "player", "play")
	}
	return err
}

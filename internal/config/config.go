// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the koestream service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the koestream server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the corresponding slog.Level. Unrecognised values map to
// info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for koestream.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	VAD       VADConfig       `yaml:"vad"`
	Providers ProvidersConfig `yaml:"providers"`
	Filters   FilterConfig    `yaml:"filters"`
	Turn      TurnConfig      `yaml:"turn"`
	Queue     QueueConfig     `yaml:"queue"`
	Comments  CommentsConfig  `yaml:"comments"`
	OBS       OBSConfig       `yaml:"obs"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	Notes     NotesConfig     `yaml:"notes"`
}

// ServerConfig holds network and logging settings for the koestream server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// VADConfig tunes the speech segmentation state machine. Durations are
// expressed in seconds to match how the thresholds are usually discussed.
type VADConfig struct {
	// SampleRate of the microphone capture in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the capture frame length in milliseconds.
	FrameMs int `yaml:"frame_ms"`

	// SpeechThreshold is the voice-activity probability at or above which a
	// frame counts as speech. Range (0,1).
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceSec is how much continuous silence confirms the end of an
	// utterance.
	SilenceSec float64 `yaml:"silence_sec"`

	// MinSpeechSec discards utterances with less voiced audio than this.
	MinSpeechSec float64 `yaml:"min_speech_sec"`

	// MaxSpeechSec force-flushes utterances that grow past this.
	MaxSpeechSec float64 `yaml:"max_speech_sec"`

	// PreBufferSec is how much audio preceding the trigger is kept.
	PreBufferSec float64 `yaml:"pre_buffer_sec"`
}

// SilenceDuration returns SilenceSec as a time.Duration.
func (v VADConfig) SilenceDuration() time.Duration { return secs(v.SilenceSec) }

// MinSpeech returns MinSpeechSec as a time.Duration.
func (v VADConfig) MinSpeech() time.Duration { return secs(v.MinSpeechSec) }

// MaxSpeech returns MaxSpeechSec as a time.Duration.
func (v VADConfig) MaxSpeech() time.Duration { return secs(v.MaxSpeechSec) }

// PreBuffer returns PreBufferSec as a time.Duration.
func (v VADConfig) PreBuffer() time.Duration { return secs(v.PreBufferSec) }

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper",
	// "voicevox").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., a whisper
	// model name or GGML model path).
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or
	// nested maps.
	Options map[string]any `yaml:"options"`
}

// FilterConfig tunes the transcript noise filters applied before a mic event
// enters the queue.
type FilterConfig struct {
	// NoSpeechProbMax drops transcripts whose no-speech probability exceeds
	// this. Range (0,1].
	NoSpeechProbMax float64 `yaml:"no_speech_prob_max"`

	// ShortAudioSec and ShortAudioMaxChars together drop hallucinated
	// transcripts: audio shorter than ShortAudioSec yielding more than
	// ShortAudioMaxChars characters is discarded.
	ShortAudioSec      float64 `yaml:"short_audio_sec"`
	ShortAudioMaxChars int     `yaml:"short_audio_max_chars"`
}

// TurnConfig tunes the turn-taking controller.
type TurnConfig struct {
	// MaxTextChars rejects speak requests longer than this many runes.
	// Zero disables the bound.
	MaxTextChars int `yaml:"max_text_chars"`

	// MicGraceSec is how long a speak request waits for the streamer's mic
	// to go idle before returning blocked.
	MicGraceSec float64 `yaml:"mic_grace_sec"`
}

// MicGrace returns MicGraceSec as a time.Duration.
func (t TurnConfig) MicGrace() time.Duration { return secs(t.MicGraceSec) }

// QueueConfig bounds the event aggregator.
type QueueConfig struct {
	// Capacity is the hard bound on unconsumed events. Zero means unbounded.
	Capacity int `yaml:"capacity"`
}

// CommentsConfig points at the OneComme comment relay.
type CommentsConfig struct {
	// Enabled turns the comment listener worker on.
	Enabled bool `yaml:"enabled"`

	// Host and Port locate the relay's WebSocket endpoint.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// OBSConfig points at the OBS Studio WebSocket control socket.
type OBSConfig struct {
	// Enabled turns the screenshot endpoint on.
	Enabled bool `yaml:"enabled"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// OverlayConfig configures the browser-source overlay surface.
type OverlayConfig struct {
	// Enabled turns the overlay routes and snapshot worker on.
	Enabled bool `yaml:"enabled"`

	// Dir is the directory of static overlay assets served to the browser
	// source. Empty disables static serving.
	Dir string `yaml:"dir"`

	// SnapshotIntervalSec is how often the state snapshot pushed to overlay
	// clients is refreshed.
	SnapshotIntervalSec float64 `yaml:"snapshot_interval_sec"`
}

// SnapshotInterval returns SnapshotIntervalSec as a time.Duration.
func (o OverlayConfig) SnapshotInterval() time.Duration { return secs(o.SnapshotIntervalSec) }

// NotesConfig configures the persistent note store.
type NotesConfig struct {
	// Dir is the directory note files live in.
	Dir string `yaml:"dir"`
}

// Default returns a config with the defaults applied by [LoadFromReader]
// before decoding. Values present in the YAML override these.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		VAD: VADConfig{
			SampleRate:      16000,
			FrameMs:         30,
			SpeechThreshold: 0.5,
			SilenceSec:      1.5,
			MinSpeechSec:    0.3,
			MaxSpeechSec:    30,
			PreBufferSec:    0.3,
		},
		Filters: FilterConfig{
			NoSpeechProbMax:    0.8,
			ShortAudioSec:      1.5,
			ShortAudioMaxChars: 20,
		},
		Turn: TurnConfig{
			MaxTextChars: 500,
			MicGraceSec:  5,
		},
		Comments: CommentsConfig{
			Host: "127.0.0.1",
			Port: 11180,
		},
		OBS: OBSConfig{
			Host: "127.0.0.1",
			Port: 4455,
		},
		Overlay: OverlayConfig{
			SnapshotIntervalSec: 1,
		},
		Notes: NotesConfig{
			Dir: "notes",
		},
	}
}

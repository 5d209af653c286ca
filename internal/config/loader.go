package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native"},
	"tts": {"voicevox"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] values and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	// VAD thresholds
	v := cfg.VAD
	if v.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad.sample_rate %d must be positive", v.SampleRate))
	}
	if v.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.frame_ms %d must be positive", v.FrameMs))
	}
	if v.SpeechThreshold <= 0 || v.SpeechThreshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %v is outside (0, 1)", v.SpeechThreshold))
	}
	if v.SilenceSec <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_sec %v must be positive", v.SilenceSec))
	}
	if v.MinSpeechSec < 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech_sec %v must not be negative", v.MinSpeechSec))
	}
	if v.MaxSpeechSec <= v.MinSpeechSec {
		errs = append(errs, fmt.Errorf("vad.max_speech_sec %v must exceed vad.min_speech_sec %v", v.MaxSpeechSec, v.MinSpeechSec))
	}
	if v.PreBufferSec < 0 {
		errs = append(errs, fmt.Errorf("vad.pre_buffer_sec %v must not be negative", v.PreBufferSec))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; speak requests will fail")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; mic transcripts will not be produced")
	}

	// Noise filters
	f := cfg.Filters
	if f.NoSpeechProbMax <= 0 || f.NoSpeechProbMax > 1 {
		errs = append(errs, fmt.Errorf("filters.no_speech_prob_max %v is outside (0, 1]", f.NoSpeechProbMax))
	}
	if f.ShortAudioSec < 0 {
		errs = append(errs, fmt.Errorf("filters.short_audio_sec %v must not be negative", f.ShortAudioSec))
	}
	if f.ShortAudioMaxChars < 0 {
		errs = append(errs, fmt.Errorf("filters.short_audio_max_chars %d must not be negative", f.ShortAudioMaxChars))
	}

	// Turn taking
	if cfg.Turn.MaxTextChars < 0 {
		errs = append(errs, fmt.Errorf("turn.max_text_chars %d must not be negative", cfg.Turn.MaxTextChars))
	}
	if cfg.Turn.MicGraceSec < 0 {
		errs = append(errs, fmt.Errorf("turn.mic_grace_sec %v must not be negative", cfg.Turn.MicGraceSec))
	}

	// Queue
	if cfg.Queue.Capacity < 0 {
		errs = append(errs, fmt.Errorf("queue.capacity %d must not be negative", cfg.Queue.Capacity))
	}

	// Comment relay
	if cfg.Comments.Enabled {
		if cfg.Comments.Host == "" {
			errs = append(errs, errors.New("comments.host is required when comments.enabled is true"))
		}
		if cfg.Comments.Port <= 0 || cfg.Comments.Port > 65535 {
			errs = append(errs, fmt.Errorf("comments.port %d is out of range", cfg.Comments.Port))
		}
	}

	// OBS control socket
	if cfg.OBS.Enabled {
		if cfg.OBS.Host == "" {
			errs = append(errs, errors.New("obs.host is required when obs.enabled is true"))
		}
		if cfg.OBS.Port <= 0 || cfg.OBS.Port > 65535 {
			errs = append(errs, fmt.Errorf("obs.port %d is out of range", cfg.OBS.Port))
		}
	}

	// Overlay
	if cfg.Overlay.Enabled && cfg.Overlay.SnapshotIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("overlay.snapshot_interval_sec %v must be positive", cfg.Overlay.SnapshotIntervalSec))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// Package voicevox provides a VOICEVOX-backed TTS provider that connects to a
// locally running VOICEVOX engine via its REST API. It implements the
// tts.Provider interface.
//
// Synthesis is a two-step protocol: POST /audio_query builds the phoneme and
// prosody plan for the text, then POST /synthesis renders that plan to a WAV
// clip. The intermediate query JSON is passed through opaquely — the provider
// never interprets it, so it keeps working across engine versions that add
// fields.
//
// Typical usage:
//
//	p, err := voicevox.New("http://localhost:50021",
//	    voicevox.WithSpeaker(1),
//	    voicevox.WithTimeout(30*time.Second),
//	)
//	clip, err := p.Synthesize(ctx, "こんにちは")
package voicevox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nanakusa/koestream/pkg/audio"
	"github.com/nanakusa/koestream/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultSpeaker = 1
	defaultTimeout = 30 * time.Second

	audioQueryEndpoint = "/audio_query"
	synthesisEndpoint  = "/synthesis"
	versionEndpoint    = "/version"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithSpeaker selects the VOICEVOX speaker (voice) ID. Defaults to 1.
func WithSpeaker(id int) Option {
	return func(p *Provider) { p.speaker = id }
}

// WithTimeout sets the per-request HTTP timeout for calls to the engine.
// Defaults to 30 s. The timeout applies separately to the audio_query and
// synthesis requests.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements tts.Provider backed by a locally running VOICEVOX
// engine. It is safe for concurrent use.
type Provider struct {
	baseURL    string
	speaker    int
	httpClient *http.Client
}

// New creates a Provider that connects to the VOICEVOX engine at baseURL
// (e.g., "http://localhost:50021"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("voicevox: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		speaker:    defaultSpeaker,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize renders text to a WAV clip via the audio_query → synthesis
// round trip. The clip duration is parsed from the returned WAV header so the
// caller can bound the playback window.
func (p *Provider) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	if text == "" {
		return audio.Clip{}, errors.New("voicevox: text must not be empty")
	}

	query, err := p.audioQuery(ctx, text)
	if err != nil {
		return audio.Clip{}, err
	}

	wav, err := p.synthesis(ctx, query)
	if err != nil {
		return audio.Clip{}, err
	}

	dur, err := audio.WAVDuration(wav)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("voicevox: engine returned malformed wav: %w", err)
	}

	return audio.Clip{WAV: wav, Duration: dur}, nil
}

// Ping probes the engine's /version endpoint. Used by readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+versionEndpoint, nil)
	if err != nil {
		return fmt.Errorf("voicevox: create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("voicevox: engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("voicevox: version endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// audioQuery builds the prosody plan for text. The returned JSON is opaque.
func (p *Provider) audioQuery(ctx context.Context, text string) ([]byte, error) {
	params := url.Values{
		"text":    {text},
		"speaker": {strconv.Itoa(p.speaker)},
	}
	endpoint := p.baseURL + audioQueryEndpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("voicevox: create audio_query request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voicevox: audio_query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voicevox: audio_query returned HTTP %d", resp.StatusCode)
	}

	query, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voicevox: read audio_query response: %w", err)
	}
	return query, nil
}

// synthesis renders a prosody plan to WAV bytes.
func (p *Provider) synthesis(ctx context.Context, query []byte) ([]byte, error) {
	params := url.Values{
		"speaker": {strconv.Itoa(p.speaker)},
	}
	endpoint := p.baseURL + synthesisEndpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("voicevox: create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voicevox: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voicevox: synthesis returned HTTP %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voicevox: read synthesis response: %w", err)
	}
	return wav, nil
}

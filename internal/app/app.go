// Package app wires all koestream subsystems into a running process.
//
// The App owns the full lifecycle: New connects the event queue, segmenter,
// turn controller, overlay and HTTP surface from config; Run launches the
// background workers and blocks until the context is cancelled; Shutdown
// tears everything down in order.
//
// Providers (STT, TTS, VAD, audio devices) are injected by main via the
// config registry; tests inject mocks the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanakusa/koestream/internal/comments"
	"github.com/nanakusa/koestream/internal/config"
	"github.com/nanakusa/koestream/internal/eventqueue"
	"github.com/nanakusa/koestream/internal/health"
	"github.com/nanakusa/koestream/internal/notes"
	"github.com/nanakusa/koestream/internal/observe"
	"github.com/nanakusa/koestream/internal/obsctl"
	"github.com/nanakusa/koestream/internal/overlay"
	"github.com/nanakusa/koestream/internal/segment"
	"github.com/nanakusa/koestream/internal/server"
	"github.com/nanakusa/koestream/internal/turn"
	"github.com/nanakusa/koestream/pkg/audio"
	"github.com/nanakusa/koestream/pkg/provider/stt"
	"github.com/nanakusa/koestream/pkg/provider/tts"
	"github.com/nanakusa/koestream/pkg/provider/vad"
)

// workerRestartDelay spaces restart attempts after a worker crash.
const workerRestartDelay = time.Second

// Providers holds one interface value per provider slot. Nil means that slot
// is not configured; the dependent worker is simply not started. Populated by
// main via the config registry.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine

	// Source and Player are the audio device boundaries: microphone capture
	// in, voice channel out.
	Source audio.Source
	Player audio.Player
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	queue     *eventqueue.Queue
	turns     *turn.Controller
	segmenter *segment.Segmenter
	notes     *notes.Store
	hub       *overlay.Hub
	audio     *overlay.AudioCache
	refresher *overlay.Refresher
	listener  *comments.Listener
	capture   server.Capturer
	httpSrv   *http.Server

	// logLevel, when set, is retuned on config hot-reload.
	logLevel *slog.LevelVar

	// latestText is the most recent transcript or utterance shown on the
	// overlay.
	latestMu   sync.Mutex
	latestText string

	workerMu sync.Mutex
	workers  map[string]string

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles or
// wire runtime knobs.
type Option func(*App)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics injects a metrics set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar hands the App the level var backing the process logger so
// config hot-reload can retune verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithCapturer injects a screenshot source instead of the OBS client built
// from config.
func WithCapturer(c server.Capturer) Option {
	return func(a *App) { a.capture = c }
}

// WithNotesStore injects a notes store instead of creating one from config.
func WithNotesStore(s *notes.Store) Option {
	return func(a *App) { a.notes = s }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous; nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		workers:   make(map[string]string),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.initQueue()
	if err := a.initNotes(); err != nil {
		return nil, fmt.Errorf("app: init notes: %w", err)
	}
	a.initOverlay()
	if err := a.initSegmenter(); err != nil {
		return nil, fmt.Errorf("app: init segmenter: %w", err)
	}
	a.initTurns()
	a.initComments()
	a.initCapture()
	a.initServer()
	a.registerProviderClosers()

	return a, nil
}

// registerProviderClosers releases providers holding native resources at
// shutdown, such as the in-process whisper model.
func (a *App) registerProviderClosers() {
	if c, ok := a.providers.STT.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	if c, ok := a.providers.TTS.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	if c, ok := a.providers.Player.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// ---- init helpers ----

func (a *App) initQueue() {
	opts := []eventqueue.Option{
		eventqueue.WithDepthHook(func(delta int) {
			a.metrics.QueueDepth.Add(context.Background(), int64(delta))
		}),
		eventqueue.WithOverflowHook(func(evicted int) {
			a.metrics.QueueOverflow.Add(context.Background(), int64(evicted))
		}),
	}
	if a.cfg.Queue.Capacity > 0 {
		opts = append(opts, eventqueue.WithCapacity(a.cfg.Queue.Capacity))
	}
	a.queue = eventqueue.New(opts...)
}

func (a *App) initNotes() error {
	if a.notes != nil || a.cfg.Notes.Dir == "" {
		return nil
	}
	store, err := notes.NewStore(a.cfg.Notes.Dir, a.log)
	if err != nil {
		return err
	}
	a.notes = store
	return nil
}

func (a *App) initOverlay() {
	if !a.cfg.Overlay.Enabled {
		return
	}
	a.hub = overlay.NewHub(
		overlay.WithLogger(a.log),
		overlay.WithClientHook(func(delta int) {
			a.metrics.OverlayClients.Add(context.Background(), int64(delta))
		}),
	)
	a.audio = overlay.NewAudioCache()
	a.refresher = overlay.NewRefresher(a.hub, a.snapshotState,
		a.cfg.Overlay.SnapshotInterval(), a.log)
}

// initSegmenter builds the mic pipeline when both a capture source and a VAD
// engine are configured. Without them the assistant still serves comments and
// speech output.
func (a *App) initSegmenter() error {
	if a.providers.Source == nil || a.providers.VAD == nil {
		a.log.Info("microphone pipeline disabled",
			"have_source", a.providers.Source != nil,
			"have_vad", a.providers.VAD != nil)
		return nil
	}

	machine, err := segment.NewMachine(segment.Config{
		SpeechThreshold: a.cfg.VAD.SpeechThreshold,
		SilenceDuration: a.cfg.VAD.SilenceDuration(),
		MinSpeech:       a.cfg.VAD.MinSpeech(),
		MaxSpeech:       a.cfg.VAD.MaxSpeech(),
		PreBuffer:       a.cfg.VAD.PreBuffer(),
	})
	if err != nil {
		return err
	}

	session, err := a.providers.VAD.NewSession(vad.Config{
		SampleRate:  a.cfg.VAD.SampleRate,
		FrameSizeMs: a.cfg.VAD.FrameMs,
	})
	if err != nil {
		return fmt.Errorf("create vad session: %w", err)
	}
	a.closers = append(a.closers, session.Close)
	a.closers = append(a.closers, a.providers.Source.Close)

	a.segmenter = segment.NewSegmenter(a.providers.Source, session, machine,
		a.handleSegment, a.log)
	return nil
}

func (a *App) initTurns() {
	if a.providers.TTS == nil || a.providers.Player == nil {
		a.log.Warn("voice output disabled, speak requests will fail",
			"have_tts", a.providers.TTS != nil,
			"have_player", a.providers.Player != nil)
		a.turns = turn.New(unavailableTTS{}, unavailablePlayer{},
			turn.WithLogger(a.log))
		return
	}

	opts := []turn.Option{
		turn.WithLogger(a.log),
		turn.WithMaxTextLen(a.cfg.Turn.MaxTextChars),
	}
	if a.segmenter != nil {
		opts = append(opts, turn.WithMicGate(a.segmenter.Speaking, a.cfg.Turn.MicGrace()))
	}
	if a.hub != nil {
		opts = append(opts, turn.WithPlaybackHooks(a.announceSpeak, a.clearSpeak))
	}
	a.turns = turn.New(
		instrumentedTTS{inner: a.providers.TTS, metrics: a.metrics},
		instrumentedPlayer{inner: a.providers.Player, metrics: a.metrics},
		opts...,
	)
}

func (a *App) initComments() {
	if !a.cfg.Comments.Enabled {
		return
	}
	a.listener = comments.NewListener(a.cfg.Comments.Host, a.cfg.Comments.Port,
		func(text, author string) {
			a.queue.Push(eventqueue.SourceComment, text, author)
			a.metrics.RecordEventPushed(context.Background(), string(eventqueue.SourceComment))
		},
		comments.WithLogger(a.log),
		comments.WithReconnectHook(func() {
			a.metrics.CommentReconnects.Add(context.Background(), 1)
		}),
	)
}

func (a *App) initCapture() {
	if a.capture != nil || !a.cfg.OBS.Enabled {
		return
	}
	a.capture = obsctl.New(a.cfg.OBS.Host, a.cfg.OBS.Port, a.cfg.OBS.Password,
		obsctl.WithLogger(a.log))
}

func (a *App) initServer() {
	checkers := []health.Checker{
		{Name: "queue", Check: func(context.Context) error { return nil }},
	}
	if a.capture != nil {
		checkers = append(checkers, health.Checker{
			Name: "obs",
			Check: func(ctx context.Context) error {
				_, err := a.capture.CaptureProgramScene(ctx)
				return err
			},
		})
	}

	deps := server.Deps{
		Queue:      a.queue,
		Turns:      a.turns,
		Notes:      a.notes,
		Capture:    a.capture,
		Hub:        a.hub,
		AudioCache: a.audio,
		OverlayDir: a.cfg.Overlay.Dir,
		Workers:    a.workerSnapshot,
		Health:     health.New(checkers...),
		Metrics:    a.metrics,
		Log:        a.log,
	}
	if a.segmenter != nil {
		deps.VAD = a.segmenter
	}

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           server.New(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ---- run ----

// Run launches the HTTP server and background workers and blocks until ctx is
// cancelled or the HTTP server fails. Worker crashes are isolated: a panicking
// or erroring worker is logged and restarted, never allowed to take the
// process down.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serveHTTP(ctx) })

	if a.segmenter != nil {
		g.Go(func() error {
			a.supervise(ctx, "segmenter", a.segmenter.Run)
			return nil
		})
	}
	if a.listener != nil {
		g.Go(func() error {
			a.supervise(ctx, "comments", a.listener.Run)
			return nil
		})
	}
	if a.refresher != nil {
		g.Go(func() error {
			a.supervise(ctx, "overlay", a.refresher.Run)
			return nil
		})
	}

	a.log.Info("koestream running",
		"listen", a.cfg.Server.ListenAddr,
		"mic", a.segmenter != nil,
		"comments", a.listener != nil,
		"overlay", a.hub != nil,
		"obs", a.capture != nil,
	)

	return g.Wait()
}

// serveHTTP runs the listener and shuts it down when ctx is cancelled.
func (a *App) serveHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutCtx); err != nil {
			a.log.Warn("http shutdown error", "error", err)
		}
		return ctx.Err()
	}
}

// supervise runs a worker in a restart loop. A panic or an error other than
// context cancellation is logged and the worker restarts after a short delay.
func (a *App) supervise(ctx context.Context, name string, run func(context.Context) error) {
	for {
		a.setWorkerStatus(name, "running")
		err := a.runGuarded(name, ctx, run)

		if ctx.Err() != nil {
			a.setWorkerStatus(name, "stopped")
			return
		}

		a.setWorkerStatus(name, "restarting")
		a.log.Error("worker stopped unexpectedly, restarting",
			"worker", name, "error", err, "delay", workerRestartDelay)

		select {
		case <-ctx.Done():
			a.setWorkerStatus(name, "stopped")
			return
		case <-time.After(workerRestartDelay):
		}
	}
}

// runGuarded converts a worker panic into an error.
func (a *App) runGuarded(name string, ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", name, r)
		}
	}()
	return run(ctx)
}

func (a *App) setWorkerStatus(name, status string) {
	a.workerMu.Lock()
	a.workers[name] = status
	a.workerMu.Unlock()
}

// workerSnapshot reports worker liveness for /api/status.
func (a *App) workerSnapshot() map[string]string {
	a.workerMu.Lock()
	defer a.workerMu.Unlock()
	out := make(map[string]string, len(a.workers))
	for k, v := range a.workers {
		out[k] = v
	}
	return out
}

// ---- hot reload ----

// ApplyConfig applies a changed configuration. Log level and turn policy take
// effect immediately; changes to the VAD pipeline or provider wiring only log
// that a restart is needed.
func (a *App) ApplyConfig(old, new *config.Config) {
	diff := config.Diff(old, new)
	if !diff.Any() {
		return
	}

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.TurnChanged {
		a.turns.SetPolicy(diff.NewTurn.MaxTextChars, diff.NewTurn.MicGrace())
		a.log.Info("turn policy changed",
			"max_text_chars", diff.NewTurn.MaxTextChars,
			"mic_grace", diff.NewTurn.MicGrace())
	}
	if diff.RestartRequired() {
		a.log.Warn("config change requires a restart to take effect",
			"vad_changed", diff.VADChanged, "providers_changed", diff.ProvidersChanged)
	}
	a.cfg = new
}

// ---- shutdown ----

// Shutdown tears down subsystems in reverse init order, bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ---- unavailable providers ----

var errVoiceUnavailable = errors.New("voice output is not configured")

type unavailableTTS struct{}

func (unavailableTTS) Synthesize(context.Context, string) (audio.Clip, error) {
	return audio.Clip{}, errVoiceUnavailable
}

type unavailablePlayer struct{}

func (unavailablePlayer) Play(context.Context, audio.Clip) error {
	return errVoiceUnavailable
}

// Package server exposes the polling API the controlling agent talks to,
// plus the overlay and operational surfaces.
//
// The agent drives everything through three operations: wait (long poll for
// merged mic transcripts and viewer comments), speak (claim the voice channel
// and play one utterance) and status (point-in-time snapshot). Everything
// else, notes, screenshots and the browser overlay, hangs off the same mux.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nanakusa/koestream/internal/eventqueue"
	"github.com/nanakusa/koestream/internal/health"
	"github.com/nanakusa/koestream/internal/notes"
	"github.com/nanakusa/koestream/internal/observe"
	"github.com/nanakusa/koestream/internal/overlay"
	"github.com/nanakusa/koestream/internal/segment"
	"github.com/nanakusa/koestream/internal/turn"
)

const (
	historySize = 20

	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 120 * time.Second

	// maxBodyBytes bounds API request bodies. The largest legitimate payload
	// is an overlay HTML injection.
	maxBodyBytes = 1 << 20
)

// VADStatus reports the live microphone segmentation state for /api/status.
// *segment.Segmenter satisfies it.
type VADStatus interface {
	Speaking() bool
	State() segment.State
	Stats() segment.Stats
}

// Capturer grabs a screenshot of the current program scene.
// *obsctl.Client satisfies it.
type Capturer interface {
	CaptureProgramScene(ctx context.Context) ([]byte, error)
}

// Deps carries the collaborators the server surfaces over HTTP. Queue and
// Turns are required; the rest are optional and their endpoints return 503
// when absent.
type Deps struct {
	Queue *eventqueue.Queue
	Turns *turn.Controller

	VAD        VADStatus
	Notes      *notes.Store
	Capture    Capturer
	Hub        *overlay.Hub
	AudioCache *overlay.AudioCache

	// OverlayDir serves static overlay assets under /overlay/ when set.
	OverlayDir string

	// ScreenshotPath is where /api/screenshot writes the captured JPEG.
	// Defaults to "screenshot.jpg" in the working directory.
	ScreenshotPath string

	// Workers reports background worker liveness for /api/status.
	Workers func() map[string]string

	Health  *health.Handler
	Metrics *observe.Metrics
	Log     *slog.Logger
}

// Server is the HTTP front of the assistant core.
type Server struct {
	deps    Deps
	log     *slog.Logger
	started time.Time

	histMu  sync.Mutex
	history []eventqueue.Event
}

// New creates a Server. It panics if Queue or Turns is nil; those are
// programming errors, not runtime conditions.
func New(deps Deps) *Server {
	if deps.Queue == nil || deps.Turns == nil {
		panic("server: Queue and Turns are required")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.ScreenshotPath == "" {
		deps.ScreenshotPath = "screenshot.jpg"
	}
	return &Server{
		deps:    deps,
		log:     deps.Log,
		started: time.Now(),
	}
}

// Handler builds the full route table. Observability middleware wraps the
// API routes; /metrics and the health probes stay unwrapped so probes do not
// pollute request metrics.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/wait", s.handleWait)
	api.HandleFunc("POST /api/speak", s.handleSpeak)
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("POST /api/start_stream", s.handleStartStream)
	api.HandleFunc("POST /api/save_note", s.handleSaveNote)
	api.HandleFunc("GET /api/load_note", s.handleLoadNote)
	api.HandleFunc("POST /api/load_note", s.handleLoadNote)
	api.HandleFunc("GET /api/screenshot", s.handleScreenshot)
	api.HandleFunc("POST /api/screenshot", s.handleScreenshot)
	api.HandleFunc("POST /api/overlay/event", s.handleOverlayEvent)
	api.HandleFunc("POST /api/overlay/html", s.handleOverlayHTML)

	var apiHandler http.Handler = api
	if s.deps.Metrics != nil {
		apiHandler = observe.Middleware(s.deps.Metrics)(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)

	if s.deps.Hub != nil {
		mux.Handle("GET /overlay/events", s.deps.Hub)
	}
	if s.deps.AudioCache != nil {
		mux.HandleFunc("GET /overlay/audio/{id}", s.handleOverlayAudio)
	}
	if s.deps.OverlayDir != "" {
		mux.Handle("GET /overlay/", http.StripPrefix("/overlay/",
			http.FileServer(http.Dir(s.deps.OverlayDir))))
	}

	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// ---- polling API ----

type waitRequest struct {
	TimeoutSec     float64 `json:"timeout_sec"`
	IncludeHistory bool    `json:"include_history"`
}

type waitResponse struct {
	New     []eventqueue.Event `json:"new"`
	History []eventqueue.Event `json:"history,omitempty"`
}

// handleWait long-polls the event queue. The response always carries "new"
// (possibly empty); "history" is the last delivered events as they stood
// before this call, included only on request.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := defaultWaitTimeout
	if req.TimeoutSec > 0 {
		timeout = min(time.Duration(req.TimeoutSec*float64(time.Second)), maxWaitTimeout)
	}

	evs := s.deps.Queue.Wait(r.Context(), timeout, 0)

	resp := waitResponse{New: evs}
	if evs == nil {
		resp.New = []eventqueue.Event{}
	}

	s.histMu.Lock()
	if req.IncludeHistory {
		resp.History = append([]eventqueue.Event(nil), s.history...)
	}
	s.history = append(s.history, evs...)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.histMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

type speakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.deps.Turns.Speak(r.Context(), req.Text)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSpeak(r.Context(), string(res.Outcome))
	}
	writeJSON(w, http.StatusOK, res)
}

type statusResponse struct {
	Running   bool    `json:"running"`
	UptimeSec float64 `json:"uptime_sec"`

	TurnState   turn.State `json:"turn_state"`
	UtteranceID string     `json:"utterance_id,omitempty"`

	VADState    string `json:"vad_state"`
	MicSpeaking bool   `json:"mic_speaking"`

	QueueDepth      int     `json:"queue_depth"`
	TotalEvents     uint64  `json:"total_events"`
	TotalComments   uint64  `json:"total_comments"`
	Overflowed      uint64  `json:"overflowed"`
	SecSinceComment float64 `json:"sec_since_last_comment,omitempty"`

	SegmentsEmitted   uint64 `json:"segments_emitted"`
	SegmentsDiscarded uint64 `json:"segments_discarded"`

	Workers map[string]string `json:"workers,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	qs := s.deps.Queue.Stats()
	ts := s.deps.Turns.Snapshot()

	resp := statusResponse{
		Running:       true,
		UptimeSec:     time.Since(s.started).Seconds(),
		TurnState:     ts.State,
		UtteranceID:   ts.UtteranceID,
		VADState:      "off",
		QueueDepth:    qs.Depth,
		TotalEvents:   qs.TotalPushed,
		TotalComments: qs.TotalComments,
		Overflowed:    qs.Overflowed,
	}
	if !qs.LastComment.IsZero() {
		resp.SecSinceComment = time.Since(qs.LastComment).Seconds()
	}
	if s.deps.VAD != nil {
		resp.VADState = string(s.deps.VAD.State())
		resp.MicSpeaking = s.deps.VAD.Speaking()
		ss := s.deps.VAD.Stats()
		resp.SegmentsEmitted = ss.Emitted
		resp.SegmentsDiscarded = ss.Discarded
	}
	if s.deps.Workers != nil {
		resp.Workers = s.deps.Workers()
	}

	writeJSON(w, http.StatusOK, resp)
}

// ---- notes ----

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notes == nil {
		writeError(w, http.StatusServiceUnavailable, "notes store is not configured")
		return
	}
	content, err := s.deps.Notes.StartStream()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": content})
}

type noteRequest struct {
	Key     string `json:"key"`
	Content string `json:"content"`
}

func (s *Server) handleSaveNote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notes == nil {
		writeError(w, http.StatusServiceUnavailable, "notes store is not configured")
		return
	}
	var req noteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Notes.Save(req.Key, req.Content); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, notes.ErrInvalidKey) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) handleLoadNote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notes == nil {
		writeError(w, http.StatusServiceUnavailable, "notes store is not configured")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" && r.Method == http.MethodPost {
		var req noteRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		key = req.Key
	}
	content, err := s.deps.Notes.Load(key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, notes.ErrInvalidKey) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

// ---- screenshot ----

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capture == nil {
		writeError(w, http.StatusServiceUnavailable, "screen capture is not configured")
		return
	}
	img, err := s.deps.Capture.CaptureProgramScene(r.Context())
	if err != nil {
		s.log.Error("screenshot capture failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := os.WriteFile(s.deps.ScreenshotPath, img, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	abs, err := filepath.Abs(s.deps.ScreenshotPath)
	if err != nil {
		abs = s.deps.ScreenshotPath
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": abs})
}

// ---- overlay ----

type overlayEventRequest struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (s *Server) handleOverlayEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "overlay is not configured")
		return
	}
	var req overlayEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	s.deps.Hub.Publish(overlay.Event{Type: req.Event, Data: req.Data})
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

type overlayHTMLRequest struct {
	HTML string `json:"html"`
	CSS  string `json:"css"`
}

func (s *Server) handleOverlayHTML(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "overlay is not configured")
		return
	}
	var req overlayHTMLRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data := map[string]string{"html": req.HTML}
	if req.CSS != "" {
		data["css"] = req.CSS
	}
	s.deps.Hub.Publish(overlay.Event{Type: "html", Data: data})
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

// handleOverlayAudio serves a cached synthesis clip exactly once. The overlay
// fetches each clip by the ID announced in the speak event; a replay or an
// expired ID is a 404.
func (s *Server) handleOverlayAudio(w http.ResponseWriter, r *http.Request) {
	wav, ok := s.deps.AudioCache.Take(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

// ---- helpers ----

// decodeBody decodes a JSON request body into v. An empty body is not an
// error; v keeps its zero values.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

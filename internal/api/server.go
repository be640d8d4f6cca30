// Package api exposes the engine facade over a small HTTP JSON surface,
// the daemon's control protocol. Recording directories are addressed
// relative to the configured video root.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/arvek/dvrd/internal/dvr"
	"github.com/arvek/dvrd/internal/engine"
	"github.com/arvek/dvrd/internal/metrics"
)

// Handler serves the control API for one engine.
type Handler struct {
	engine   *engine.Engine
	log      *slog.Logger
	metrics  *metrics.Metrics
	videoDir string
}

// NewHandler creates the control API handler. Metrics may be nil.
func NewHandler(e *engine.Engine, videoDir string, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		engine:   e,
		log:      log.With("component", "api"),
		metrics:  m,
		videoDir: videoDir,
	}
}

// Router builds the route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", h.status)
	r.Post("/record/start", h.recordStart)
	r.Post("/record/stop", h.recordStop)
	r.Post("/replay/start", h.replayStart)
	r.Post("/replay/stop", h.replayStop)
	r.Post("/replay/pause", h.op(h.engine.Pause))
	r.Post("/replay/play", h.op(h.engine.Play))
	r.Post("/replay/forward", h.op(h.engine.Forward))
	r.Post("/replay/backward", h.op(h.engine.Backward))
	r.Post("/replay/goto", h.replayGoto)
	r.Post("/replay/skip", h.replaySkip)
	r.Post("/replay/audio", h.op(h.engine.ToggleAudioTrack))
	r.Get("/replay/index", h.replayIndex)
	r.Post("/cut/start", h.cutStart)
	r.Post("/cut/stop", h.cutStop)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	return r
}

// resolveDir maps a client-supplied recording name into the video root,
// refusing path escapes.
func (h *Handler) resolveDir(name string) (string, bool) {
	name = filepath.Clean("/" + name)
	if name == "/" {
		return "", false
	}
	return filepath.Join(h.videoDir, strings.TrimPrefix(name, "/")), true
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

type dirRequest struct {
	Dir string `json:"dir"`
}

func (h *Handler) recordStart(w http.ResponseWriter, r *http.Request) {
	var req dirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	dir, ok := h.resolveDir(req.Dir)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.engine.StartRecord(dir); err != nil {
		h.fail(w, "start record", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) recordStop(w http.ResponseWriter, r *http.Request) {
	h.engine.StopRecord()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) replayStart(w http.ResponseWriter, r *http.Request) {
	var req dirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	dir, ok := h.resolveDir(req.Dir)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.engine.StartReplay(dir); err != nil {
		h.fail(w, "start replay", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) replayStop(w http.ResponseWriter, r *http.Request) {
	h.engine.StopReplay()
	w.WriteHeader(http.StatusNoContent)
}

// op wraps a no-argument facade operation.
func (h *Handler) op(f func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) replayGoto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Frame int  `json:"frame"`
		Still bool `json:"still"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.engine.Goto(req.Frame, req.Still)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) replaySkip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int `json:"seconds"`
		Frames  int `json:"frames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Seconds != 0 {
		h.engine.SkipSeconds(req.Seconds)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	landing := h.engine.SkipFrames(req.Frames)
	writeJSON(w, http.StatusOK, map[string]int{"frame": landing})
}

func (h *Handler) replayIndex(w http.ResponseWriter, r *http.Request) {
	snap, _ := strconv.ParseBool(r.URL.Query().Get("snap"))
	current, total, ok := h.engine.GetIndex(snap)
	if !ok {
		w.WriteHeader(http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"current": current, "total": total})
}

func (h *Handler) cutStart(w http.ResponseWriter, r *http.Request) {
	var req dirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	dir, ok := h.resolveDir(req.Dir)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.engine.StartCut(dir); err != nil {
		h.fail(w, "start cut", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) cutStop(w http.ResponseWriter, r *http.Request) {
	h.engine.StopCut()
	w.WriteHeader(http.StatusNoContent)
}

// fail maps engine errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.log.Error(op+" failed", "error", err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dvr.ErrInvalidMode):
		status = http.StatusConflict
	case errors.Is(err, dvr.ErrNoMarks):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, dvr.ErrReadFailed):
		status = http.StatusNotFound
	case errors.Is(err, dvr.ErrTooManyFiles), errors.Is(err, dvr.ErrDiskLow):
		status = http.StatusInsufficientStorage
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

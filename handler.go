package apiqueue

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler provides HTTP endpoints for inspecting and driving a Dispatcher.
type Handler struct {
	d *Dispatcher
}

// NewHandler creates a queue admin HTTP handler.
func NewHandler(d *Dispatcher) *Handler {
	return &Handler{d: d}
}

// Routes returns a chi.Router with all queue endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/stats", h.handleStats)
	r.Post("/flush", h.handleFlush)
	r.Post("/dispatch", h.handleDispatch)
	r.Delete("/{id}", h.handleDiscard)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	pending, err := h.d.Pending(r.Context())
	if err != nil {
		slog.Error("list queue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if pending == nil {
		pending = []QueuedRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.d.Stats(r.Context())
	if err != nil {
		slog.Error("queue stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Flush(r.Context()))
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	resp, err := h.d.Dispatch(r.Context(), req)
	out := OutcomeOf(resp, err)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, out)
	case err != nil:
		writeJSON(w, http.StatusBadGateway, out)
	case out.Queued:
		writeJSON(w, http.StatusAccepted, out)
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.d.Discard(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "queued request not found"})
			return
		}
		slog.Error("discard queued request failed", "request_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded", "id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

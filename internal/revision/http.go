package revision

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/driftnote/driftnote/internal/core/observability/log"
)

// HTTPHandler exposes the revision API. Manual saves are owner-only; the
// caller's identity arrives in the X-Driftnote-User header set by the auth
// layer upstream.
type HTTPHandler struct {
	store  Store
	job    *Job
	logger log.Log
}

// NewHTTPHandler wires the revision routes.
func NewHTTPHandler(store Store, job *Job, logger log.Log) *HTTPHandler {
	return &HTTPHandler{
		store:  store,
		job:    job,
		logger: logger.With(log.String("component", "revision-http")),
	}
}

// Register mounts the routes on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/notes/{id}/revision", h.saveOne).Methods(http.MethodPost)
	r.HandleFunc("/api/notes/{id}/revisions", h.list).Methods(http.MethodGet)
	r.HandleFunc("/api/notes/{id}/revisions/{createdAt}", h.get).Methods(http.MethodGet)
}

func (h *HTTPHandler) saveOne(w http.ResponseWriter, r *http.Request) {
	noteID := mux.Vars(r)["id"]

	note, err := h.store.FindRevisionCandidate(r.Context(), noteID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if note.OwnerID != "" && note.OwnerID != r.Header.Get("X-Driftnote-User") {
		h.writeError(w, ErrForbidden)
		return
	}

	rev, err := h.job.SaveOne(r.Context(), noteID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rev)
}

func (h *HTTPHandler) list(w http.ResponseWriter, r *http.Request) {
	noteID := mux.Vars(r)["id"]

	revisions, err := h.store.ListRevisions(r.Context(), noteID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"noteId":    noteID,
		"revisions": revisions,
	})
}

func (h *HTTPHandler) get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	noteID := vars["id"]

	millis, err := strconv.ParseInt(vars["createdAt"], 10, 64)
	if err != nil {
		http.Error(w, "invalid revision timestamp", http.StatusBadRequest)
		return
	}
	createdAt := time.UnixMilli(millis).UTC()

	rev, err := h.store.GetRevision(r.Context(), noteID, createdAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rev)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write response", log.Error(err))
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "note not found", http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		h.logger.Error("Revision request failed", log.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

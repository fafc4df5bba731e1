package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/examflow/internal/audit"
	"github.com/shehryarbajwa/examflow/internal/catalog"
	"github.com/shehryarbajwa/examflow/internal/session"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RunStore is the audit trail the read endpoints query
type RunStore interface {
	ListRuns(ctx context.Context, f audit.RunFilter) ([]models.Run, error)
	Logs(ctx context.Context, runID string) ([]models.LogEntry, error)
	Stats(ctx context.Context, examID string) (audit.RunStats, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	runs   *session.Manager
	store  RunStore
	exams  *catalog.Catalog
	logger *slog.Logger

	// set by SetupRoutes
	batches BatchService
	inputs  DetachedInputs
}

// NewHandler creates a new HTTP handler. store may be nil, in which case
// only live runs are visible.
func NewHandler(runs *session.Manager, store RunStore, exams *catalog.Catalog, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runs:   runs,
		store:  store,
		exams:  exams,
		logger: logger,
	}
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	q := r.URL.Query()

	userID := claims.UserID
	if claims.IsAdmin() {
		userID = q.Get("userId")
	}

	var status models.RunStatus
	switch s := models.RunStatus(q.Get("status")); s {
	case "", "all":
	case models.RunRunning, models.RunWaitingInput, models.RunCompleted, models.RunFailed, models.RunAbandoned:
		status = s
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(s)))
		return
	}

	limit, ok := queryLimit(w, r, defaultListLimit)
	if !ok {
		return
	}

	byID := make(map[string]models.Run)
	if h.store != nil {
		stored, err := h.store.ListRuns(r.Context(), audit.RunFilter{UserID: userID, Status: status, Limit: limit})
		if err != nil {
			h.logger.Error("failed to list runs", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		for _, run := range stored {
			byID[run.ID] = run
		}
	}
	// Live state is fresher than the last persisted row.
	for _, run := range h.runs.List(userID, status) {
		byID[run.ID] = run
	}

	runs := make([]models.Run, 0, len(byID))
	for _, run := range byID {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}

	writeJSON(w, http.StatusOK, runs)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetSessionLogs handles GET /v1/sessions/{id}/logs
func (h *Handler) GetSessionLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}

	logs := []models.LogEntry{}
	if h.store != nil {
		var err error
		if logs, err = h.store.Logs(r.Context(), run.ID); err != nil {
			h.logger.Error("failed to load run logs", "run_id", run.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load logs")
			return
		}
	}
	writeJSON(w, http.StatusOK, logs)
}

// GetSessionScreenshot handles GET /v1/sessions/{id}/screenshot
func (h *Handler) GetSessionScreenshot(w http.ResponseWriter, r *http.Request) {
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}

	encoded, ok := h.runs.Screenshot(run.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "no screenshot available")
		return
	}
	if i := strings.Index(encoded, ";base64,"); i >= 0 {
		encoded = encoded[i+len(";base64,"):]
	}

	screenshot, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		h.logger.Error("stored screenshot is not valid base64", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to decode screenshot")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(screenshot)
}

// ListExams handles GET /v1/exams
func (h *Handler) ListExams(w http.ResponseWriter, r *http.Request) {
	active := h.exams.Active()
	exams := make([]models.Exam, 0, len(active))
	for _, e := range active {
		exams = append(exams, e.Model())
	}
	writeJSON(w, http.StatusOK, exams)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"liveRuns": h.runs.Count(),
	})
}

// queryLimit parses the optional limit parameter, capped at maxListLimit
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

// ownedRun loads the {id} run and checks the caller may see it. Runs owned
// by someone else are reported as missing.
func (h *Handler) ownedRun(w http.ResponseWriter, r *http.Request) (models.Run, bool) {
	claims, _ := ClaimsFromContext(r.Context())
	id := mux.Vars(r)["id"]

	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, session.ErrRunNotFound) {
			h.logger.Error("failed to load run", "run_id", id, "error", err)
		}
		writeError(w, http.StatusNotFound, "session not found")
		return models.Run{}, false
	}
	if !claims.IsAdmin() && run.UserID != claims.UserID {
		writeError(w, http.StatusNotFound, "session not found")
		return models.Run{}, false
	}
	return run, true
}

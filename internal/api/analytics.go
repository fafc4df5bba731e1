package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/examflow/internal/audit"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

const (
	defaultRecentLimit      = 10
	defaultExamSessionLimit = 20
)

// GlobalAnalytics is the response of GET /v1/analytics/global
type GlobalAnalytics struct {
	TotalWorkflows      int     `json:"totalWorkflows"`
	SuccessfulWorkflows int     `json:"successfulWorkflows"`
	FailedWorkflows     int     `json:"failedWorkflows"`
	AbandonedWorkflows  int     `json:"abandonedWorkflows"`
	ActiveSessions      int     `json:"activeSessions"`
	SuccessRate         float64 `json:"successRate"`
}

// ExamAnalytics is the response of GET /v1/analytics/exams/{id}
type ExamAnalytics struct {
	ExamID             string     `json:"examId"`
	ExamName           string     `json:"examName,omitempty"`
	TotalRuns          int        `json:"totalRuns"`
	SuccessfulRuns     int        `json:"successfulRuns"`
	FailedRuns         int        `json:"failedRuns"`
	AbandonedRuns      int        `json:"abandonedRuns"`
	ActiveRuns         int        `json:"activeRuns"`
	SuccessRate        float64    `json:"successRate"`
	AvgDurationSeconds float64    `json:"avgDurationSeconds"`
	LastRunAt          *time.Time `json:"lastRunAt"`
}

// RunSummary is a run row of the analytics listings
type RunSummary struct {
	models.Run
	ExamName string `json:"examName,omitempty"`
}

// GlobalStats handles GET /v1/analytics/global
func (h *Handler) GlobalStats(w http.ResponseWriter, r *http.Request) {
	st, ok := h.stats(w, r, "")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, GlobalAnalytics{
		TotalWorkflows:      st.Total,
		SuccessfulWorkflows: st.Successful,
		FailedWorkflows:     st.Failed,
		AbandonedWorkflows:  st.Abandoned,
		ActiveSessions:      st.Active,
		SuccessRate:         st.SuccessRate(),
	})
}

// ExamStats handles GET /v1/analytics/exams/{id}. Exams without runs
// report zeros.
func (h *Handler) ExamStats(w http.ResponseWriter, r *http.Request) {
	examID := mux.Vars(r)["id"]
	st, ok := h.stats(w, r, examID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ExamAnalytics{
		ExamID:             examID,
		ExamName:           h.examName(examID),
		TotalRuns:          st.Total,
		SuccessfulRuns:     st.Successful,
		FailedRuns:         st.Failed,
		AbandonedRuns:      st.Abandoned,
		ActiveRuns:         st.Active,
		SuccessRate:        st.SuccessRate(),
		AvgDurationSeconds: st.AvgDuration.Seconds(),
		LastRunAt:          st.LastRunAt,
	})
}

// RecentSessions handles GET /v1/analytics/recent-sessions
func (h *Handler) RecentSessions(w http.ResponseWriter, r *http.Request) {
	h.summaries(w, r, audit.RunFilter{}, defaultRecentLimit)
}

// ExamSessions handles GET /v1/analytics/exams/{id}/sessions
func (h *Handler) ExamSessions(w http.ResponseWriter, r *http.Request) {
	h.summaries(w, r, audit.RunFilter{ExamID: mux.Vars(r)["id"]}, defaultExamSessionLimit)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, examID string) (audit.RunStats, bool) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics need the audit store")
		return audit.RunStats{}, false
	}
	st, err := h.store.Stats(r.Context(), examID)
	if err != nil {
		h.logger.Error("failed to aggregate runs", "exam_id", examID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load analytics")
		return audit.RunStats{}, false
	}
	return st, true
}

func (h *Handler) summaries(w http.ResponseWriter, r *http.Request, f audit.RunFilter, def int) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics need the audit store")
		return
	}
	limit, ok := queryLimit(w, r, def)
	if !ok {
		return
	}
	f.Limit = limit

	runs, err := h.store.ListRuns(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunSummary{Run: run, ExamName: h.examName(run.ExamID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) examName(id string) string {
	if exam, ok := h.exams.Get(id); ok {
		return exam.Name
	}
	return ""
}

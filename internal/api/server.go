package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/examflow/internal/metrics"
	"github.com/shehryarbajwa/examflow/internal/ratelimit"
)

// Routes are the collaborators SetupRoutes mounts next to the handler's own
// endpoints
type Routes struct {
	Workflow       http.HandlerFunc // GET /v1/workflow, authenticates itself
	Verifier       TokenVerifier
	Limiter        *ratelimit.Limiter // optional
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler // defaults to the global Prometheus registry
	AllowedOrigins []string

	Batches BatchService   // optional, mounts the admin batch endpoints
	Inputs  DetachedInputs // optional, mounts input answers for detached runs
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rt Routes) http.Handler {
	if rt.Metrics == nil {
		rt.Metrics = metrics.Default()
	}
	if rt.MetricsHandler == nil {
		rt.MetricsHandler = promhttp.Handler()
	}

	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", rt.MetricsHandler).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// The workflow socket verifies its own token and rate limit
	api.HandleFunc("/workflow", rt.Workflow).Methods("GET")

	authed := api.PathPrefix("").Subrouter()
	authed.Use(AuthMiddleware(rt.Verifier))

	authed.HandleFunc("/exams", h.ListExams).Methods("GET")

	// Screenshot endpoint (not rate limited - frequent polling)
	authed.HandleFunc("/sessions/{id}/screenshot", h.GetSessionScreenshot).Methods("GET")

	limited := authed.PathPrefix("").Subrouter()
	if rt.Limiter != nil {
		limited.Use(RateLimitMiddleware(rt.Limiter, rt.Metrics))
	}
	limited.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	limited.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	limited.HandleFunc("/sessions/{id}/logs", h.GetSessionLogs).Methods("GET")

	if rt.Inputs != nil {
		h.inputs = rt.Inputs
		limited.HandleFunc("/sessions/{id}/input", h.GetSessionInput).Methods("GET")
		limited.HandleFunc("/sessions/{id}/input", h.SubmitSessionInput).Methods("POST")
	}

	admin := limited.PathPrefix("").Subrouter()
	admin.Use(RequireAdmin)
	admin.HandleFunc("/analytics/global", h.GlobalStats).Methods("GET")
	admin.HandleFunc("/analytics/recent-sessions", h.RecentSessions).Methods("GET")
	admin.HandleFunc("/analytics/exams/{id}", h.ExamStats).Methods("GET")
	admin.HandleFunc("/analytics/exams/{id}/sessions", h.ExamSessions).Methods("GET")

	if rt.Batches != nil {
		h.batches = rt.Batches
		admin.HandleFunc("/batches", h.CreateBatch).Methods("POST")
		admin.HandleFunc("/batches", h.ListBatches).Methods("GET")
		admin.HandleFunc("/batches/{id}", h.GetBatch).Methods("GET")
		admin.HandleFunc("/batches/{id}/cancel", h.CancelBatch).Methods("POST")
	}

	return corsMiddleware(rt.AllowedOrigins)(r)
}

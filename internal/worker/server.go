package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/examflow/internal/catalog"
	"github.com/shehryarbajwa/examflow/internal/logging"
	"github.com/shehryarbajwa/examflow/internal/metrics"
	"github.com/shehryarbajwa/examflow/internal/protocol"
	"github.com/shehryarbajwa/examflow/internal/ratelimit"
	"github.com/shehryarbajwa/examflow/internal/session"
	"github.com/shehryarbajwa/examflow/pkg/auth"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

// ExamSource resolves exam ids to runnable catalog entries
type ExamSource interface {
	Lookup(id string) (catalog.Exam, error)
}

// TokenVerifier validates bearer tokens
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Config wires a Server
type Config struct {
	Exams      ExamSource
	Runs       *session.Manager
	Automation Automation
	Verifier   TokenVerifier
	Limiter    *ratelimit.Limiter // optional
	Metrics    *metrics.Metrics   // optional, defaults to the global collectors
	Logger     *slog.Logger

	// AllowedOrigins limits browser origins; empty or "*" allows all
	AllowedOrigins []string
}

// Server serves the workflow endpoint: one websocket per automation run
type Server struct {
	exams      ExamSource
	runs       *session.Manager
	automation Automation
	verifier   TokenVerifier
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// detached holds the reporters of runs started without a client
	detached sync.Map // run id -> *runReporter
}

// NewServer creates a workflow server
func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		exams:      cfg.Exams,
		runs:       cfg.Runs,
		automation: cfg.Automation,
		verifier:   cfg.Verifier,
		limiter:    cfg.Limiter,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*") {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleWorkflow upgrades GET /v1/workflow?examId=..&userId=.. and runs the
// exam's automation for the connection's lifetime
func (s *Server) HandleWorkflow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	examID, userID := q.Get("examId"), q.Get("userId")
	if examID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "examId and userId are required")
		return
	}

	token, err := auth.ExtractToken(r.Header.Get("Authorization"))
	if err != nil {
		// Browsers cannot set headers on websocket requests.
		token = q.Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Warn("rejected workflow token", "user_id", userID, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if claims.UserID != userID {
		writeError(w, http.StatusForbidden, "token does not belong to this user")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(userID) {
		s.metrics.RateLimited.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	s.serve(ws, examID, userID)
}

func (s *Server) serve(ws *websocket.Conn, examID, userID string) {
	s.wg.Add(1)
	defer s.wg.Done()
	defer ws.Close()

	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	exam, err := s.exams.Lookup(examID)
	if err != nil {
		s.logger.Info("rejecting workflow for unknown exam", "exam_id", examID, "user_id", userID)
		s.reject(ws, "Exam not available for automation")
		return
	}

	run, err := s.runs.Create(s.baseCtx, examID, userID)
	if err != nil {
		msg := "Failed to start automation"
		if errors.Is(err, session.ErrConcurrencyLimit) {
			msg = "Too many automations running for this user"
		}
		s.logger.Warn("failed to create run", "exam_id", examID, "user_id", userID, "error", err)
		s.reject(ws, msg)
		return
	}
	s.metrics.RunsStarted.Inc()

	c := newConn(s, ws, logging.WithSession(s.logger, run.ID, examID, userID))
	c.logger.Info("workflow connected")

	res := c.run(Job{RunID: run.ID, UserID: userID, Exam: exam})

	status := models.RunFailed
	switch {
	case c.abandoned.Load():
		status = models.RunAbandoned
	case res.Success:
		status = models.RunCompleted
	}

	final := s.finish(run, status, res.Message, c.logger)
	c.logger.Info("workflow closed", "status", final.Status)
}

// finish records the run's final status and its metrics
func (s *Server) finish(run models.Run, status models.RunStatus, message string, logger *slog.Logger) models.Run {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := s.runs.Finish(ctx, run.ID, status, message)
	if err != nil {
		logger.Error("failed to finish run", "error", err)
	}
	if final.ID == "" {
		final = run
		final.Status = status
		final.ResultMessage = message
	}
	s.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	s.metrics.RunDuration.Observe(time.Since(run.StartedAt).Seconds())
	return final
}

// reject tells the client why the run cannot start, then closes
func (s *Server) reject(ws *websocket.Conn, message string) {
	data, err := protocol.Encode(protocol.Error{Message: message})
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.TextMessage, data)
		s.metrics.Frames.WithLabelValues(string(protocol.TypeError), "outbound").Inc()
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// Shutdown cancels every live run and waits for their connections to end
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

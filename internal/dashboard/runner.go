// Package dashboard implements the user-facing apply flow: record an
// application, run the automation session, and keep the application's
// durable status in step with the session.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shehryarbajwa/examflow/internal/transport"
	"github.com/shehryarbajwa/examflow/internal/workflow"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

// Registry is the part of the Application Registry the runner needs
type Registry interface {
	CreateApplication(ctx context.Context, examID string) (models.Application, error)
	UpdateApplication(ctx context.Context, id string, status models.ApplicationStatus, sessionID string) (models.Application, error)
}

// Option configures a Runner
type Option func(*Runner)

// WithToken sets the bearer token passed to the worker
func WithToken(token string) Option {
	return func(r *Runner) { r.token = token }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithUpdateTimeout bounds each registry status update
func WithUpdateTimeout(d time.Duration) Option {
	return func(r *Runner) { r.updateTimeout = d }
}

// Runner starts automation sessions for applications
type Runner struct {
	registry      Registry
	dialer        transport.Dialer
	token         string
	logger        *slog.Logger
	updateTimeout time.Duration
}

// NewRunner creates a runner
func NewRunner(registry Registry, dialer transport.Dialer, opts ...Option) *Runner {
	r := &Runner{
		registry:      registry,
		dialer:        dialer,
		logger:        slog.Default(),
		updateTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run is one application and the session automating it
type Run struct {
	Application models.Application
	*workflow.Orchestrator

	done  chan struct{}
	final models.Session
	err   error
}

// Done is closed once the application's final status has been recorded
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result returns the final session and any error recording it. It blocks
// until ctx is done or the run finishes.
func (r *Run) Result(ctx context.Context) (models.Session, error) {
	select {
	case <-r.done:
		return r.final, r.err
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// Apply records an application for examID and starts automating it. The
// returned Run accepts human input through its orchestrator. Closing the
// orchestrator before the session ends marks the application failed.
func (r *Runner) Apply(ctx context.Context, examID, userID string) (*Run, error) {
	app, err := r.registry.CreateApplication(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("create application: %w", err)
	}

	logger := r.logger.With("application_id", app.ID, "exam_id", examID, "user_id", userID)

	orch := workflow.New(r.dialer, workflow.WithToken(r.token), workflow.WithLogger(logger))
	run := &Run{Application: app, Orchestrator: orch, done: make(chan struct{})}

	updates, unsubscribe := orch.Subscribe()
	if err := orch.Start(examID, userID); err != nil {
		unsubscribe()
		orch.Close()
		r.update(logger, app.ID, models.ApplicationFailed, "")
		return nil, fmt.Errorf("start session: %w", err)
	}

	go r.mirror(logger, run, updates, unsubscribe)
	return run, nil
}

// mirror copies session progress into the registry: running once the
// worker assigns a session id, then completed or failed.
func (r *Runner) mirror(logger *slog.Logger, run *Run, updates <-chan models.Session, unsubscribe func()) {
	defer close(run.done)
	defer unsubscribe()

	marked := false
	last := run.Snapshot()
	for s := range updates {
		last = s
		if !marked && s.SessionID != "" {
			marked = true
			run.Application.SessionID = s.SessionID
			if err := r.update(logger, run.Application.ID, models.ApplicationRunning, s.SessionID); err != nil {
				run.err = err
			}
		}
		if !s.Status.IsTerminal() {
			continue
		}

		status := models.ApplicationCompleted
		if s.Status == models.StatusFailed {
			status = models.ApplicationFailed
		}
		run.final = s
		run.err = errors.Join(run.err, r.update(logger, run.Application.ID, status, s.SessionID))
		run.Application.Status = status
		logger.Info("application finished", "session_id", s.SessionID, "status", status)
		return
	}

	// Orchestrator closed before the session ended.
	run.final = last
	run.Application.Status = models.ApplicationFailed
	run.err = errors.Join(run.err, r.update(logger, run.Application.ID, models.ApplicationFailed, last.SessionID))
	logger.Warn("session closed before finishing", "session_id", last.SessionID)
}

func (r *Runner) update(logger *slog.Logger, id string, status models.ApplicationStatus, sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.updateTimeout)
	defer cancel()

	if _, err := r.registry.UpdateApplication(ctx, id, status, sessionID); err != nil {
		logger.Error("failed to update application", "status", status, "error", err)
		return fmt.Errorf("mark application %s %s: %w", id, status, err)
	}
	return nil
}

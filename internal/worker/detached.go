package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/examflow/internal/logging"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

var (
	// ErrExamUnavailable is returned when a run is started for an exam the
	// catalog does not allow
	ErrExamUnavailable = errors.New("exam not available for automation")
	// ErrNotDetached is returned for input aimed at a run that has no
	// detached reporter, either because it has a live client or because
	// it already finished
	ErrNotDetached = errors.New("run is not accepting detached input")
)

// DetachedRun is a run started without a client connection
type DetachedRun struct {
	ID string

	done  chan struct{}
	final models.Run
}

// Done is closed once the run has its final status
func (d *DetachedRun) Done() <-chan struct{} { return d.done }

// Result returns the finished run. It blocks until Done is closed.
func (d *DetachedRun) Result() models.Run {
	<-d.done
	return d.final
}

// Start runs an exam's automation with no client attached. Input requests
// park the run in waiting_input until Submit answers them. Cancelling ctx
// or shutting the server down abandons the run.
func (s *Server) Start(ctx context.Context, examID, userID string) (*DetachedRun, error) {
	exam, err := s.exams.Lookup(examID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExamUnavailable, examID)
	}

	run, err := s.runs.Create(ctx, examID, userID)
	if err != nil {
		return nil, err
	}
	s.metrics.RunsStarted.Inc()

	logger := logging.WithSession(s.logger, run.ID, examID, userID)
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.baseCtx, cancel)

	r := &runReporter{srv: s, run: run.ID, logger: logger, ctx: runCtx}
	s.detached.Store(run.ID, r)

	d := &DetachedRun{ID: run.ID, done: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(d.done)
		defer cancel()
		defer stop()

		logger.Info("detached run started")
		res := s.automation.Run(runCtx, Job{RunID: run.ID, UserID: userID, Exam: exam}, r)
		s.detached.Delete(run.ID)

		status := models.RunFailed
		switch {
		case res.Success:
			status = models.RunCompleted
		case runCtx.Err() != nil:
			status = models.RunAbandoned
			res.Message = "Run cancelled"
		}
		d.final = s.finish(run, status, res.Message, logger)
		logger.Info("detached run finished", "status", d.final.Status)
	}()
	return d, nil
}

// Pending returns the input a detached run is waiting for
func (s *Server) Pending(runID string) (models.PendingInput, bool) {
	v, ok := s.detached.Load(runID)
	if !ok {
		return models.PendingInput{}, false
	}
	return v.(*runReporter).prompt()
}

// Submit answers a detached run's pending input request
func (s *Server) Submit(runID string, kind models.InputKind, fieldID, value string) error {
	v, ok := s.detached.Load(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDetached, runID)
	}
	return v.(*runReporter).deliver(kind, fieldID, value)
}

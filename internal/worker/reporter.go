package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shehryarbajwa/examflow/internal/protocol"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

type pendingRequest struct {
	prompt models.PendingInput
	reply  chan string
}

func (p *pendingRequest) kind() models.InputKind { return p.prompt.Kind }
func (p *pendingRequest) fieldID() string        { return p.prompt.FieldID }

// runReporter implements Reporter for one run. Frames go to the client
// connection when there is one; detached runs only record into the run.
type runReporter struct {
	srv    *Server
	run    string
	logger *slog.Logger

	// ctx ends when the run's client goes away or the run is cancelled
	ctx  context.Context
	send func(protocol.Frame) bool

	mu      sync.Mutex
	pending *pendingRequest
}

func (r *runReporter) emit(f protocol.Frame) {
	if r.send != nil {
		r.send(f)
	}
}

func (r *runReporter) Log(level models.LogLevel, message string) {
	r.emit(protocol.Log{Message: message, Level: string(level)})
	if err := r.srv.runs.AppendLog(r.ctx, r.run, level, message); err != nil {
		r.logger.Debug("failed to record log", "error", err)
	}
}

func (r *runReporter) Screenshot(imageData, step string) {
	r.emit(protocol.Screenshot{ImageData: imageData, Step: step})
	r.srv.runs.SetScreenshot(r.run, imageData)
}

func (r *runReporter) Status(step string, progress int, message string) {
	r.emit(protocol.Status{Step: step, Progress: progress, Message: message})
	if err := r.srv.runs.Progress(r.ctx, r.run, step, progress); err != nil {
		r.logger.Debug("failed to record progress", "error", err)
	}
}

func (r *runReporter) RequestOTP(ctx context.Context) (string, error) {
	return r.request(ctx, protocol.RequestOTP{}, models.PendingInput{Kind: models.InputOTP})
}

func (r *runReporter) RequestCaptcha(ctx context.Context, imageData string) (string, error) {
	return r.request(ctx, protocol.RequestCaptcha{ImageData: imageData},
		models.PendingInput{Kind: models.InputCaptcha, ImageData: imageData})
}

func (r *runReporter) RequestCustomInput(ctx context.Context, field CustomField) (string, error) {
	inputType := field.InputType
	if inputType == "" {
		inputType = "text"
	}
	frame := protocol.RequestCustomInput{
		FieldID:     field.ID,
		Label:       field.Label,
		InputType:   inputType,
		Suggestions: field.Suggestions,
	}
	prompt := models.PendingInput{
		Kind:        models.InputCustom,
		FieldID:     field.ID,
		Label:       field.Label,
		InputType:   inputType,
		Suggestions: field.Suggestions,
	}
	return r.request(ctx, frame, prompt)
}

func (r *runReporter) request(ctx context.Context, frame protocol.Frame, prompt models.PendingInput) (string, error) {
	prompt.RequestedAt = time.Now()
	p := &pendingRequest{prompt: prompt, reply: make(chan string, 1)}

	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		return "", ErrInputPending
	}
	r.pending = p
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.pending == p {
			r.pending = nil
		}
		r.mu.Unlock()
		r.setWaiting(false)
	}()

	r.setWaiting(true)
	r.srv.metrics.InputRequests.WithLabelValues(string(prompt.Kind)).Inc()
	started := time.Now()
	r.emit(frame)

	select {
	case value := <-p.reply:
		r.logger.Info("input received", "kind", prompt.Kind, "waited", time.Since(started).Round(time.Millisecond))
		return value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// setWaiting records whether the run is blocked on the user. Once the
// run's context is done the final status is left to Finish.
func (r *runReporter) setWaiting(waiting bool) {
	if r.ctx.Err() != nil {
		return
	}
	if err := r.srv.runs.SetWaiting(r.ctx, r.run, waiting); err != nil {
		r.logger.Warn("failed to update waiting state", "run_id", r.run, "waiting", waiting, "error", err)
	}
}

// prompt returns the open input request, if any
func (r *runReporter) prompt() (models.PendingInput, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return models.PendingInput{}, false
	}
	return r.pending.prompt, true
}

// deliver hands a submission to the pending request
func (r *runReporter) deliver(kind models.InputKind, fieldID, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.pending
	if p == nil {
		return ErrNoRequest
	}
	if p.kind() != kind {
		return fmt.Errorf("%w: %s requested, got %s", ErrWrongInput, p.kind(), kind)
	}
	if kind == models.InputCustom && fieldID != p.fieldID() {
		return fmt.Errorf("%w: field %q requested, got %q", ErrWrongInput, p.fieldID(), fieldID)
	}

	r.pending = nil
	p.reply <- value
	return nil
}

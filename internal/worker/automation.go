package worker

import (
	"context"
	"errors"

	"github.com/shehryarbajwa/examflow/internal/catalog"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

var (
	// ErrInputPending is returned when an Automation asks for input while
	// an earlier request is still unanswered
	ErrInputPending = errors.New("an input request is already pending")
	// ErrNoRequest is reported to the client for an unsolicited submission
	ErrNoRequest = errors.New("no input was requested")
	// ErrWrongInput is reported to the client when a submission answers a
	// different request than the pending one
	ErrWrongInput = errors.New("submission does not match the pending request")
)

// Job describes one registration run
type Job struct {
	RunID  string
	UserID string
	Exam   catalog.Exam
}

// Result is the outcome an Automation reports when it finishes
type Result struct {
	Success bool
	Message string
}

// Reporter is how an Automation talks back to the connected user.
// Request methods block until the user answers or ctx ends; there is no
// timeout of their own. Only one request may be outstanding at a time.
type Reporter interface {
	Log(level models.LogLevel, message string)
	Screenshot(imageData, step string)
	Status(step string, progress int, message string)

	RequestOTP(ctx context.Context) (string, error)
	RequestCaptcha(ctx context.Context, imageData string) (string, error)
	RequestCustomInput(ctx context.Context, field CustomField) (string, error)
}

// CustomField describes a value the automation needs from the user
type CustomField struct {
	ID          string
	Label       string
	InputType   string
	Suggestions []string
}

// Automation performs the exam-site work for one run. It must return when
// ctx is cancelled, which happens when the user disconnects.
type Automation interface {
	Run(ctx context.Context, job Job, r Reporter) Result
}

// AutomationFunc adapts a function to Automation
type AutomationFunc func(ctx context.Context, job Job, r Reporter) Result

// Run calls f
func (f AutomationFunc) Run(ctx context.Context, job Job, r Reporter) Result {
	return f(ctx, job, r)
}

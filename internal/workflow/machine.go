// Package workflow drives one exam-registration automation attempt: an
// explicit state machine over models.Session plus the Orchestrator that feeds
// it channel events and user actions one at a time.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shehryarbajwa/examflow/internal/protocol"
	"github.com/shehryarbajwa/examflow/pkg/models"
)

var (
	// ErrInvalidState is returned for an operation the current status does not allow
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrNoPendingInput is returned when submitting while nothing is requested
	ErrNoPendingInput = errors.New("no input is pending")
	// ErrInputMismatch is returned when the submission does not answer the pending request
	ErrInputMismatch = errors.New("submission does not match pending input")
	// ErrEmptyValue is returned for a blank submission
	ErrEmptyValue = errors.New("value must not be empty")
	// ErrMissingIdentity is returned when starting without exam or user id
	ErrMissingIdentity = errors.New("exam id and user id are required")
)

// Event is anything that can move the state machine
type Event interface{ isEvent() }

// StartEvent is the user initiating automation
type StartEvent struct{ ExamID, UserID string }

// FrameEvent is one inbound frame from the worker
type FrameEvent struct{ Frame protocol.Frame }

// OpenFailedEvent reports that the channel never opened
type OpenFailedEvent struct{ Err error }

// ClosedEvent reports that an open channel ended
type ClosedEvent struct{ Err error }

// SubmitEvent is the user answering the pending input request
type SubmitEvent struct {
	Kind    models.InputKind
	FieldID string
	Value   string
}

// ResetEvent returns a finished session to idle
type ResetEvent struct{}

func (StartEvent) isEvent()      {}
func (FrameEvent) isEvent()      {}
func (OpenFailedEvent) isEvent() {}
func (ClosedEvent) isEvent()     {}
func (SubmitEvent) isEvent()     {}
func (ResetEvent) isEvent()      {}

// Effect is work the orchestrator must perform for a transition
type Effect interface{ isEffect() }

// OpenChannel asks for a new transport channel
type OpenChannel struct{ ExamID, UserID string }

// SendFrame asks for one outbound frame
type SendFrame struct{ Frame protocol.Frame }

// CloseChannel asks to hang up the current channel
type CloseChannel struct{}

func (OpenChannel) isEffect()  {}
func (SendFrame) isEffect()    {}
func (CloseChannel) isEffect() {}

// Outcome is the result of applying one event
type Outcome struct {
	Session models.Session
	Effects []Effect
	// Violation is set when an inbound frame broke the protocol contract.
	// The frame was ignored or only logged.
	Violation string
}

// Transition applies ev to s. It never mutates s. An error means the event
// was a misuse and s is returned unchanged with no effects.
func Transition(s models.Session, ev Event, now time.Time) (Outcome, error) {
	switch ev := ev.(type) {
	case StartEvent:
		return start(s, ev, now)
	case FrameEvent:
		return frame(s, ev.Frame, now), nil
	case OpenFailedEvent:
		if s.Status != models.StatusConnecting {
			return Outcome{Session: s}, nil
		}
		msg := "Failed to connect to automation server"
		if ev.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, ev.Err)
		}
		return Outcome{Session: fail(s, msg, now)}, nil
	case ClosedEvent:
		switch s.Status {
		case models.StatusConnecting, models.StatusRunning, models.StatusWaiting:
			return Outcome{Session: fail(s, "Connection lost", now)}, nil
		}
		return Outcome{Session: s}, nil
	case SubmitEvent:
		return submit(s, ev, now)
	case ResetEvent:
		if !s.Status.IsTerminal() {
			return Outcome{Session: s}, fmt.Errorf("%w: reset from %s", ErrInvalidState, s.Status)
		}
		return Outcome{Session: models.NewSession(), Effects: []Effect{CloseChannel{}}}, nil
	}
	return Outcome{Session: s}, fmt.Errorf("unsupported event %T", ev)
}

func start(s models.Session, ev StartEvent, now time.Time) (Outcome, error) {
	if s.Status != models.StatusIdle {
		return Outcome{Session: s}, fmt.Errorf("%w: start from %s", ErrInvalidState, s.Status)
	}
	if ev.ExamID == "" || ev.UserID == "" {
		return Outcome{Session: s}, ErrMissingIdentity
	}

	next := models.Session{
		ExamID: ev.ExamID,
		UserID: ev.UserID,
		Status: models.StatusConnecting,
	}
	next = next.Append("Connecting to automation server...", models.LevelInfo, now)

	return Outcome{
		Session: next,
		Effects: []Effect{OpenChannel{ExamID: ev.ExamID, UserID: ev.UserID}},
	}, nil
}

func fail(s models.Session, msg string, now time.Time) models.Session {
	next := s.Append(msg, models.LevelError, now)
	next.Status = models.StatusFailed
	next.PendingInput = nil
	return next
}

func active(status models.SessionStatus) bool {
	return status == models.StatusConnecting || status == models.StatusRunning || status == models.StatusWaiting
}

func frame(s models.Session, f protocol.Frame, now time.Time) Outcome {
	if !active(s.Status) {
		return Outcome{Session: s, Violation: fmt.Sprintf("%s frame while %s", f.FrameType(), s.Status)}
	}

	switch f := f.(type) {
	case protocol.SessionCreated:
		if s.Status != models.StatusConnecting {
			return Outcome{Session: s, Violation: "duplicate session-created"}
		}
		next := s.Append("Session created: "+f.SessionID, models.LevelSuccess, now)
		next.SessionID = f.SessionID
		next.Status = models.StatusRunning
		return Outcome{Session: next}

	case protocol.Log:
		return Outcome{Session: s.Append(f.Message, models.ParseLogLevel(f.Level), now)}

	case protocol.Screenshot:
		next := s.Clone()
		next.LatestScreenshot = f.ImageData
		return Outcome{Session: next}

	case protocol.Status:
		next := s.Clone()
		next.CurrentStep = f.Step
		next.Progress = f.Progress
		if f.Message != "" {
			next = next.Append(f.Message, models.LevelInfo, now)
		}
		return Outcome{Session: next}

	case protocol.RequestOTP, protocol.RequestCaptcha, protocol.RequestCustomInput:
		return request(s, f, now)

	case protocol.Result:
		level := models.LevelSuccess
		status := models.StatusSuccess
		if !f.Success {
			level = models.LevelError
			status = models.StatusFailed
		}
		next := s.Append(f.Message, level, now)
		next.Status = status
		next.PendingInput = nil
		return Outcome{Session: next, Effects: []Effect{CloseChannel{}}}

	case protocol.Error:
		if s.Status == models.StatusConnecting {
			next := fail(s, "Error: "+f.Message, now)
			return Outcome{Session: next, Effects: []Effect{CloseChannel{}}}
		}
		return Outcome{Session: s.Append("Error: "+f.Message, models.LevelError, now)}
	}

	return Outcome{Session: s, Violation: fmt.Sprintf("unexpected %s frame from worker", f.FrameType())}
}

func request(s models.Session, f protocol.Frame, now time.Time) Outcome {
	kind, _ := protocol.RequestKind(f)

	switch s.Status {
	case models.StatusWaiting:
		// Keep the first request; the worker broke the single-request contract.
		pending := s.PendingInput.Kind
		msg := fmt.Sprintf("Ignored %s request: %s input is still pending", kind, pending)
		return Outcome{
			Session:   s.Append(msg, models.LevelWarning, now),
			Violation: msg,
		}
	case models.StatusConnecting:
		return Outcome{Session: s, Violation: fmt.Sprintf("%s request before session-created", kind)}
	}

	pending := &models.PendingInput{Kind: kind, RequestedAt: now}
	var msg string

	switch f := f.(type) {
	case protocol.RequestOTP:
		msg = "Waiting for OTP input..."
	case protocol.RequestCaptcha:
		pending.ImageData = f.ImageData
		msg = "Waiting for captcha solution..."
	case protocol.RequestCustomInput:
		pending.FieldID = f.FieldID
		pending.Label = f.Label
		pending.InputType = f.InputType
		pending.Suggestions = f.Suggestions
		msg = "Waiting for input: " + f.Label
	}

	next := s.Append(msg, models.LevelWarning, now)
	next.Status = models.StatusWaiting
	next.PendingInput = pending
	return Outcome{Session: next}
}

func submit(s models.Session, ev SubmitEvent, now time.Time) (Outcome, error) {
	if s.Status != models.StatusWaiting || s.PendingInput == nil {
		return Outcome{Session: s}, ErrNoPendingInput
	}
	pending := s.PendingInput
	if ev.Kind != pending.Kind {
		return Outcome{Session: s}, fmt.Errorf("%w: %s pending, got %s", ErrInputMismatch, pending.Kind, ev.Kind)
	}
	if strings.TrimSpace(ev.Value) == "" {
		return Outcome{Session: s}, ErrEmptyValue
	}

	var out protocol.Frame
	var msg string

	switch ev.Kind {
	case models.InputOTP:
		out = protocol.SubmitOTP{Value: ev.Value}
		msg = "OTP submitted"
	case models.InputCaptcha:
		out = protocol.SubmitCaptcha{Value: ev.Value}
		msg = "Captcha submitted"
	case models.InputCustom:
		fieldID := ev.FieldID
		if fieldID == "" {
			fieldID = pending.FieldID
		}
		if fieldID != pending.FieldID {
			return Outcome{Session: s}, fmt.Errorf("%w: field %q pending, got %q", ErrInputMismatch, pending.FieldID, fieldID)
		}
		out = protocol.SubmitCustomInput{FieldID: fieldID, Value: ev.Value}
		label := pending.Label
		if label == "" {
			label = fieldID
		}
		msg = label + " submitted"
	default:
		return Outcome{Session: s}, fmt.Errorf("%w: unknown kind %q", ErrInputMismatch, ev.Kind)
	}

	next := s.Append(msg, models.LevelSuccess, now)
	next.Status = models.StatusRunning
	next.PendingInput = nil

	return Outcome{Session: next, Effects: []Effect{SendFrame{Frame: out}}}, nil
}

package models

import (
	"slices"
	"time"
)

// SessionStatus represents where one automation attempt is in its lifecycle
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusConnecting SessionStatus = "connecting"
	StatusRunning    SessionStatus = "running"
	StatusWaiting    SessionStatus = "waiting"
	StatusSuccess    SessionStatus = "success"
	StatusFailed     SessionStatus = "failed"
)

// IsTerminal reports whether no further frames can change the status
func (s SessionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// LogLevel classifies a session log entry
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// ParseLogLevel maps a wire level to a LogLevel, defaulting to info
func ParseLogLevel(s string) LogLevel {
	switch LogLevel(s) {
	case LevelSuccess, LevelWarning, LevelError:
		return LogLevel(s)
	default:
		return LevelInfo
	}
}

// LogEntry is one line of the session audit trail
type LogEntry struct {
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// InputKind tags the human input the worker is waiting for
type InputKind string

const (
	InputOTP     InputKind = "otp"
	InputCaptcha InputKind = "captcha"
	InputCustom  InputKind = "custom"
)

// PendingInput is the single outstanding human-input request
type PendingInput struct {
	Kind        InputKind `json:"kind"`
	ImageData   string    `json:"imageData,omitempty"`   // captcha only
	FieldID     string    `json:"fieldId,omitempty"`     // custom only
	Label       string    `json:"label,omitempty"`       // custom only
	InputType   string    `json:"inputType,omitempty"`   // custom only
	Suggestions []string  `json:"suggestions,omitempty"` // custom only
	RequestedAt time.Time `json:"requestedAt"`
}

// Session is the ephemeral client-side state of one automation attempt.
// It is never persisted.
type Session struct {
	ExamID           string        `json:"examId"`
	UserID           string        `json:"userId"`
	SessionID        string        `json:"sessionId,omitempty"`
	Status           SessionStatus `json:"status"`
	CurrentStep      string        `json:"currentStep,omitempty"`
	Progress         int           `json:"progress"`
	Log              []LogEntry    `json:"log"`
	LatestScreenshot string        `json:"latestScreenshot,omitempty"`
	PendingInput     *PendingInput `json:"pendingInput,omitempty"`
}

// NewSession returns an idle session
func NewSession() Session {
	return Session{Status: StatusIdle}
}

// Clone returns a deep copy so snapshots never share mutable state
func (s Session) Clone() Session {
	out := s
	out.Log = slices.Clone(s.Log)
	if s.PendingInput != nil {
		p := *s.PendingInput
		p.Suggestions = slices.Clone(s.PendingInput.Suggestions)
		out.PendingInput = &p
	}
	return out
}

// Append returns a copy of the session with one more log entry
func (s Session) Append(message string, level LogLevel, at time.Time) Session {
	out := s.Clone()
	out.Log = append(out.Log, LogEntry{Message: message, Level: level, Timestamp: at})
	return out
}

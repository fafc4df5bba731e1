// Package protocol defines the frames exchanged between the workflow
// orchestrator and the automation worker.
package protocol

import "github.com/shehryarbajwa/examflow/pkg/models"

// Type is the frame discriminator carried in the "type" field
type Type string

// Worker -> orchestrator
const (
	TypeSessionCreated     Type = "session-created"
	TypeLog                Type = "log"
	TypeScreenshot         Type = "screenshot"
	TypeStatus             Type = "status"
	TypeRequestOTP         Type = "request-otp"
	TypeRequestCaptcha     Type = "request-captcha"
	TypeRequestCustomInput Type = "request-custom-input"
	TypeResult             Type = "result"
	TypeError              Type = "error"
)

// Orchestrator -> worker
const (
	TypeSubmitOTP         Type = "submit-otp"
	TypeSubmitCaptcha     Type = "submit-captcha"
	TypeSubmitCustomInput Type = "submit-custom-input"
)

// Frame is one discrete typed message on the channel
type Frame interface {
	FrameType() Type
}

type SessionCreated struct {
	SessionID string `json:"sessionId"`
}

type Log struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

type Screenshot struct {
	ImageData string `json:"imageData"`
	Step      string `json:"step,omitempty"`
}

type Status struct {
	Step     string `json:"step"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

type RequestOTP struct{}

type RequestCaptcha struct {
	ImageData string `json:"imageData"`
}

type RequestCustomInput struct {
	FieldID     string   `json:"fieldId"`
	Label       string   `json:"label"`
	InputType   string   `json:"inputType,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Error is sent by the worker when it rejects a request outright
type Error struct {
	Message string `json:"message"`
}

type SubmitOTP struct {
	Value string `json:"value"`
}

type SubmitCaptcha struct {
	Value string `json:"value"`
}

type SubmitCustomInput struct {
	FieldID string `json:"fieldId"`
	Value   string `json:"value"`
}

func (SessionCreated) FrameType() Type     { return TypeSessionCreated }
func (Log) FrameType() Type                { return TypeLog }
func (Screenshot) FrameType() Type         { return TypeScreenshot }
func (Status) FrameType() Type             { return TypeStatus }
func (RequestOTP) FrameType() Type         { return TypeRequestOTP }
func (RequestCaptcha) FrameType() Type     { return TypeRequestCaptcha }
func (RequestCustomInput) FrameType() Type { return TypeRequestCustomInput }
func (Result) FrameType() Type             { return TypeResult }
func (Error) FrameType() Type              { return TypeError }
func (SubmitOTP) FrameType() Type          { return TypeSubmitOTP }
func (SubmitCaptcha) FrameType() Type      { return TypeSubmitCaptcha }
func (SubmitCustomInput) FrameType() Type  { return TypeSubmitCustomInput }

// RequestKind returns the input kind a request-* frame asks for
func RequestKind(f Frame) (models.InputKind, bool) {
	switch f.(type) {
	case RequestOTP:
		return models.InputOTP, true
	case RequestCaptcha:
		return models.InputCaptcha, true
	case RequestCustomInput:
		return models.InputCustom, true
	}
	return "", false
}

// SubmitKind returns the input kind a submit-* frame answers
func SubmitKind(f Frame) (models.InputKind, bool) {
	switch f.(type) {
	case SubmitOTP:
		return models.InputOTP, true
	case SubmitCaptcha:
		return models.InputCaptcha, true
	case SubmitCustomInput:
		return models.InputCustom, true
	}
	return "", false
}

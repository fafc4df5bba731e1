package models

import "time"

// RunStatus represents the worker-side state of an automation run
type RunStatus string

const (
	RunRunning      RunStatus = "running"
	RunWaitingInput RunStatus = "waiting_input"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
	RunAbandoned    RunStatus = "abandoned"
)

// IsFinished reports whether the run has stopped for good
func (s RunStatus) IsFinished() bool {
	return s == RunCompleted || s == RunFailed || s == RunAbandoned
}

// Run is one automation run as seen by the worker
type Run struct {
	ID            string     `json:"id"`
	ExamID        string     `json:"examId"`
	UserID        string     `json:"userId"`
	Status        RunStatus  `json:"status"`
	CurrentStep   string     `json:"currentStep,omitempty"`
	Progress      int        `json:"progress"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ResultMessage string     `json:"resultMessage,omitempty"`
}

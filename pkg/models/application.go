package models

import "time"

// ApplicationStatus is the durable status kept by the Application Registry.
// It is related to, but distinct from, SessionStatus.
type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "pending"
	ApplicationApproved  ApplicationStatus = "approved"
	ApplicationRunning   ApplicationStatus = "running"
	ApplicationCompleted ApplicationStatus = "completed"
	ApplicationFailed    ApplicationStatus = "failed"
)

// Exam is an exam eligible for automation
type Exam struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	URL      string `json:"url"`
	IsActive bool   `json:"is_active"`
}

// Application records that a user applied to an exam
type Application struct {
	ID        string            `json:"id"`
	ExamID    string            `json:"exam_id"`
	ExamName  string            `json:"exam_name"`
	Status    ApplicationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	SessionID string            `json:"session_id,omitempty"`
}

// CreateApplicationRequest is the payload for applying to an exam
type CreateApplicationRequest struct {
	ExamID string `json:"exam_id"`
}

// UpdateApplicationRequest changes the status and/or session of an application
type UpdateApplicationRequest struct {
	Status    ApplicationStatus `json:"status,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

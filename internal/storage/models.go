package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrRunTerminal is returned when an operation needs a run that is still
// pending or running.
var ErrRunTerminal = errors.New("run already in a terminal state")

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepCompleted = "completed"
	StepSkipped   = "skipped"
	StepFailed    = "failed"
)

// FeedbackRecord is one classified feedback row. ID and CreatedAt are
// assigned by the store on insert.
type FeedbackRecord struct {
	ID             int64     `json:"id"`
	Source         string    `json:"source"`
	Content        string    `json:"content"`
	Sentiment      string    `json:"sentiment"`
	Category       string    `json:"category"`
	IsSecurityRisk bool      `json:"is_security_risk"`
	CreatedAt      time.Time `json:"created_at"`
}

// Run is the durable header of one workflow execution.
type Run struct {
	ID              string    `json:"id"`
	Workflow        string    `json:"workflow"`
	PayloadJSON     string    `json:"payload"`
	Status          string    `json:"status"`
	CancelRequested bool      `json:"cancel_requested"`
	RunAfter        time.Time `json:"run_after"`
	ResultJSON      string    `json:"result,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	FailedStep      string    `json:"failed_step,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Terminal reports whether the run will never be claimed again.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepState is the checkpoint of a single step within a run.
type StepState struct {
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	ResultJSON string    `json:"result,omitempty"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StepFailure describes what FailStep decided for a failed attempt.
type StepFailure struct {
	Attempts  int
	Exhausted bool
	RetryAt   time.Time
}

// DeliverySettings configures the scheduled digest delivery. At most one row exists.
type DeliverySettings struct {
	WebhookURL   string    `json:"discord_webhook"`
	ScheduleTime string    `json:"time"` // "HH:MM", UTC
	EraseAfter   bool      `json:"erase_after"`
	UpdatedAt    time.Time `json:"updated_at"`
}

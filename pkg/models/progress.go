package models

import "time"

// ProgressEvent is a snapshot of a task's changing fields, delivered to
// subscribers best-effort with last-event coalescing.
type ProgressEvent struct {
	TaskID    string    `json:"task_id"`
	IssueID   string    `json:"issue_id"`
	State     TaskState `json:"state"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether this event closes the stream.
func (e ProgressEvent) Terminal() bool { return e.State.Terminal() }

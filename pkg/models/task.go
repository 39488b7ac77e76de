package models

import "time"

// TaskState is the lifecycle state of an analysis task.
type TaskState string

// Task states. Non-terminal states advance strictly in the order listed;
// any of them may jump to a terminal state.
const (
	TaskQueued      TaskState = "queued"
	TaskDownloading TaskState = "downloading"
	TaskDecrypting  TaskState = "decrypting"
	TaskExtracting  TaskState = "extracting"
	TaskAnalyzing   TaskState = "analyzing"
	TaskDone        TaskState = "done"
	TaskFailed      TaskState = "failed"
	TaskCancelled   TaskState = "cancelled"
)

// stateRank orders the non-terminal states for monotonicity checks.
var stateRank = map[TaskState]int{
	TaskQueued:      0,
	TaskDownloading: 1,
	TaskDecrypting:  2,
	TaskExtracting:  3,
	TaskAnalyzing:   4,
	TaskDone:        5,
	TaskFailed:      5,
	TaskCancelled:   5,
}

// Terminal reports whether the state is absorbing.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// CanTransition reports whether a task may move from s to next.
// Terminal states are absorbing; non-terminal states never move backwards.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return stateRank[next] >= stateRank[s]
}

// NonTerminalStates lists every state a live task can be in.
// The store's admission index is defined over this set.
func NonTerminalStates() []TaskState {
	return []TaskState{TaskQueued, TaskDownloading, TaskDecrypting, TaskExtracting, TaskAnalyzing}
}

// Task is one attempt to analyze an Issue.
type Task struct {
	ID             string    `json:"task_id"`
	IssueID        string    `json:"issue_id"`
	State          TaskState `json:"state"`
	Progress       int       `json:"progress"` // 0-100
	Message        string    `json:"message"`
	Error          string    `json:"error,omitempty"` // "<kind>: <message>", set only when failed
	Priority       int       `json:"priority"`        // 1 = high, 0 = low; denormalized from the Issue at admission
	RequestedAgent string    `json:"requested_agent,omitempty"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	WorkerID       string    `json:"-"` // claiming worker, empty until claimed
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

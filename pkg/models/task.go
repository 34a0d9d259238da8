package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "pending"
	ProcessingTaskStatus TaskStatus = "processing"
	CompletedTaskStatus  TaskStatus = "completed"
	FailedTaskStatus     TaskStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s TaskStatus) IsTerminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus
}

// IsActive reports whether a task in this status blocks new submissions of
// the same fingerprint.
func (s TaskStatus) IsActive() bool {
	return s == PendingTaskStatus || s == ProcessingTaskStatus || s == CompletedTaskStatus
}

func (s TaskStatus) Valid() bool {
	switch s {
	case PendingTaskStatus, ProcessingTaskStatus, CompletedTaskStatus, FailedTaskStatus:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one status to another.
// Status only moves forward: pending -> processing -> completed|failed.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case PendingTaskStatus:
		return to == ProcessingTaskStatus
	case ProcessingTaskStatus:
		return to == CompletedTaskStatus || to == FailedTaskStatus
	default:
		return false
	}
}

// AnalysisTask is the durable record of one submitted binary and its analysis.
type AnalysisTask struct {
	ID           int64       `json:"-" db:"id"`                              // Store-internal key
	TaskID       string      `json:"task_id" db:"task_id"`                   // External UUID
	SHA256       string      `json:"sha256" db:"sha256"`                     // Content fingerprint
	Filename     string      `json:"filename" db:"filename"`                 // Original upload name
	FilePath     string      `json:"-" db:"file_path"`                       // Location of the stored artifact
	Status       TaskStatus  `json:"status" db:"status"`                     // "pending", "processing", "completed", "failed"
	Results      TaskResults `json:"result" db:"-"`                          // Populated stage by stage
	ErrorMessage string      `json:"error,omitempty" db:"error_message"`     // Set only on failure
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`             // Submission time
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`             // Last mutation
	FinishedAt   *time.Time  `json:"finished_at,omitempty" db:"finished_at"` // Nullable, terminal states only
}

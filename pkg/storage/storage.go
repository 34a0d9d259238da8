package storage

import (
	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrTaskFinalized        = errors.New("task already finalized")
	ErrDuplicateFingerprint = errors.New("an active task already exists for this fingerprint")
)

// TaskQuery selects tasks for listing. A zero Status matches every status.
type TaskQuery struct {
	Status models.TaskStatus
	Limit  int
	Oldest bool // oldest first instead of newest first
}

// Store defines the storage operations for analysis tasks.
type Store interface {
	// Transaction operations
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(t models.AnalysisTask) (int64, error)
	GetTask(taskID string) (models.AnalysisTask, error)
	FindActiveByFingerprint(sha256 string) (models.AnalysisTask, error)
	GetLatestByFingerprint(sha256 string) (models.AnalysisTask, error)
	ListTasks(q TaskQuery) ([]models.AnalysisTask, error)

	// State machine operations
	TransitionTaskStatus(taskID string, from, to models.TaskStatus, errorMsg string) error
	SaveTaskResults(taskID string, patch models.TaskResults) error
}

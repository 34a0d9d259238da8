package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/ignatij/trojanwalker/pkg/storage"
	"github.com/pkg/errors"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100

	interruptedReason = "interrupted before completion"
)

// Logger defines the logging interface used by the services
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ArtifactWriter persists submitted binaries and returns where they live.
type ArtifactWriter interface {
	Save(sha256, name string, content []byte) (string, error)
}

// Enqueuer accepts task ids for background processing.
type Enqueuer interface {
	Submit(taskID string)
}

type SubmitRequest struct {
	// Fingerprint is optional; when set it must equal the SHA-256 of Content.
	Fingerprint string
	Filename    string
	Content     []byte
}

type SubmitResult struct {
	Task models.AnalysisTask
	// Created is false when an existing task was returned instead.
	Created bool
}

// AnalysisService is the intake gate: it deduplicates submissions by
// content fingerprint and hands new tasks to the queue.
type AnalysisService struct {
	store     storage.Store
	artifacts ArtifactWriter
	queue     Enqueuer
	logger    Logger
	now       func() time.Time
	mu        sync.Mutex
}

func NewAnalysisService(store storage.Store, artifacts ArtifactWriter, queue Enqueuer, logger Logger) *AnalysisService {
	return &AnalysisService{
		store:     store,
		artifacts: artifacts,
		queue:     queue,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit returns the active task for the artifact's fingerprint, or creates
// and enqueues a new pending task. The artifact is on disk and the task is
// committed before the id reaches the queue.
func (s *AnalysisService) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if len(req.Content) == 0 || req.Filename == "" {
		return SubmitResult{}, ErrMissingArtifact
	}
	fingerprint := Fingerprint(req.Content)
	if req.Fingerprint != "" {
		if err := ValidateFingerprint(req.Fingerprint); err != nil {
			return SubmitResult{}, err
		}
		if req.Fingerprint != fingerprint {
			return SubmitResult{}, ErrFingerprintMismatch
		}
	}
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.FindActiveByFingerprint(fingerprint)
	if err == nil {
		s.logger.Infof("Artifact %s already known as task %s (%s)", fingerprint, existing.TaskID, existing.Status)
		return SubmitResult{Task: existing}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return SubmitResult{}, errors.Wrap(err, "lookup active task")
	}

	path, err := s.artifacts.Save(fingerprint, req.Filename, req.Content)
	if err != nil {
		s.logger.Errorf("Failed to store artifact %s: %v", fingerprint, err)
		return SubmitResult{}, errors.Wrap(err, "store artifact")
	}

	now := s.now()
	task := models.AnalysisTask{
		TaskID:    uuid.NewString(),
		SHA256:    fingerprint,
		Filename:  req.Filename,
		FilePath:  path,
		Status:    models.PendingTaskStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := s.createTask(task)
	if errors.Is(err, storage.ErrDuplicateFingerprint) {
		winner, findErr := s.store.FindActiveByFingerprint(fingerprint)
		if findErr != nil {
			return SubmitResult{}, errors.Wrap(findErr, "lookup concurrent task")
		}
		return SubmitResult{Task: winner}, nil
	}
	if err != nil {
		return SubmitResult{}, err
	}
	task.ID = id

	s.queue.Submit(task.TaskID)
	s.logger.Infof("Created task %s for %s (%s)", task.TaskID, task.Filename, fingerprint)
	return SubmitResult{Task: task, Created: true}, nil
}

func (s *AnalysisService) createTask(task models.AnalysisTask) (id int64, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		s.logger.Errorf("Failed to begin transaction for Submit: %v", err)
		return 0, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				s.logger.Errorf("Failed to commit: %v", commitErr)
				err = errors.Wrap(commitErr, "commit transaction")
			}
		}
	}()

	id, err = txStore.SaveTask(task)
	if err != nil {
		if !errors.Is(err, storage.ErrDuplicateFingerprint) {
			s.logger.Errorf("Failed to save task %s: %v", task.TaskID, err)
		}
		return 0, errors.Wrapf(err, "save task %s", task.TaskID)
	}
	return id, nil
}

func (s *AnalysisService) GetTask(taskID string) (models.AnalysisTask, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.AnalysisTask{}, errors.Wrapf(err, "get task %s", taskID)
	}
	return task, nil
}

// GetByFingerprint returns the most recent task for fingerprint, whatever its status.
func (s *AnalysisService) GetByFingerprint(fingerprint string) (models.AnalysisTask, error) {
	if err := ValidateFingerprint(fingerprint); err != nil {
		return models.AnalysisTask{}, err
	}
	task, err := s.store.GetLatestByFingerprint(fingerprint)
	if err != nil {
		return models.AnalysisTask{}, errors.Wrapf(err, "get task for %s", fingerprint)
	}
	return task, nil
}

// History lists the most recent tasks, newest first.
func (s *AnalysisService) History(limit int) ([]models.AnalysisTask, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	tasks, err := s.store.ListTasks(storage.TaskQuery{Limit: limit})
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	return tasks, nil
}

// Recover runs once at startup before the queue receives new work. Tasks
// left processing by a previous process are failed; pending tasks are
// re-enqueued oldest first. It returns the number of re-enqueued tasks.
func (s *AnalysisService) Recover(ctx context.Context) (int, error) {
	tasks := NewTaskService(s.store, s.logger)
	orphaned, err := s.store.ListTasks(storage.TaskQuery{Status: models.ProcessingTaskStatus, Oldest: true})
	if err != nil {
		return 0, errors.Wrap(err, "list processing tasks")
	}
	for _, task := range orphaned {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := tasks.Fail(task.TaskID, interruptedReason); err != nil {
			return 0, err
		}
		s.logger.Warnf("Task %s was interrupted and has been marked failed", task.TaskID)
	}

	pending, err := s.store.ListTasks(storage.TaskQuery{Status: models.PendingTaskStatus, Oldest: true})
	if err != nil {
		return 0, errors.Wrap(err, "list pending tasks")
	}
	for _, task := range pending {
		s.queue.Submit(task.TaskID)
	}
	if len(pending) > 0 {
		s.logger.Infof("Re-enqueued %d pending task(s)", len(pending))
	}
	return len(pending), nil
}

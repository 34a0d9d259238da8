package service

import (
	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/ignatij/trojanwalker/pkg/storage"
	"github.com/pkg/errors"
)

// TaskService owns the task state machine. Every mutation runs in its own
// transaction so a crash leaves either the old or the new state behind.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

func (ts *TaskService) GetTask(taskID string) (models.AnalysisTask, error) {
	task, err := ts.store.GetTask(taskID)
	if err != nil {
		return models.AnalysisTask{}, errors.Wrapf(err, "get task %s", taskID)
	}
	return task, nil
}

// Start moves a pending task to processing.
func (ts *TaskService) Start(taskID string) error {
	return ts.inTx("Start", func(tx storage.Store) error {
		if err := tx.TransitionTaskStatus(taskID, models.PendingTaskStatus, models.ProcessingTaskStatus, ""); err != nil {
			ts.logger.Errorf("Failed to start task %s: %v", taskID, err)
			return errors.Wrapf(err, "start task %s", taskID)
		}
		return nil
	})
}

// SaveResults merges patch into the results of a processing task.
func (ts *TaskService) SaveResults(taskID string, patch models.TaskResults) error {
	return ts.inTx("SaveResults", func(tx storage.Store) error {
		if err := tx.SaveTaskResults(taskID, patch); err != nil {
			ts.logger.Errorf("Failed to save results for task %s: %v", taskID, err)
			return errors.Wrapf(err, "save results for task %s", taskID)
		}
		return nil
	})
}

// Complete stores the final report and marks the task completed atomically.
func (ts *TaskService) Complete(taskID string, report map[string]any) error {
	if report == nil {
		report = map[string]any{}
	}
	return ts.inTx("Complete", func(tx storage.Store) error {
		if err := tx.SaveTaskResults(taskID, models.TaskResults{MalwareReport: report}); err != nil {
			ts.logger.Errorf("Failed to save report for task %s: %v", taskID, err)
			return errors.Wrapf(err, "save report for task %s", taskID)
		}
		if err := tx.TransitionTaskStatus(taskID, models.ProcessingTaskStatus, models.CompletedTaskStatus, ""); err != nil {
			ts.logger.Errorf("Failed to complete task %s: %v", taskID, err)
			return errors.Wrapf(err, "complete task %s", taskID)
		}
		return nil
	})
}

// Fail marks a processing task failed with reason.
func (ts *TaskService) Fail(taskID, reason string) error {
	if reason == "" {
		reason = "unknown error"
	}
	return ts.inTx("Fail", func(tx storage.Store) error {
		if err := tx.TransitionTaskStatus(taskID, models.ProcessingTaskStatus, models.FailedTaskStatus, reason); err != nil {
			ts.logger.Errorf("Failed to mark task %s as failed: %v", taskID, err)
			return errors.Wrapf(err, "fail task %s", taskID)
		}
		return nil
	})
}

func (ts *TaskService) inTx(op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = errors.Wrap(commitErr, "commit transaction")
			}
		}
	}()

	err = fn(txStore)
	return err
}

package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ignatij/trojanwalker/internal/log"
	internal_storage "github.com/ignatij/trojanwalker/internal/storage"
	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/ignatij/trojanwalker/pkg/service"
	"github.com/ignatij/trojanwalker/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func TestSetupCLI(t *testing.T) {
	root := &cobra.Command{Use: "trojanwalker"}
	SetupCLI(root)

	for _, path := range [][]string{{"serve"}, {"analyze"}, {"task", "get"}, {"task", "lookup"}, {"task", "history"}} {
		cmd, _, err := root.Find(path)
		assert.NoError(t, err)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestWaitForTask(t *testing.T) {
	store := storage.NewMemoryStore()
	_, err := store.SaveTask(models.AnalysisTask{
		TaskID:    "t1",
		SHA256:    "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Filename:  "a.bin",
		Status:    models.PendingTaskStatus,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	assert.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.TransitionTaskStatus("t1", models.PendingTaskStatus, models.ProcessingTaskStatus, "")
		_ = store.TransitionTaskStatus("t1", models.ProcessingTaskStatus, models.FailedTaskStatus, "backend down")
	}()

	task, err := waitForTask(context.Background(), store, "t1", 5*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, models.FailedTaskStatus, task.Status)
	assert.Equal(t, "backend down", task.ErrorMessage)

	_, err = waitForTask(context.Background(), store, "missing", time.Millisecond)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWaitForTaskCancelled(t *testing.T) {
	store := storage.NewMemoryStore()
	_, err := store.SaveTask(models.AnalysisTask{TaskID: "t1", SHA256: "x", Filename: "a.bin", Status: models.PendingTaskStatus})
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	task, err := waitForTask(ctx, store, "t1", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.PendingTaskStatus, task.Status)
}

func TestPrintHistory(t *testing.T) {
	var out bytes.Buffer
	printHistory(&out, nil)
	assert.Equal(t, "No tasks found.\n", out.String())

	out.Reset()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	printHistory(&out, []models.AnalysisTask{{TaskID: "t1", Filename: "a.bin", SHA256: "abc", Status: models.CompletedTaskStatus, CreatedAt: created}})
	assert.Equal(t, "Tasks:\n- ID: t1, File: a.bin, SHA256: abc, Status: completed, Created: 2026-01-02T03:04:05Z\n", out.String())
}

// newTestStack wires a memory store to a queue whose runner completes every
// pending task with an empty report.
func newTestStack(t *testing.T) *stack {
	logger := log.GetLogger()
	artifacts, err := internal_storage.NewArtifactStore(t.TempDir())
	assert.NoError(t, err)

	st := &stack{store: storage.NewMemoryStore()}
	tasks := service.NewTaskService(st.store, logger)
	st.queue = service.NewQueue(service.RunnerFunc(func(ctx context.Context, taskID string) error {
		if err := tasks.Start(taskID); err != nil {
			return err
		}
		return tasks.Complete(taskID, map[string]any{"summary": "benign"})
	}), &st.backendLock, logger)
	st.intake = service.NewAnalysisService(st.store, artifacts, st.queue, logger)
	t.Cleanup(st.Close)
	return st
}

func TestAnalyzeRunsLeftoverTasks(t *testing.T) {
	content := []byte("0123456789")
	sha := service.Fingerprint(content)

	t.Run("PendingTaskIsResumed", func(t *testing.T) {
		st := newTestStack(t)
		_, err := st.store.SaveTask(models.AnalysisTask{
			TaskID: "leftover", SHA256: sha, Filename: "a.bin", Status: models.PendingTaskStatus,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
		assert.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		task, err := st.analyze(ctx, "a.bin", content)
		assert.NoError(t, err)
		assert.Equal(t, "leftover", task.TaskID)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
	})

	t.Run("InterruptedTaskIsReplaced", func(t *testing.T) {
		st := newTestStack(t)
		_, err := st.store.SaveTask(models.AnalysisTask{
			TaskID: "interrupted", SHA256: sha, Filename: "a.bin", Status: models.PendingTaskStatus,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
		assert.NoError(t, err)
		assert.NoError(t, st.store.TransitionTaskStatus("interrupted", models.PendingTaskStatus, models.ProcessingTaskStatus, ""))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		task, err := st.analyze(ctx, "a.bin", content)
		assert.NoError(t, err)
		assert.NotEqual(t, "interrupted", task.TaskID)
		assert.Equal(t, models.CompletedTaskStatus, task.Status)

		old, err := st.store.GetTask("interrupted")
		assert.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, old.Status)
	})
}

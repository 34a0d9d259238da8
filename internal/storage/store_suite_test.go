package storage_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/ignatij/trojanwalker/pkg/storage"
	"github.com/stretchr/testify/assert"
)

const (
	shaA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	shaB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	shaC = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

func pendingTask(id, sha string, created time.Time) models.AnalysisTask {
	return models.AnalysisTask{
		TaskID:    id,
		SHA256:    sha,
		Filename:  "a.bin",
		FilePath:  "/data/uploads/" + sha + "_a.bin",
		Status:    models.PendingTaskStatus,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// runStoreSuite exercises a Store implementation; newStore must return an
// empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("SaveTask", func(t *testing.T) {
		store := newStore(t)
		id, err := store.SaveTask(pendingTask("t1", shaA, time.Now()))
		assert.NoError(t, err)
		assert.Greater(t, id, int64(0))

		saved, err := store.GetTask("t1")
		assert.NoError(t, err)
		assert.Equal(t, id, saved.ID)
		assert.Equal(t, shaA, saved.SHA256)
		assert.Equal(t, "a.bin", saved.Filename)
		assert.Equal(t, models.PendingTaskStatus, saved.Status)
		assert.True(t, saved.Results.IsEmpty())
		assert.Nil(t, saved.FinishedAt)
	})

	t.Run("GetNonExistingTask", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetTask("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetLatestByFingerprint(shaA)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DuplicateActiveFingerprint", func(t *testing.T) {
		store := newStore(t)
		_, err := store.SaveTask(pendingTask("t1", shaA, time.Now()))
		assert.NoError(t, err)
		_, err = store.SaveTask(pendingTask("t2", shaA, time.Now()))
		assert.ErrorIs(t, err, storage.ErrDuplicateFingerprint)

		active, err := store.FindActiveByFingerprint(shaA)
		assert.NoError(t, err)
		assert.Equal(t, "t1", active.TaskID)
	})

	t.Run("FailedTaskIsSuperseded", func(t *testing.T) {
		store := newStore(t)
		_, err := store.SaveTask(pendingTask("t1", shaA, time.Now().Add(-time.Hour)))
		assert.NoError(t, err)
		assert.NoError(t, store.TransitionTaskStatus("t1", models.PendingTaskStatus, models.ProcessingTaskStatus, ""))
		assert.NoError(t, store.TransitionTaskStatus("t1", models.ProcessingTaskStatus, models.FailedTaskStatus, "backend down"))

		_, err = store.FindActiveByFingerprint(shaA)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = store.SaveTask(pendingTask("t2", shaA, time.Now()))
		assert.NoError(t, err)
		latest, err := store.GetLatestByFingerprint(shaA)
		assert.NoError(t, err)
		assert.Equal(t, "t2", latest.TaskID)

		failed, err := store.GetTask("t1")
		assert.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, failed.Status)
		assert.Equal(t, "backend down", failed.ErrorMessage)
		assert.NotNil(t, failed.FinishedAt)
	})

	t.Run("TransitionTaskStatus", func(t *testing.T) {
		store := newStore(t)
		_, err := store.SaveTask(pendingTask("t1", shaA, time.Now()))
		assert.NoError(t, err)

		err = store.TransitionTaskStatus("t1", models.ProcessingTaskStatus, models.CompletedTaskStatus, "")
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)
		err = store.TransitionTaskStatus("missing", models.PendingTaskStatus, models.ProcessingTaskStatus, "")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, store.TransitionTaskStatus("t1", models.PendingTaskStatus, models.ProcessingTaskStatus, ""))
		processing, err := store.GetTask("t1")
		assert.NoError(t, err)
		assert.Equal(t, models.ProcessingTaskStatus, processing.Status)
		assert.Nil(t, processing.FinishedAt)

		assert.NoError(t, store.TransitionTaskStatus("t1", models.ProcessingTaskStatus, models.CompletedTaskStatus, ""))
		completed, err := store.GetTask("t1")
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, completed.Status)
		assert.NotNil(t, completed.FinishedAt)
	})

	t.Run("ResultsRoundTrip", func(t *testing.T) {
		store := newStore(t)
		_, err := store.SaveTask(pendingTask("t1", shaA, time.Now()))
		assert.NoError(t, err)
		assert.NoError(t, store.TransitionTaskStatus("t1", models.PendingTaskStatus, models.ProcessingTaskStatus, ""))

		stage4 := models.TaskResults{
			Metadata:  map[string]any{"arch": "x86", "bits": float64(64)},
			Functions: []models.Function{{Name: "fcn.1000", Offset: 4096, Size: 10}},
			Strings:   []string{},
			CallGraph: json.RawMessage(`{"nodes":[]}`),
		}
		assert.NoError(t, store.SaveTaskResults("t1", stage4))
		assert.NoError(t, store.SaveTaskResults("t1", models.TaskResults{
			DecompiledCode: []models.DecompiledUnit{{Name: "fcn.1000", Code: "int f(){return 0;}"}},
			FunctionAnalyses: []models.UnitAnalysis{
				{Name: "fcn.1000", Result: models.UnitSuccess{Findings: map[string]any{"attack_matches": []any{}}}},
				{Name: "main", Result: models.UnitFailure{Reason: "timeout"}},
			},
		}))

		got, err := store.GetTask("t1")
		assert.NoError(t, err)
		assert.Equal(t, stage4.Metadata, got.Results.Metadata)
		assert.Equal(t, stage4.Functions, got.Results.Functions)
		assert.NotNil(t, got.Results.Strings)
		assert.Empty(t, got.Results.Strings)
		assert.JSONEq(t, `{"nodes":[]}`, string(got.Results.CallGraph))
		assert.Len(t, got.Results.DecompiledCode, 1)
		assert.Len(t, got.Results.FunctionAnalyses, 2)
		assert.IsType(t, models.UnitSuccess{}, got.Results.FunctionAnalyses[0].Result)
		assert.Equal(t, models.UnitFailure{Reason: "timeout"}, got.Results.FunctionAnalyses[1].Result)
		assert.Nil(t, got.Results.MalwareReport)
	})

	t.Run("TerminalTaskIsImmutable", func(t *testing.T) {
		store := newStore(t)
		_, err := store.SaveTask(pendingTask("t1", shaA, time.Now()))
		assert.NoError(t, err)
		assert.NoError(t, store.TransitionTaskStatus("t1", models.PendingTaskStatus, models.ProcessingTaskStatus, ""))
		assert.NoError(t, store.SaveTaskResults("t1", models.TaskResults{MalwareReport: map[string]any{"summary": "benign"}}))
		assert.NoError(t, store.TransitionTaskStatus("t1", models.ProcessingTaskStatus, models.CompletedTaskStatus, ""))

		err = store.SaveTaskResults("t1", models.TaskResults{MalwareReport: map[string]any{"summary": "evil"}})
		assert.ErrorIs(t, err, storage.ErrTaskFinalized)
		err = store.TransitionTaskStatus("t1", models.ProcessingTaskStatus, models.FailedTaskStatus, "late failure")
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)

		got, err := store.GetTask("t1")
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, got.Status)
		assert.Equal(t, "benign", got.Results.MalwareReport["summary"])
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("ListTasks", func(t *testing.T) {
		store := newStore(t)
		now := time.Now()
		_, err := store.SaveTask(pendingTask("t1", shaA, now.Add(-2*time.Hour)))
		assert.NoError(t, err)
		_, err = store.SaveTask(pendingTask("t2", shaB, now.Add(-1*time.Hour)))
		assert.NoError(t, err)
		_, err = store.SaveTask(pendingTask("t3", shaC, now))
		assert.NoError(t, err)
		assert.NoError(t, store.TransitionTaskStatus("t2", models.PendingTaskStatus, models.ProcessingTaskStatus, ""))

		recent, err := store.ListTasks(storage.TaskQuery{Limit: 2})
		assert.NoError(t, err)
		assert.Len(t, recent, 2)
		assert.Equal(t, "t3", recent[0].TaskID)
		assert.Equal(t, "t2", recent[1].TaskID)

		pending, err := store.ListTasks(storage.TaskQuery{Status: models.PendingTaskStatus, Oldest: true})
		assert.NoError(t, err)
		assert.Len(t, pending, 2)
		assert.Equal(t, "t1", pending[0].TaskID)
		assert.Equal(t, "t3", pending[1].TaskID)
	})
}

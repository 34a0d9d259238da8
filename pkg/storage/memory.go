package storage

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/pkg/errors"
)

// MemoryStore implements Store in process memory. Writes are applied
// immediately; a transaction keeps an undo log so Rollback restores the
// tasks it touched.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]models.AnalysisTask
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]models.AnalysisTask)}
}

func (m *MemoryStore) Begin() (Store, error) {
	return &memoryTx{store: m, undo: make(map[string]*models.AnalysisTask)}, nil
}

func (m *MemoryStore) Commit() error {
	return errors.New("cannot commit: not a transaction")
}

func (m *MemoryStore) Rollback() error {
	return errors.New("cannot rollback: not a transaction")
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) SaveTask(t models.AnalysisTask) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(t)
}

func (m *MemoryStore) saveLocked(t models.AnalysisTask) (int64, error) {
	if _, exists := m.tasks[t.TaskID]; exists {
		return 0, errors.Errorf("task %s already exists", t.TaskID)
	}
	if t.Status.IsActive() {
		for _, existing := range m.tasks {
			if existing.SHA256 == t.SHA256 && existing.Status.IsActive() {
				return 0, ErrDuplicateFingerprint
			}
		}
	}
	stored, err := cloneTask(t)
	if err != nil {
		return 0, err
	}
	m.nextID++
	stored.ID = m.nextID
	m.tasks[t.TaskID] = stored
	return stored.ID, nil
}

func (m *MemoryStore) GetTask(taskID string) (models.AnalysisTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return models.AnalysisTask{}, ErrNotFound
	}
	return cloneTask(t)
}

func (m *MemoryStore) FindActiveByFingerprint(sha256 string) (models.AnalysisTask, error) {
	return m.latest(func(t models.AnalysisTask) bool {
		return t.SHA256 == sha256 && t.Status.IsActive()
	})
}

func (m *MemoryStore) GetLatestByFingerprint(sha256 string) (models.AnalysisTask, error) {
	return m.latest(func(t models.AnalysisTask) bool { return t.SHA256 == sha256 })
}

func (m *MemoryStore) latest(match func(models.AnalysisTask) bool) (models.AnalysisTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.AnalysisTask
	for _, t := range m.tasks {
		if !match(t) {
			continue
		}
		if found == nil || t.ID > found.ID {
			candidate := t
			found = &candidate
		}
	}
	if found == nil {
		return models.AnalysisTask{}, ErrNotFound
	}
	return cloneTask(*found)
}

func (m *MemoryStore) ListTasks(q TaskQuery) ([]models.AnalysisTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := []models.AnalysisTask{}
	for _, t := range m.tasks {
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		c, err := cloneTask(t)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, c)
	}
	// insertion order stands in for creation order
	sort.Slice(tasks, func(i, j int) bool {
		if q.Oldest {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].ID > tasks[j].ID
	})
	if q.Limit > 0 && len(tasks) > q.Limit {
		tasks = tasks[:q.Limit]
	}
	return tasks, nil
}

func (m *MemoryStore) TransitionTaskStatus(taskID string, from, to models.TaskStatus, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(taskID, from, to, errorMsg)
}

func (m *MemoryStore) transitionLocked(taskID string, from, to models.TaskStatus, errorMsg string) error {
	if !models.CanTransition(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != from {
		return errors.Wrapf(ErrInvalidTransition, "task %s is %s, expected %s", taskID, t.Status, from)
	}
	now := time.Now()
	t.Status = to
	t.ErrorMessage = errorMsg
	t.UpdatedAt = now
	if to.IsTerminal() {
		t.FinishedAt = &now
	}
	m.tasks[taskID] = t
	return nil
}

func (m *MemoryStore) SaveTaskResults(taskID string, patch models.TaskResults) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveResultsLocked(taskID, patch)
}

func (m *MemoryStore) saveResultsLocked(taskID string, patch models.TaskResults) error {
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status.IsTerminal() {
		return errors.Wrapf(ErrTaskFinalized, "task %s is %s", taskID, t.Status)
	}
	clone, err := cloneResults(patch)
	if err != nil {
		return err
	}
	t.Results = t.Results.Merge(clone)
	t.UpdatedAt = time.Now()
	m.tasks[taskID] = t
	return nil
}

// memoryTx applies writes directly to the parent store and remembers the
// prior version of every task it touches.
type memoryTx struct {
	store *MemoryStore
	undo  map[string]*models.AnalysisTask // nil entry: task created by this tx
	done  bool
}

func (tx *memoryTx) Begin() (Store, error) {
	return nil, errors.New("cannot begin: already in a transaction")
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for id, prev := range tx.undo {
		if prev == nil {
			delete(tx.store.tasks, id)
			continue
		}
		tx.store.tasks[id] = *prev
	}
	return nil
}

func (tx *memoryTx) Close() error { return nil }

func (tx *memoryTx) remember(taskID string) {
	if _, seen := tx.undo[taskID]; seen {
		return
	}
	if t, ok := tx.store.tasks[taskID]; ok {
		prev := t
		tx.undo[taskID] = &prev
	}
}

func (tx *memoryTx) SaveTask(t models.AnalysisTask) (int64, error) {
	if tx.done {
		return 0, errors.New("transaction already finished")
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	id, err := tx.store.saveLocked(t)
	if err != nil {
		return 0, err
	}
	tx.undo[t.TaskID] = nil
	return id, nil
}

func (tx *memoryTx) GetTask(taskID string) (models.AnalysisTask, error) {
	return tx.store.GetTask(taskID)
}

func (tx *memoryTx) FindActiveByFingerprint(sha256 string) (models.AnalysisTask, error) {
	return tx.store.FindActiveByFingerprint(sha256)
}

func (tx *memoryTx) GetLatestByFingerprint(sha256 string) (models.AnalysisTask, error) {
	return tx.store.GetLatestByFingerprint(sha256)
}

func (tx *memoryTx) ListTasks(q TaskQuery) ([]models.AnalysisTask, error) {
	return tx.store.ListTasks(q)
}

func (tx *memoryTx) TransitionTaskStatus(taskID string, from, to models.TaskStatus, errorMsg string) error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.remember(taskID)
	return tx.store.transitionLocked(taskID, from, to, errorMsg)
}

func (tx *memoryTx) SaveTaskResults(taskID string, patch models.TaskResults) error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.remember(taskID)
	return tx.store.saveResultsLocked(taskID, patch)
}

func cloneTask(t models.AnalysisTask) (models.AnalysisTask, error) {
	results, err := cloneResults(t.Results)
	if err != nil {
		return models.AnalysisTask{}, err
	}
	t.Results = results
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		t.FinishedAt = &finished
	}
	return t, nil
}

// cloneResults deep-copies a bundle field by field so nil fields stay nil.
func cloneResults(r models.TaskResults) (models.TaskResults, error) {
	var out models.TaskResults
	if err := cloneJSON(r.Metadata, &out.Metadata); err != nil {
		return out, err
	}
	if err := cloneJSON(r.Functions, &out.Functions); err != nil {
		return out, err
	}
	if err := cloneJSON(r.Strings, &out.Strings); err != nil {
		return out, err
	}
	if r.CallGraph != nil {
		out.CallGraph = append(json.RawMessage{}, r.CallGraph...)
	}
	if err := cloneJSON(r.DecompiledCode, &out.DecompiledCode); err != nil {
		return out, err
	}
	if err := cloneJSON(r.FunctionAnalyses, &out.FunctionAnalyses); err != nil {
		return out, err
	}
	if err := cloneJSON(r.MalwareReport, &out.MalwareReport); err != nil {
		return out, err
	}
	return out, nil
}

func cloneJSON[T any](in T, out *T) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "clone results")
	}
	if string(raw) == "null" {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "clone results")
}

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/ignatij/trojanwalker/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

// SQLStore persists analysis tasks in PostgreSQL or SQLite. Queries are
// written with '?' placeholders and rebound for the active driver.
type SQLStore struct {
	db DBInterface
}

// NewSQLStore opens a store for driver. For SQLite, dsn is a file path.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverPostgres:
		db, err = sqlx.Open("postgres", dsn)
	case DriverSQLite:
		db, err = sqlx.Open("sqlite", SQLiteDSN(dsn))
		if err == nil {
			// WAL lets readers run beside the single writer
			db.SetMaxOpenConns(sqliteMaxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

const sqliteMaxOpenConns = 4

// SQLiteDSN turns a database file path into a modernc.org/sqlite DSN.
// Transactions start IMMEDIATE so that concurrent writers queue on the busy
// timeout instead of failing when a read lock is upgraded.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate&_time_format=sqlite"
}

func (s *SQLStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &SQLStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *SQLStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *SQLStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *SQLStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

const taskColumns = `id, task_id, sha256, filename, file_path, status,
	metadata_info, functions, strings, callgraph, decompiled_code, function_analyses, malware_report,
	error_message, created_at, updated_at, finished_at`

// taskRow mirrors analysis_tasks; JSON columns are scanned raw and decoded
// into the results bundle.
type taskRow struct {
	ID               int64      `db:"id"`
	TaskID           string     `db:"task_id"`
	SHA256           string     `db:"sha256"`
	Filename         string     `db:"filename"`
	FilePath         string     `db:"file_path"`
	Status           string     `db:"status"`
	Metadata         []byte     `db:"metadata_info"`
	Functions        []byte     `db:"functions"`
	Strings          []byte     `db:"strings"`
	CallGraph        []byte     `db:"callgraph"`
	DecompiledCode   []byte     `db:"decompiled_code"`
	FunctionAnalyses []byte     `db:"function_analyses"`
	MalwareReport    []byte     `db:"malware_report"`
	ErrorMessage     string     `db:"error_message"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	FinishedAt       *time.Time `db:"finished_at"`
}

func (r taskRow) toModel() (models.AnalysisTask, error) {
	t := models.AnalysisTask{
		ID:           r.ID,
		TaskID:       r.TaskID,
		SHA256:       r.SHA256,
		Filename:     r.Filename,
		FilePath:     r.FilePath,
		Status:       models.TaskStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		FinishedAt:   r.FinishedAt,
	}
	decode := []struct {
		column string
		raw    []byte
		dest   any
	}{
		{"metadata_info", r.Metadata, &t.Results.Metadata},
		{"functions", r.Functions, &t.Results.Functions},
		{"strings", r.Strings, &t.Results.Strings},
		{"decompiled_code", r.DecompiledCode, &t.Results.DecompiledCode},
		{"function_analyses", r.FunctionAnalyses, &t.Results.FunctionAnalyses},
		{"malware_report", r.MalwareReport, &t.Results.MalwareReport},
	}
	for _, d := range decode {
		if d.raw == nil {
			continue
		}
		if err := json.Unmarshal(d.raw, d.dest); err != nil {
			return models.AnalysisTask{}, errors.Wrapf(err, "decode %s of task %s", d.column, r.TaskID)
		}
	}
	if r.CallGraph != nil {
		t.Results.CallGraph = json.RawMessage(append([]byte{}, r.CallGraph...))
	}
	return t, nil
}

// SaveTask inserts a new task and returns its numeric key
func (s *SQLStore) SaveTask(t models.AnalysisTask) (int64, error) {
	var id int64
	// the conflict target names the partial index, so a second active task
	// for a fingerprint yields no row instead of aborting the transaction
	err := s.db.QueryRowx(s.db.Rebind(`
		INSERT INTO analysis_tasks (task_id, sha256, filename, file_path, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sha256) WHERE status IN ('pending', 'processing', 'completed') DO NOTHING
		RETURNING id`),
		t.TaskID, t.SHA256, t.Filename, t.FilePath, t.Status, t.ErrorMessage, t.CreatedAt, t.UpdatedAt).Scan(&id)
	if err == sql.ErrNoRows || isUniqueViolation(err) {
		return 0, storage.ErrDuplicateFingerprint
	}
	if err != nil {
		return 0, fmt.Errorf("save task: %w", err)
	}
	if !t.Results.IsEmpty() {
		if err := s.SaveTaskResults(t.TaskID, t.Results); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (s *SQLStore) getOne(query string, args ...interface{}) (models.AnalysisTask, error) {
	var row taskRow
	err := s.db.Get(&row, s.db.Rebind(query), args...)
	if err == sql.ErrNoRows {
		return models.AnalysisTask{}, storage.ErrNotFound
	}
	if err != nil {
		return models.AnalysisTask{}, err
	}
	return row.toModel()
}

// GetTask retrieves a task by its external id
func (s *SQLStore) GetTask(taskID string) (models.AnalysisTask, error) {
	return s.getOne("SELECT "+taskColumns+" FROM analysis_tasks WHERE task_id = ?", taskID)
}

func (s *SQLStore) FindActiveByFingerprint(sha256 string) (models.AnalysisTask, error) {
	return s.getOne(`SELECT `+taskColumns+` FROM analysis_tasks
		WHERE sha256 = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		sha256, models.PendingTaskStatus, models.ProcessingTaskStatus, models.CompletedTaskStatus)
}

func (s *SQLStore) GetLatestByFingerprint(sha256 string) (models.AnalysisTask, error) {
	return s.getOne(`SELECT `+taskColumns+` FROM analysis_tasks
		WHERE sha256 = ? ORDER BY created_at DESC, id DESC LIMIT 1`, sha256)
}

func (s *SQLStore) ListTasks(q storage.TaskQuery) ([]models.AnalysisTask, error) {
	query := "SELECT " + taskColumns + " FROM analysis_tasks"
	var args []interface{}
	if q.Status != "" {
		query += " WHERE status = ?"
		args = append(args, q.Status)
	}
	if q.Oldest {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows := []taskRow{}
	if err := s.db.Select(&rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	tasks := make([]models.AnalysisTask, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// TransitionTaskStatus moves a task from one status to another only if it is
// still in the expected status
func (s *SQLStore) TransitionTaskStatus(taskID string, from, to models.TaskStatus, errorMsg string) error {
	if !models.CanTransition(from, to) {
		return errors.Wrapf(storage.ErrInvalidTransition, "%s -> %s", from, to)
	}
	now := time.Now()
	query := "UPDATE analysis_tasks SET status = ?, error_message = ?, updated_at = ?"
	args := []interface{}{to, errorMsg, now}
	if to.IsTerminal() {
		query += ", finished_at = ?"
		args = append(args, now)
	}
	query += " WHERE task_id = ? AND status = ?"
	args = append(args, taskID, from)

	res, err := s.db.Exec(s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("transition task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetTask(taskID)
		if err != nil {
			return err
		}
		return errors.Wrapf(storage.ErrInvalidTransition, "task %s is %s, expected %s", taskID, current.Status, from)
	}
	return nil
}

// SaveTaskResults writes the non-nil fields of patch. Finalized tasks are
// left untouched.
func (s *SQLStore) SaveTaskResults(taskID string, patch models.TaskResults) error {
	var (
		sets []string
		args []interface{}
	)
	add := func(column string, value any, set bool) error {
		if !set {
			return nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "encode %s", column)
		}
		sets = append(sets, column+" = ?")
		// text, not []byte: lib/pq would send a bytea literal to a jsonb column
		args = append(args, string(raw))
		return nil
	}
	fields := []struct {
		column string
		value  any
		set    bool
	}{
		{"metadata_info", patch.Metadata, patch.Metadata != nil},
		{"functions", patch.Functions, patch.Functions != nil},
		{"strings", patch.Strings, patch.Strings != nil},
		{"callgraph", patch.CallGraph, patch.CallGraph != nil},
		{"decompiled_code", patch.DecompiledCode, patch.DecompiledCode != nil},
		{"function_analyses", patch.FunctionAnalyses, patch.FunctionAnalyses != nil},
		{"malware_report", patch.MalwareReport, patch.MalwareReport != nil},
	}
	for _, f := range fields {
		if err := add(f.column, f.value, f.set); err != nil {
			return err
		}
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now(), taskID, models.CompletedTaskStatus, models.FailedTaskStatus)
	query := "UPDATE analysis_tasks SET " + strings.Join(sets, ", ") +
		" WHERE task_id = ? AND status NOT IN (?, ?)"

	res, err := s.db.Exec(s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("save results of task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetTask(taskID)
		if err != nil {
			return err
		}
		return errors.Wrapf(storage.ErrTaskFinalized, "task %s is %s", taskID, current.Status)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

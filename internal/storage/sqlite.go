package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the pipeline cache, session
// pointers, and background tasks.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "tempo.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in
// ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// --- Cache entries ---

// SaveCacheEntry upserts a cache entry. Payloads for one (stage, hash)
// key are byte-identical by construction, so the overwrite is
// idempotent and concurrent writers are benign.
func (s *Store) SaveCacheEntry(e CacheEntry) error {
	var expires any
	if e.ExpiresAt != nil {
		expires = fmtTime(*e.ExpiresAt)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (stage, input_hash, input_data, result_data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(stage, input_hash) DO UPDATE SET
			input_data = excluded.input_data,
			result_data = excluded.result_data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		e.Stage, e.InputHash, e.InputData, e.ResultData, fmtTime(createdAt), expires,
	)
	return err
}

// GetCacheEntry returns the entry for (stage, hash). An entry whose
// expires_at has passed is reported as ErrNotFound but is not deleted;
// removal is the sweeper's job.
func (s *Store) GetCacheEntry(stage, hash string) (CacheEntry, error) {
	var e CacheEntry
	var createdAt string
	var expiresAt sql.NullString
	err := s.db.QueryRow(`
		SELECT stage, input_hash, input_data, result_data, created_at, expires_at
		FROM cache_entries WHERE stage = ? AND input_hash = ?`, stage, hash,
	).Scan(&e.Stage, &e.InputHash, &e.InputData, &e.ResultData, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}

	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return CacheEntry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return CacheEntry{}, fmt.Errorf("parsing expires_at: %w", err)
		}
		e.ExpiresAt = &t
		if !t.After(time.Now()) {
			return CacheEntry{}, ErrNotFound
		}
	}
	return e, nil
}

// DeleteExpiredCacheEntries removes entries whose expiry has passed and
// returns the number of deleted rows.
func (s *Store) DeleteExpiredCacheEntries() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		fmtTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetCacheStats reports entry counts per stage and the number of
// expired-but-unswept rows.
func (s *Store) GetCacheStats() (CacheStats, error) {
	stats := CacheStats{ByStage: make(map[string]int)}

	rows, err := s.db.Query(`SELECT stage, COUNT(*) FROM cache_entries GROUP BY stage`)
	if err != nil {
		return CacheStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return CacheStats{}, err
		}
		stats.ByStage[stage] = n
		stats.TotalEntries += n
	}
	if err := rows.Err(); err != nil {
		return CacheStats{}, err
	}

	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		fmtTime(time.Now()),
	).Scan(&stats.Expired)
	if err != nil {
		return CacheStats{}, err
	}
	return stats, nil
}

// --- Sessions ---

// UpsertSession records the latest cache chain for a session.
func (s *Store) UpsertSession(sessionID, importHash, enrichHash, analyzeHash string) error {
	now := fmtTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, import_hash, enrich_hash, analyze_hash, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			import_hash = excluded.import_hash,
			enrich_hash = excluded.enrich_hash,
			analyze_hash = excluded.analyze_hash,
			last_accessed = excluded.last_accessed`,
		sessionID, importHash, enrichHash, analyzeHash, now, now,
	)
	return err
}

// GetSession returns the session pointer and bumps last_accessed.
func (s *Store) GetSession(sessionID string) (Session, error) {
	var sess Session
	var createdAt, lastAccessed string
	err := s.db.QueryRow(`
		SELECT session_id, import_hash, enrich_hash, analyze_hash, created_at, last_accessed
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.ImportHash, &sess.EnrichHash, &sess.AnalyzeHash, &createdAt, &lastAccessed)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.LastAccessed, err = parseTime(lastAccessed); err != nil {
		return Session{}, fmt.Errorf("parsing last_accessed: %w", err)
	}

	_, err = s.db.Exec(`UPDATE sessions SET last_accessed = ? WHERE session_id = ?`,
		fmtTime(time.Now()), sessionID)
	return sess, err
}

// --- Tasks ---

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(t Task) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := t.Status
	if status == "" {
		status = TaskPending
	}
	stage := t.CurrentStage
	if stage == "" {
		stage = TaskPending
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (task_id, session_id, status, progress, current_stage, input_data, use_cache, use_llm, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.SessionID, status, t.Progress, stage, t.InputData,
		boolInt(t.UseCache), boolInt(t.UseLLM), fmtTime(createdAt),
	)
	return err
}

// ClaimNextTask atomically transitions the oldest pending task to
// running and returns it. Returns (nil, nil) when no task is pending.
// The transactional status guard makes the claim exactly-once even
// with multiple runners polling the store.
func (s *Store) ClaimNextTask() (*Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var taskID string
	err = tx.QueryRow(`SELECT task_id FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT 1`,
		TaskPending).Scan(&taskID)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	now := fmtTime(time.Now())
	res, err := tx.Exec(`UPDATE tasks SET status = ?, started_at = ? WHERE task_id = ? AND status = ?`,
		TaskRunning, now, taskID, TaskPending)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTaskProgress sets the current stage and progress of a running
// task. Progress never regresses: the guard keeps polls monotonic even
// if updates arrive out of order.
func (s *Store) UpdateTaskProgress(taskID string, progress int, currentStage string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET progress = ?, current_stage = ?
		WHERE task_id = ? AND status = ? AND progress <= ?`,
		progress, currentStage, taskID, TaskRunning, progress)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskStageResult attaches one stage's hash and result payload to a
// running task. Partial results survive a later failure for diagnostics.
func (s *Store) SetTaskStageResult(taskID, stage, hash, resultJSON string) error {
	var col string
	switch stage {
	case "import":
		col = "import"
	case "enrich":
		col = "enrich"
	case "analyze":
		col = "analyze"
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	query := fmt.Sprintf(`UPDATE tasks SET %s_hash = ?, %s_result = ? WHERE task_id = ? AND status = ?`, col, col)
	res, err := s.db.Exec(query, hash, resultJSON, taskID, TaskRunning)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask transitions running → completed and forces progress 100.
func (s *Store) CompleteTask(taskID string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, progress = 100, current_stage = ?, completed_at = ?
		WHERE task_id = ? AND status = ?`,
		TaskCompleted, TaskCompleted, fmtTime(time.Now()), taskID, TaskRunning)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask transitions running → failed and records which stage broke.
func (s *Store) FailTask(taskID, stage, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, current_stage = ?, error_message = ?, completed_at = ?
		WHERE task_id = ? AND status = ?`,
		TaskFailed, stage, errMsg, fmtTime(time.Now()), taskID, TaskRunning)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancelTask cancels a pending task immediately, or flags a
// running task for cooperative cancellation at the next stage boundary.
// Returns false when the task is already terminal or unknown.
func (s *Store) RequestCancelTask(taskID string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning cancel transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	switch status {
	case TaskPending:
		_, err = tx.Exec(`
			UPDATE tasks SET status = ?, current_stage = ?, completed_at = ?
			WHERE task_id = ? AND status = ?`,
			TaskCancelled, TaskCancelled, fmtTime(time.Now()), taskID, TaskPending)
	case TaskRunning:
		_, err = tx.Exec(`UPDATE tasks SET cancel_requested = 1 WHERE task_id = ? AND status = ?`,
			taskID, TaskRunning)
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// TaskCancelRequested reports whether cancellation has been requested.
func (s *Store) TaskCancelRequested(taskID string) (bool, error) {
	var v int
	err := s.db.QueryRow(`SELECT cancel_requested FROM tasks WHERE task_id = ?`, taskID).Scan(&v)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// MarkTaskCancelled transitions running → cancelled after the runner
// observed a cancellation request at a stage boundary.
func (s *Store) MarkTaskCancelled(taskID string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, current_stage = ?, completed_at = ?
		WHERE task_id = ? AND status = ?`,
		TaskCancelled, TaskCancelled, fmtTime(time.Now()), taskID, TaskRunning)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask returns a task by ID.
func (s *Store) GetTask(taskID string) (Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks, newest first, optionally filtered by session
// and status.
func (s *Store) ListTasks(sessionID, status string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := taskSelect
	var conds []string
	var args []any
	if sessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, sessionID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTasksOlderThan removes terminal tasks created more than the
// given number of days ago.
func (s *Store) DeleteTasksOlderThan(days int) (int64, error) {
	cutoff := fmtTime(time.Now().AddDate(0, 0, -days))
	res, err := s.db.Exec(`
		DELETE FROM tasks WHERE status IN (?, ?, ?) AND created_at < ?`,
		TaskCompleted, TaskFailed, TaskCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const taskSelect = `
	SELECT task_id, session_id, status, progress, current_stage, input_data,
		import_hash, import_result, enrich_hash, enrich_result, analyze_hash, analyze_result,
		error_message, use_cache, use_llm, cancel_requested,
		created_at, started_at, completed_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var useCache, useLLM, cancelRequested int
	var createdAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(
		&t.TaskID, &t.SessionID, &t.Status, &t.Progress, &t.CurrentStage, &t.InputData,
		&t.ImportHash, &t.ImportResult, &t.EnrichHash, &t.EnrichResult, &t.AnalyzeHash, &t.AnalyzeResult,
		&t.ErrorMessage, &useCache, &useLLM, &cancelRequested,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return Task{}, err
	}
	t.UseCache = useCache != 0
	t.UseLLM = useLLM != 0
	t.CancelRequested = cancelRequested != 0
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if startedAt.Valid {
		ts, err := parseTime(startedAt.String)
		if err != nil {
			return Task{}, fmt.Errorf("parsing started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return Task{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

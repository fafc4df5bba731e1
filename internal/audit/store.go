package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shehryarbajwa/examflow/pkg/models"
)

// ErrRunNotFound is returned when no run has the requested id
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS automation_sessions (
	id             TEXT PRIMARY KEY,
	exam_id        TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	status         TEXT NOT NULL,
	current_step   TEXT NOT NULL DEFAULT '',
	progress       INTEGER NOT NULL DEFAULT 0,
	result_message TEXT NOT NULL DEFAULT '',
	started_at     INTEGER NOT NULL,
	completed_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_automation_sessions_user ON automation_sessions(user_id, started_at);
CREATE INDEX IF NOT EXISTS idx_automation_sessions_exam ON automation_sessions(exam_id, started_at);

CREATE TABLE IF NOT EXISTS automation_session_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES automation_sessions(id) ON DELETE CASCADE,
	message    TEXT NOT NULL,
	level      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_automation_session_logs_session ON automation_session_logs(session_id, id);
`

// Store persists worker runs and their log lines in SQLite
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or updates a run
func (s *Store) SaveRun(ctx context.Context, run models.Run) error {
	var completed sql.NullInt64
	if run.CompletedAt != nil {
		completed = sql.NullInt64{Int64: run.CompletedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_sessions
			(id, exam_id, user_id, status, current_step, progress, result_message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			progress = excluded.progress,
			result_message = excluded.result_message,
			completed_at = excluded.completed_at`,
		run.ID, run.ExamID, run.UserID, string(run.Status), run.CurrentStep, run.Progress,
		run.ResultMessage, run.StartedAt.UnixMilli(), completed,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// AppendLog records one log line for a run
func (s *Store) AppendLog(ctx context.Context, runID string, entry models.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_session_logs (session_id, message, level, created_at) VALUES (?, ?, ?, ?)`,
		runID, entry.Message, string(entry.Level), entry.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append log for run %s: %w", runID, err)
	}
	return nil
}

const runColumns = `id, exam_id, user_id, status, current_step, progress, result_message, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (models.Run, error) {
	var (
		run       models.Run
		status    string
		started   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.ExamID, &run.UserID, &status, &run.CurrentStep,
		&run.Progress, &run.ResultMessage, &started, &completed); err != nil {
		return models.Run{}, err
	}

	run.Status = models.RunStatus(status)
	run.StartedAt = time.UnixMilli(started).UTC()
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		run.CompletedAt = &t
	}
	return run, nil
}

// GetRun loads one run
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM automation_sessions WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	UserID string
	ExamID string
	Status models.RunStatus
	Limit  int
}

// ListRuns returns runs newest first
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM automation_sessions WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.ExamID != "" {
		query += ` AND exam_id = ?`
		args = append(args, f.ExamID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY started_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunStats aggregates runs by outcome
type RunStats struct {
	Total      int
	Successful int
	Failed     int
	Abandoned  int
	Active     int
	// AvgDuration covers finished runs only
	AvgDuration time.Duration
	LastRunAt   *time.Time
}

// SuccessRate is the share of all runs that completed, between 0 and 1
func (s RunStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total)
}

// Stats aggregates every run, or only one exam's runs when examID is set
func (s *Store) Stats(ctx context.Context, examID string) (RunStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0),
			AVG(completed_at - started_at),
			MAX(completed_at)
		FROM automation_sessions`
	args := []any{
		string(models.RunCompleted), string(models.RunFailed), string(models.RunAbandoned),
		string(models.RunRunning), string(models.RunWaitingInput),
	}
	if examID != "" {
		query += ` WHERE exam_id = ?`
		args = append(args, examID)
	}

	var (
		st      RunStats
		avgMS   sql.NullFloat64
		lastRun sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.Total, &st.Successful, &st.Failed, &st.Abandoned, &st.Active, &avgMS, &lastRun)
	if err != nil {
		return RunStats{}, fmt.Errorf("failed to aggregate runs: %w", err)
	}
	if avgMS.Valid {
		st.AvgDuration = time.Duration(avgMS.Float64 * float64(time.Millisecond))
	}
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64).UTC()
		st.LastRunAt = &t
	}
	return st, nil
}

// Logs returns a run's log lines in the order they were appended
func (s *Store) Logs(ctx context.Context, runID string) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message, level, created_at FROM automation_session_logs WHERE session_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs for run %s: %w", runID, err)
	}
	defer rows.Close()

	entries := []models.LogEntry{}
	for rows.Next() {
		var (
			entry models.LogEntry
			level string
			at    int64
		)
		if err := rows.Scan(&entry.Message, &level, &at); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		entry.Level = models.ParseLogLevel(level)
		entry.Timestamp = time.UnixMilli(at).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkUnfinishedAbandoned closes out runs left open by a previous process
func (s *Store) MarkUnfinishedAbandoned(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_sessions SET status = ?, completed_at = ?, result_message = ?
		 WHERE status IN (?, ?)`,
		string(models.RunAbandoned), at.UnixMilli(), "Worker restarted",
		string(models.RunRunning), string(models.RunWaitingInput),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon unfinished runs: %w", err)
	}
	return res.RowsAffected()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/openscans/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS worker_runs (
    id          TEXT PRIMARY KEY,
    pid         INTEGER NOT NULL,
    executable  TEXT NOT NULL,
    port        INTEGER NOT NULL,
    state       TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    started_at  DATETIME NOT NULL,
    ready_at    DATETIME,
    finished_at DATETIME
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS worker_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    stream     TEXT NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createLogLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_worker_logs_run ON worker_logs (run_id, seq)`

const createDetectionsTable = `
CREATE TABLE IF NOT EXISTS detections (
    id                 TEXT PRIMARY KEY,
    file_path          TEXT NOT NULL,
    fast_mode          BOOLEAN NOT NULL,
    outcome            TEXT NOT NULL,
    success            BOOLEAN NOT NULL,
    vertebrae_count    INTEGER NOT NULL,
    processing_time_ms REAL NOT NULL,
    status_code        INTEGER NOT NULL DEFAULT 0,
    error              TEXT NOT NULL DEFAULT '',
    duration_ms        INTEGER NOT NULL,
    created_at         DATETIME NOT NULL
)`

const runColumns = `id, pid, executable, port, state, error, started_at, ready_at, finished_at`

const detectionColumns = `id, file_path, fast_mode, outcome, success, vertebrae_count,
	processing_time_ms, status_code, error, duration_ms, created_at`

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// visible to every query.
	db.SetMaxOpenConns(1)

	for _, stmt := range []struct {
		name  string
		query string
	}{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create worker_runs table", createRunsTable},
		{"create worker_logs table", createLogLinesTable},
		{"create worker_logs index", createLogLinesIndex},
		{"create detections table", createDetectionsTable},
	} {
		if _, err := db.Exec(stmt.query); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new worker run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.WorkerRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PID, r.Executable, r.Port, r.State, r.Error,
		r.StartedAt, r.ReadyAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert worker run: %w", err)
	}
	return nil
}

// GetRun retrieves a worker run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.WorkerRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM worker_runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker run: %w", err)
	}
	return r, nil
}

// ListRuns returns a page of worker runs, newest first, along with the total count.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.WorkerRun, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM worker_runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count worker runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM worker_runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list worker runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.WorkerRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan worker run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate worker runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunState moves a run to a new state. Reaching ready stamps ready_at;
// terminal states stamp finished_at. A non-empty errMsg replaces the stored error.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, id, state, errMsg string) error {
	var current string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM worker_runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get worker run state: %w", err)
	}

	if !model.ValidRunTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	now := time.Now().UTC()
	switch {
	case state == model.RunReady:
		_, err = s.db.ExecContext(ctx,
			"UPDATE worker_runs SET state = ?, error = '', ready_at = ? WHERE id = ?",
			state, now, id,
		)
	case model.IsTerminalRun(state):
		_, err = s.db.ExecContext(ctx,
			"UPDATE worker_runs SET state = ?, error = CASE WHEN ? = '' THEN error ELSE ? END, finished_at = ? WHERE id = ?",
			state, errMsg, errMsg, now, id,
		)
	default:
		_, err = s.db.ExecContext(ctx,
			"UPDATE worker_runs SET state = ?, error = ? WHERE id = ?",
			state, errMsg, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update worker run state: %w", err)
	}
	return nil
}

// CloseStaleRuns marks every run that is not yet stopped or exited as exited
// with errMsg and returns how many were closed.
func (s *SQLiteStore) CloseStaleRuns(ctx context.Context, errMsg string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE worker_runs SET state = ?, error = ?, finished_at = ? WHERE state NOT IN (?, ?)",
		model.RunExited, errMsg, time.Now().UTC(), model.RunStopped, model.RunExited,
	)
	if err != nil {
		return 0, fmt.Errorf("close stale worker runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close stale worker runs: %w", err)
	}
	return int(n), nil
}

// InsertLogLine persists one line of captured worker output.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, runID string, seq int, stream, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO worker_logs (run_id, seq, stream, line, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, seq, stream, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all captured output for a run ordered by sequence.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, seq, stream, line, created_at FROM worker_logs WHERE run_id = ? ORDER BY seq",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Seq, &l.Stream, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// CreateDetection inserts a detection audit record.
func (s *SQLiteStore) CreateDetection(ctx context.Context, d *model.Detection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (`+detectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.FilePath, d.FastMode, d.Outcome, d.Success, d.VertebraeCount,
		d.ProcessingTimeMS, d.StatusCode, d.Error, d.DurationMS, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// ListDetections returns a page of detections, newest first, along with the total count.
func (s *SQLiteStore) ListDetections(ctx context.Context, limit, offset int) ([]*model.Detection, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count detections: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+detectionColumns+` FROM detections ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	var detections []*model.Detection
	for rows.Next() {
		d := &model.Detection{}
		if err := rows.Scan(
			&d.ID, &d.FilePath, &d.FastMode, &d.Outcome, &d.Success, &d.VertebraeCount,
			&d.ProcessingTimeMS, &d.StatusCode, &d.Error, &d.DurationMS, &d.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan detection: %w", err)
		}
		detections = append(detections, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate detections: %w", err)
	}

	return detections, total, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.WorkerRun, error) {
	r := &model.WorkerRun{}
	if err := row.Scan(
		&r.ID, &r.PID, &r.Executable, &r.Port, &r.State, &r.Error,
		&r.StartedAt, &r.ReadyAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	return r, nil
}

// File: internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
)

// SQLiteStore keeps run records in a local database file. It is the
// recorder used when no Postgres server is configured.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

var _ schemas.RunRecorder = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent runs.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, log: logger.Named("store")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug("SQLite run store ready.", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS certificate_runs (
			run_id TEXT PRIMARY KEY,
			certificate_id TEXT NOT NULL,
			status TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_count INTEGER NOT NULL,
			protocol TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			last_error TEXT,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS certificate_runs_certificate_idx ON certificate_runs (certificate_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS certificate_run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			certificate_id TEXT NOT NULL,
			type TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate sqlite store: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces the record of a run.
func (s *SQLiteStore) SaveRun(ctx context.Context, state schemas.RunState) error {
	lastErr, err := encodeErrorInfo(state.LastError)
	if err != nil {
		return err
	}
	var lastErrText, finished sql.NullString
	if lastErr != nil {
		lastErrText = sql.NullString{String: string(lastErr), Valid: true}
	}
	if state.FinishedAt != nil {
		finished = sql.NullString{String: formatTime(*state.FinishedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO certificate_runs (run_id, certificate_id, status, step_index, step_count, protocol, message, last_error, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			step_index = excluded.step_index,
			step_count = excluded.step_count,
			protocol = excluded.protocol,
			message = excluded.message,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at`,
		state.RunID, state.CertificateID, string(state.Status), state.StepIndex, state.StepCount,
		state.Protocol, state.Message, lastErrText,
		formatTime(state.StartedAt), formatTime(state.UpdatedAt), finished,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	return nil
}

// AppendEvent stores a progress event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev schemas.ProgressEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO certificate_run_events (run_id, certificate_id, type, step_index, action, message, status, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.CertificateID, string(ev.Type), ev.StepIndex,
		string(ev.Action), ev.Message, string(ev.Status), formatTime(ev.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", ev.RunID, err)
	}
	return nil
}

const sqliteSelectRun = `
SELECT run_id, certificate_id, status, step_index, step_count, protocol, message, last_error, started_at, updated_at, finished_at
FROM certificate_runs
`

// GetRun loads one run record.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (schemas.RunState, error) {
	st, err := scanSQLiteRun(s.db.QueryRowContext(ctx, sqliteSelectRun+"WHERE run_id = ?", runID))
	if errors.Is(err, sql.ErrNoRows) {
		return schemas.RunState{}, schemas.NewError(schemas.KindNotFound, "run %q not found", runID)
	}
	if err != nil {
		return schemas.RunState{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return st, nil
}

// ListRuns returns the most recent runs first, optionally for one certificate.
func (s *SQLiteStore) ListRuns(ctx context.Context, certificateID string, limit int) ([]schemas.RunState, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		sqliteSelectRun+"WHERE (? = '' OR certificate_id = ?) ORDER BY started_at DESC LIMIT ?",
		certificateID, certificateID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []schemas.RunState
	for rows.Next() {
		st, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (schemas.RunState, error) {
	var (
		st                schemas.RunState
		status            string
		lastErr, finished sql.NullString
		started, updated  string
	)
	err := row.Scan(&st.RunID, &st.CertificateID, &status, &st.StepIndex, &st.StepCount,
		&st.Protocol, &st.Message, &lastErr, &started, &updated, &finished)
	if err != nil {
		return schemas.RunState{}, err
	}
	st.Status = schemas.RunStatus(status)
	if st.StartedAt, err = parseTime(started); err != nil {
		return schemas.RunState{}, err
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return schemas.RunState{}, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return schemas.RunState{}, err
		}
		st.FinishedAt = &t
	}
	if lastErr.Valid {
		if st.LastError, err = decodeErrorInfo([]byte(lastErr.String)); err != nil {
			return schemas.RunState{}, err
		}
	}
	return st, nil
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

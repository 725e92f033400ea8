// File: internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventsChannel is the LISTEN/NOTIFY channel every appended progress event is
// published on.
const EventsChannel = "certidao_run_events"

// DefaultListLimit caps ListRuns when the caller does not.
const DefaultListLimit = 50

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL run recorder. It also reads the brokerage records
// that make up a run's data context.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ schemas.RunRecorder = (*Store)(nil)
	_ schemas.DataSource  = (*Store)(nil)
)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("store requires a database pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS certificate_runs (
    run_id         TEXT PRIMARY KEY,
    certificate_id TEXT NOT NULL,
    status         TEXT NOT NULL,
    step_index     INTEGER NOT NULL,
    step_count     INTEGER NOT NULL,
    protocol       TEXT NOT NULL DEFAULT '',
    message        TEXT NOT NULL DEFAULT '',
    last_error     JSONB,
    started_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS certificate_runs_certificate_idx ON certificate_runs (certificate_id, started_at DESC);
CREATE TABLE IF NOT EXISTS certificate_run_events (
    id             BIGSERIAL PRIMARY KEY,
    run_id         TEXT NOT NULL,
    certificate_id TEXT NOT NULL,
    type           TEXT NOT NULL,
    step_index     INTEGER NOT NULL,
    action         TEXT NOT NULL DEFAULT '',
    message        TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS certificate_run_events_run_idx ON certificate_run_events (run_id, id);
`

// EnsureSchema creates the run tables when they do not exist. The brokerage
// tables are owned by the back office and are never created here.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create run tables: %w", err)
	}
	return nil
}

const sqlUpsertRun = `
INSERT INTO certificate_runs (run_id, certificate_id, status, step_index, step_count, protocol, message, last_error, started_at, updated_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (run_id) DO UPDATE SET
    status = EXCLUDED.status,
    step_index = EXCLUDED.step_index,
    step_count = EXCLUDED.step_count,
    protocol = EXCLUDED.protocol,
    message = EXCLUDED.message,
    last_error = EXCLUDED.last_error,
    updated_at = EXCLUDED.updated_at,
    finished_at = EXCLUDED.finished_at;
`

// SaveRun inserts or replaces the record of a run.
func (s *Store) SaveRun(ctx context.Context, state schemas.RunState) error {
	lastErr, err := encodeErrorInfo(state.LastError)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, sqlUpsertRun,
		state.RunID, state.CertificateID, string(state.Status),
		state.StepIndex, state.StepCount,
		state.Protocol, state.Message, lastErr,
		state.StartedAt.UTC(), state.UpdatedAt.UTC(), utcPtr(state.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	s.log.Debug("Run record saved.", zap.String("run_id", state.RunID), zap.String("status", string(state.Status)))
	return nil
}

const sqlInsertEvent = `
WITH inserted AS (
    INSERT INTO certificate_run_events (run_id, certificate_id, type, step_index, action, message, status, at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    RETURNING id
)
SELECT pg_notify($9, $10) FROM inserted;
`

// AppendEvent stores a progress event and publishes it on EventsChannel.
func (s *Store) AppendEvent(ctx context.Context, ev schemas.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlInsertEvent,
		ev.RunID, ev.CertificateID, string(ev.Type), ev.StepIndex,
		string(ev.Action), ev.Message, string(ev.Status), ev.At.UTC(),
		EventsChannel, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", ev.RunID, err)
	}
	return nil
}

const sqlSelectRun = `
SELECT run_id, certificate_id, status, step_index, step_count, protocol, message, last_error, started_at, updated_at, finished_at
FROM certificate_runs
`

// GetRun loads one run record.
func (s *Store) GetRun(ctx context.Context, runID string) (schemas.RunState, error) {
	row := s.pool.QueryRow(ctx, sqlSelectRun+"WHERE run_id = $1", runID)
	st, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.RunState{}, schemas.NewError(schemas.KindNotFound, "run %q not found", runID)
	}
	if err != nil {
		return schemas.RunState{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return st, nil
}

// ListRuns returns the most recent runs first, optionally for one certificate.
func (s *Store) ListRuns(ctx context.Context, certificateID string, limit int) ([]schemas.RunState, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := sqlSelectRun + "WHERE ($1 = '' OR certificate_id = $1) ORDER BY started_at DESC LIMIT $2"
	rows, err := s.pool.Query(ctx, query, certificateID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []schemas.RunState
	for rows.Next() {
		st, err := scanRun(rows)
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

func scanRun(row pgx.Row) (schemas.RunState, error) {
	var (
		st       schemas.RunState
		status   string
		lastErr  []byte
		finished *time.Time
	)
	err := row.Scan(&st.RunID, &st.CertificateID, &status, &st.StepIndex, &st.StepCount,
		&st.Protocol, &st.Message, &lastErr, &st.StartedAt, &st.UpdatedAt, &finished)
	if err != nil {
		return schemas.RunState{}, err
	}
	st.Status = schemas.RunStatus(status)
	st.FinishedAt = finished
	if st.LastError, err = decodeErrorInfo(lastErr); err != nil {
		return schemas.RunState{}, err
	}
	return st, nil
}

func encodeErrorInfo(info *schemas.ErrorInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run error: %w", err)
	}
	return b, nil
}

func decodeErrorInfo(b []byte) (*schemas.ErrorInfo, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var info schemas.ErrorInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("failed to decode run error: %w", err)
	}
	return &info, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

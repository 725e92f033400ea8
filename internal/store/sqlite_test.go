// File: internal/store/sqlite_test.go
package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	s, err := OpenSQLite(context.Background(), path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_RunRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	started := time.Date(2025, 3, 10, 9, 0, 0, 123456789, time.FixedZone("BRT", -3*3600))
	running := schemas.RunState{
		RunID: "run-1", CertificateID: "receita-cnd-pf", Status: schemas.StatusRunning,
		StepIndex: 2, StepCount: 6, StartedAt: started, UpdatedAt: started,
	}
	require.NoError(t, s.SaveRun(ctx, running))

	finished := started.Add(3 * time.Minute)
	failed := running
	failed.Status = schemas.StatusFailed
	failed.UpdatedAt = finished
	failed.FinishedAt = &finished
	failed.LastError = &schemas.ErrorInfo{Kind: schemas.KindCancelled, StepIndex: 2, Action: schemas.ActionCaptchaPause, Message: "cancelled by operator"}
	require.NoError(t, s.SaveRun(ctx, failed), "saving again replaces the record")

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)

	want := failed.Clone()
	want.StartedAt = started.UTC()
	want.UpdatedAt = finished.UTC()
	utc := finished.UTC()
	want.FinishedAt = &utc
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stored run mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_GetRunNotFound(t *testing.T) {
	s := openTestSQLite(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestSQLiteStore_ListRuns(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, cert := range []string{"tst-cndt", "receita-cnd-pf", "tst-cndt", "tst-cndt"} {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.SaveRun(ctx, schemas.RunState{
			RunID: cert + "-" + at.Format("15"), CertificateID: cert,
			Status: schemas.StatusSucceeded, StartedAt: at, UpdatedAt: at,
		}))
	}

	runs, err := s.ListRuns(ctx, "tst-cndt", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "tst-cndt-03", runs[0].RunID, "newest first")
	assert.Equal(t, "tst-cndt-02", runs[1].RunID)

	all, err := s.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSQLiteStore_AppendEvent(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	for _, typ := range []schemas.EventType{schemas.EventStepCompleted, schemas.EventToast} {
		require.NoError(t, s.AppendEvent(ctx, schemas.ProgressEvent{
			RunID: "run-1", CertificateID: "tst-cndt", Type: typ,
			Status: schemas.StatusRunning, At: time.Now(),
		}))
	}

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificate_run_events WHERE run_id = ?`, "run-1").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestTimeFormatSortsLexically(t *testing.T) {
	earlier := formatTime(time.Date(2025, 1, 1, 9, 0, 0, 5, time.UTC))
	later := formatTime(time.Date(2025, 1, 1, 9, 0, 0, 40, time.UTC))
	assert.Less(t, earlier, later)

	parsed, err := parseTime(later)
	require.NoError(t, err)
	assert.Equal(t, 40, parsed.Nanosecond())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

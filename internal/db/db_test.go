package db

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scenegrid/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenInDir(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestPragmasApplied(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)

	var journalMode string
	require.NoError(t, database.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, database.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, database.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "NORMAL")

	var tempStore int
	require.NoError(t, database.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	assert.Equal(t, 2, tempStore, "MEMORY")

	var foreignKeys int
	require.NoError(t, database.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrationsCreateSchema(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)

	for _, table := range []string{"runs", "blocks", "jobs", "models", "global_models", "metric_results"} {
		var name string
		err := database.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}

	version, dirty, err := database.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	require.NoError(t, database.MigrateUp(), "second up is a no-op")
}

func TestMigrateDownAndForce(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)

	require.NoError(t, database.MigrateDown())
	version, _, err := database.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	err = database.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='metric_results'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, database.MigrateForce(1))
	require.NoError(t, database.MigrateUp())
	version, _, err = database.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestOpenRawHasNoSchema(t *testing.T) {
	t.Parallel()

	database, err := OpenRaw(filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	defer database.Close()

	version, dirty, err := database.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := RetryOnBusy(context.Background(), func() error {
		if calls.Add(1) < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	permanent := errors.New("constraint failed")
	err = RetryOnBusy(context.Background(), func() error {
		calls.Add(1)
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), calls.Load(), "non-busy errors are not retried")

	calls.Store(0)
	err = RetryOnBusy(context.Background(), func() error {
		calls.Add(1)
		return errors.New("SQLITE_BUSY")
	})
	assert.True(t, IsBusy(err))
	assert.Equal(t, int32(busyRetries), calls.Load())

	assert.False(t, IsBusy(nil))
}

func TestBackupHandler(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)
	_, err := database.Exec(`INSERT INTO runs (run_id, scene, started_at) VALUES ('r1', 'city', 1)`)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	database.serveBackup(rec, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))

	mux := http.NewServeMux()
	assert.NoError(t, database.AttachAdminRoutes(mux))
}

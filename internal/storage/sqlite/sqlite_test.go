package sqlitestorage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rollcap/recorder/internal/database"
	"github.com/rollcap/recorder/internal/model"
	"github.com/rollcap/recorder/internal/storage"
	"github.com/rollcap/recorder/pkg/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface checks
var (
	_ storage.Backend             = (*Backend)(nil)
	_ storage.PerformanceRecorder = (*Backend)(nil)
)

func TestConfigForRun(t *testing.T) {
	cfg := ConfigForRun("/tmp/run_1", time.Minute)
	assert.Equal(t, filepath.Join("/tmp/run_1", DumpFile), cfg.DumpPath)
	assert.Equal(t, time.Minute, cfg.DumpInterval)
}

func TestClose_WritesFinalDump(t *testing.T) {
	dir := t.TempDir()
	b, err := New(ConfigForRun(dir, time.Hour), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Init())

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	meta := &core.SessionMetadata{ID: "dump-test", StartedAt: start}
	require.NoError(t, b.StartSession(meta))
	require.NoError(t, b.RecordImuSamples([]core.ImuSample{
		{AccelZ: 9.81, CapturedAt: start},
		{AccelZ: 9.82, CapturedAt: start.Add(50 * time.Millisecond)},
		{AccelZ: 9.83, CapturedAt: start.Add(100 * time.Millisecond)},
	}))
	require.NoError(t, b.EndSession(meta))
	require.NoError(t, b.Close())

	db, err := database.GetSqliteDB(filepath.Join(dir, DumpFile))
	require.NoError(t, err)
	var n int64
	require.NoError(t, db.Model(&model.ImuSample{}).Count(&n).Error)
	assert.Equal(t, int64(3), n)
}

func TestDumpLoop_WritesPeriodically(t *testing.T) {
	dir := t.TempDir()
	b, err := New(ConfigForRun(dir, 20*time.Millisecond), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Init())
	defer b.Close()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, DumpFile))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClose_WithoutDumpPath(t *testing.T) {
	b, err := New(Config{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Init())
	assert.NoError(t, b.Close())
}

package influx

import (
	"bufio"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rollcap/recorder/internal/config"
	"github.com/rollcap/recorder/pkg/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func unreachable() config.InfluxConfig {
	return config.InfluxConfig{Enabled: true, Protocol: "http", Host: "127.0.0.1", Port: "1", Org: "rollcap"}
}

func readBackup(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var lines []string
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(config.InfluxConfig{}, zerolog.Nop(), filepath.Join(t.TempDir(), BackupFile))
	assert.ErrorIs(t, m.Connect(t.Context()), ErrDisabled)
	assert.NoError(t, m.Close())
}

func TestURL(t *testing.T) {
	m := NewManager(config.InfluxConfig{Protocol: "https", Host: "influx.local", Port: "8086"}, zerolog.Nop(), "")
	assert.Equal(t, "https://influx.local:8086", m.URL())
}

func TestWritePoint_WithoutConnect(t *testing.T) {
	m := NewManager(unreachable(), zerolog.Nop(), "")
	err := m.WritePoint(BucketSensorData, SamplePoint("s", core.ImuSample{CapturedAt: at}))
	assert.Error(t, err)
}

func TestBackend_UnreachableServerWritesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), BackupFile)
	b := NewBackend(NewManager(unreachable(), zerolog.Nop(), path))
	require.NoError(t, b.Init())
	assert.False(t, b.Manager().IsValid)

	require.NoError(t, b.StartSession(&core.SessionMetadata{ID: "sess-1"}))
	require.NoError(t, b.RecordImuSamples([]core.ImuSample{
		{AccelX: 0.5, AccelZ: 9.81, CapturedAt: at},
		{AccelX: 0.6, AccelZ: 9.80, CapturedAt: at.Add(50 * time.Millisecond)},
	}))
	require.NoError(t, b.RecordFrameStamps([]core.FrameStamp{{Seq: 4, CapturedAt: at}}))
	require.NoError(t, b.RecordPerformance(core.Performance{SessionID: "sess-1", State: "running", Time: at, BatteryVoltage: 3.9}))
	require.NoError(t, b.EndSession(&core.SessionMetadata{ID: "sess-1"}))
	require.NoError(t, b.Close())

	lines := readBackup(t, path)
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "imu,session=sess-1 "))
	assert.Contains(t, lines[0], "accel_x=0.5")
	assert.True(t, strings.HasSuffix(lines[0], " 1743494400000000000"))
	assert.Contains(t, lines[2], "frame,session=sess-1 seq=4i")
	assert.Contains(t, lines[3], "recorder,session=sess-1,state=running")
	assert.Contains(t, lines[3], "battery_voltage=3.9")
}

func TestPerformancePoint_OmitsMissingBattery(t *testing.T) {
	m := NewManager(unreachable(), zerolog.Nop(), filepath.Join(t.TempDir(), BackupFile))
	require.NoError(t, m.Connect(t.Context()))
	require.NoError(t, m.WritePoint(BucketPerformance, PerformancePoint(core.Performance{SessionID: "s", State: "stopping", Time: at})))
	require.NoError(t, m.Close())

	lines := readBackup(t, m.BackupPath)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "battery_voltage")
	assert.Contains(t, lines[0], "samples=0i")
}

func TestBackup_OnePointPerLine(t *testing.T) {
	m := NewManager(unreachable(), zerolog.Nop(), filepath.Join(t.TempDir(), BackupFile))
	require.NoError(t, m.Connect(t.Context()))
	for i := range 3 {
		require.NoError(t, m.WritePoint(BucketSensorData, FramePoint("s", core.FrameStamp{Seq: uint64(i), CapturedAt: at})))
	}
	require.NoError(t, m.Close())

	f, err := os.Open(m.BackupPath)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)

	assert.Equal(t, 3, strings.Count(string(raw), "\n"))
	assert.NotContains(t, string(raw), "\n\n")
	assert.True(t, strings.HasSuffix(string(raw), "\n"))
}

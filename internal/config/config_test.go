package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Worker.TaskTimeout)
	assert.Empty(t, cfg.WAL.Path, "default queue is in-memory")
	assert.Equal(t, ":3000", cfg.HTTP.Addr)
	assert.Equal(t, ":50051", cfg.GRPC.Addr)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, 2*time.Second, cfg.Processors.FileProcessing)
	assert.Equal(t, 1500*time.Millisecond, cfg.Processors.DataEnrichment)
	assert.Equal(t, 3*time.Second, cfg.Processors.Calculation)
}

func TestLoad_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
worker:
  count: 4
  task_timeout: 5s
retry:
  max_attempts: 5
  base_delay: 250ms
  jitter: true
wal:
  path: /tmp/queue.wal
  flush_interval: 50ms
snapshot:
  interval: 30s
metrics:
  enabled: false
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 5*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, "/tmp/queue.wal", cfg.WAL.Path)
	assert.Equal(t, 50*time.Millisecond, cfg.WAL.FlushInterval)
	assert.Equal(t, 30*time.Second, cfg.Snapshot.Interval)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)

	// untouched keys keep defaults
	assert.Equal(t, Default().Worker.ShutdownTimeout, cfg.Worker.ShutdownTimeout)
	assert.Equal(t, Default().GRPC.Addr, cfg.GRPC.Addr)
}

func TestLoad_ShippedDefaultFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	require.NoError(t, err)
	assert.Equal(t, "data/queue.wal", cfg.WAL.Path)
	assert.Equal(t, time.Minute, cfg.Snapshot.Interval)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		invalid bool
	}{
		{"malformed yaml", "worker: [unclosed", false},
		{"unknown key", "worker:\n  threads: 4\n", false},
		{"bad duration", "worker:\n  task_timeout: soon\n", false},
		{"negative workers", "worker:\n  count: -1\n", true},
		{"zero attempts", "retry:\n  max_attempts: 0\n", true},
		{"poll bounds", "worker:\n  poll_min: 2s\n  poll_max: 1s\n", true},
		{"missing http addr", "http:\n  addr: \"\"\n", true},
		{"bad log level", "log:\n  level: loud\n", true},
		{"bad log format", "log:\n  format: xml\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NotErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestController(t *testing.T) {
	cfg := Default()
	cfg.Worker.Count = 3
	cfg.Worker.MaxJobs = 100
	cfg.Retry.MaxDelay = 10 * time.Second
	cfg.WAL.Path = "/data/q.wal"
	cfg.WAL.SyncOnAppend = true
	cfg.Snapshot.Backups = 4
	cfg.Processors.Calculation = 0

	ctrl := cfg.Controller()
	assert.Equal(t, 3, ctrl.WorkerCount)
	assert.Equal(t, 100, ctrl.MaxJobs)
	assert.Equal(t, 3, ctrl.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, ctrl.Retry.MaxDelay)
	assert.Equal(t, "/data/q.wal", ctrl.WALPath)
	assert.True(t, ctrl.WAL.SyncOnAppend)
	assert.Equal(t, 4, ctrl.SnapshotBackups)
	assert.Empty(t, ctrl.SnapshotPath)
	assert.Zero(t, ctrl.Processors.Calculation)
	assert.Equal(t, cfg.Events.BufferSize, ctrl.EventBuffer)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "abc")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"job_id":"abc"`)

	buf.Reset()
	logger = LogConfig{Level: "debug"}.NewLogger(&buf)
	logger.Debug("text line")
	assert.Contains(t, buf.String(), "level=DEBUG")
}

func TestSlogLevel(t *testing.T) {
	level, err := LogConfig{}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	level, err = LogConfig{Level: "ERROR"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, level)
}

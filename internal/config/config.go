// ============================================================================
// Beaver-Queue Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration decoded over built-in defaults.
//
// Layout (configs/default.yaml):
//
//   worker:     count, task_timeout, poll_min, poll_max, shutdown_timeout, max_jobs
//   retry:      max_attempts, base_delay, max_delay, jitter
//   wal:        path, sync_on_append, buffer_size, flush_interval, max_archives
//   snapshot:   path, interval, backups
//   events:     buffer_size, stats_interval
//   http:       enabled, addr, access_log
//   grpc:       enabled, addr
//   metrics:    enabled, addr
//   processors: file_processing, data_enrichment, calculation
//   log:        level, format
//
// Durations are Go duration strings ("1s", "250ms"). Keys missing from the
// file keep their default value. An empty wal.path runs the queue in memory.
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/internal/processor"
	"github.com/ChuLiYu/beaver-queue/internal/retry"
	"github.com/ChuLiYu/beaver-queue/internal/storage/wal"
)

// DefaultPath is where the CLI looks for a config file
const DefaultPath = "configs/default.yaml"

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete process configuration
type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	Retry      RetryConfig      `yaml:"retry"`
	WAL        WALConfig        `yaml:"wal"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Events     EventsConfig     `yaml:"events"`
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Processors ProcessorsConfig `yaml:"processors"`
	Log        LogConfig        `yaml:"log"`
}

type WorkerConfig struct {
	Count           int           `yaml:"count"` // 0 = CPU count, capped
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	PollMin         time.Duration `yaml:"poll_min"`
	PollMax         time.Duration `yaml:"poll_max"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxJobs         int           `yaml:"max_jobs"` // 0 = unbounded
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      bool          `yaml:"jitter"`
}

type WALConfig struct {
	Path          string        `yaml:"path"`
	SyncOnAppend  bool          `yaml:"sync_on_append"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxArchives   int           `yaml:"max_archives"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path"`     // defaults to wal.path + ".snapshot"
	Interval time.Duration `yaml:"interval"` // 0 = only on shutdown
	Backups  int           `yaml:"backups"`
}

type EventsConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type HTTPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	AccessLog bool   `yaml:"access_log"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ProcessorsConfig holds the simulated duration of each built-in processor
type ProcessorsConfig struct {
	FileProcessing time.Duration `yaml:"file_processing"`
	DataEnrichment time.Duration `yaml:"data_enrichment"`
	Calculation    time.Duration `yaml:"calculation"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file is given
func Default() Config {
	ctrl := controller.DefaultConfig()
	return Config{
		Worker: WorkerConfig{
			TaskTimeout:     ctrl.TaskTimeout,
			PollMin:         ctrl.PollMin,
			PollMax:         ctrl.PollMax,
			ShutdownTimeout: ctrl.ShutdownTimeout,
		},
		Retry: RetryConfig{
			MaxAttempts: ctrl.Retry.MaxAttempts,
			BaseDelay:   ctrl.Retry.BaseDelay,
		},
		WAL: WALConfig{
			BufferSize:    wal.DefaultBufferSize,
			FlushInterval: wal.DefaultFlushInterval,
			MaxArchives:   wal.DefaultMaxArchives,
		},
		Snapshot: SnapshotConfig{
			Interval: ctrl.SnapshotInterval,
			Backups:  ctrl.SnapshotBackups,
		},
		Events: EventsConfig{
			BufferSize:    ctrl.EventBuffer,
			StatsInterval: ctrl.StatsInterval,
		},
		HTTP:    HTTPConfig{Enabled: true, Addr: ":3000", AccessLog: true},
		GRPC:    GRPCConfig{Enabled: true, Addr: ":50051"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Processors: ProcessorsConfig{
			FileProcessing: ctrl.Processors.FileProcessing,
			DataEnrichment: ctrl.Processors.DataEnrichment,
			Calculation:    ctrl.Processors.Calculation,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path and decodes it over Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the queue cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Count < 0 {
		errs = append(errs, errors.New("worker.count must be >= 0"))
	}
	if c.Worker.TaskTimeout < 0 {
		errs = append(errs, errors.New("worker.task_timeout must be >= 0"))
	}
	if c.Worker.PollMin > c.Worker.PollMax {
		errs = append(errs, errors.New("worker.poll_min must not exceed worker.poll_max"))
	}
	if c.Worker.MaxJobs < 0 {
		errs = append(errs, errors.New("worker.max_jobs must be >= 0"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must be >= 0"))
	}
	if c.Snapshot.Interval < 0 {
		errs = append(errs, errors.New("snapshot.interval must be >= 0"))
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required when http is enabled"))
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc.addr is required when grpc is enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Controller converts the file layout into the queue configuration
func (c *Config) Controller() controller.Config {
	return controller.Config{
		WorkerCount:     c.Worker.Count,
		TaskTimeout:     c.Worker.TaskTimeout,
		PollMin:         c.Worker.PollMin,
		PollMax:         c.Worker.PollMax,
		ShutdownTimeout: c.Worker.ShutdownTimeout,
		MaxJobs:         c.Worker.MaxJobs,
		Retry: retry.Policy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			Jitter:      c.Retry.Jitter,
		},
		WALPath: c.WAL.Path,
		WAL: wal.Options{
			SyncOnAppend:  c.WAL.SyncOnAppend,
			BufferSize:    c.WAL.BufferSize,
			FlushInterval: c.WAL.FlushInterval,
			MaxArchives:   c.WAL.MaxArchives,
		},
		SnapshotPath:     c.Snapshot.Path,
		SnapshotInterval: c.Snapshot.Interval,
		SnapshotBackups:  c.Snapshot.Backups,
		StatsInterval:    c.Events.StatsInterval,
		EventBuffer:      c.Events.BufferSize,
		Processors: processor.Delays{
			FileProcessing: c.Processors.FileProcessing,
			DataEnrichment: c.Processors.DataEnrichment,
			Calculation:    c.Processors.Calculation,
		},
	}
}

// SlogLevel parses the configured level; empty means info
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds a text or JSON slog logger writing to w
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

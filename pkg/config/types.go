package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Redelivery RedeliveryConfig `yaml:"redelivery"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Messages   MessagesConfig   `yaml:"messages"`
	Sensor     SensorConfig     `yaml:"sensor"`
}

// ServerConfig holds http listener and database location.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	DBPath  string `yaml:"db_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Sink is "stdout" or "file:<path>".
	Sink     string `yaml:"sink"`
	AuditDir string `yaml:"audit_dir"`
}

// StoreConfig tunes the pebble event store.
type StoreConfig struct {
	SyncWrites bool      `yaml:"sync_writes"`
	CacheSize  SizeBytes `yaml:"cache_size"`
}

// DispatchConfig controls the dispatch queue and workers.
type DispatchConfig struct {
	Workers       int      `yaml:"workers"`
	QueueCapacity int      `yaml:"queue_capacity"`
	MaxBatch      int      `yaml:"max_batch"`
	FlushInterval Duration `yaml:"flush_interval"`
	WaitTimeout   Duration `yaml:"wait_timeout"`
	// Block makes producers wait for queue room instead of failing.
	Block bool `yaml:"block"`
}

// RedeliveryConfig holds the schedule of the undelivered-event sweeper.
type RedeliveryConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Cron      string   `yaml:"cron"`
	MinAge    Duration `yaml:"min_age"`
	BatchSize int      `yaml:"batch_size"`
}

// TelemetryConfig controls step traces.
type TelemetryConfig struct {
	Dir           string    `yaml:"dir"`
	SampleRate    float64   `yaml:"sample_rate"`
	SlowThreshold Duration  `yaml:"slow_threshold"`
	BufferSize    SizeBytes `yaml:"buffer_size"`
	QueueCapacity int       `yaml:"queue_capacity"`
	FlushInterval Duration  `yaml:"flush_interval"`
	FileMaxSize   SizeBytes `yaml:"file_max_size"`
}

// RateLimitConfig is the per-client token bucket of the HTTP API.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MessagesConfig holds collection settings.
type MessagesConfig struct {
	// Source is stamped on events written without an explicit `src`.
	Source string `yaml:"source"`
}

// SensorConfig holds disk watermark settings.
type SensorConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	DiskHighPct    int      `yaml:"disk_high_pct"`
	DiskLowPct     int      `yaml:"disk_low_pct"`
	RecoveryWindow Duration `yaml:"recovery_window"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// ParseSize accepts "64MB", "1 GiB" or a plain byte count.
func ParseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParseDuration accepts Go duration strings or numeric seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

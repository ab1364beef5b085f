package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned by LoadConfigFile for a missing file.
var ErrConfigNotFound = errors.New("config file not found")

const (
	defaultPort   = 8080
	defaultDBPath = "./.roomlog"

	// dispatch defaults
	defaultDispatchQueueCapacity = 64 * 1024
	defaultDispatchMaxBatch      = 256
	defaultDispatchFlushInterval = 2 * time.Millisecond
	defaultDispatchWaitTimeout   = 5 * time.Second

	// store defaults
	defaultStoreCacheSize = 64 * 1024 * 1024

	// redelivery defaults
	defaultRedeliveryCron      = "*/5 * * * *"
	defaultRedeliveryMinAge    = 30 * time.Second
	defaultRedeliveryBatchSize = 500

	// telemetry defaults
	defaultTelemetrySampleRate    = 0.001
	defaultTelemetrySlowThreshold = 200 * time.Millisecond
	defaultTelemetryBufferSize    = 4 * 1024 * 1024
	defaultTelemetryFileMaxSize   = 40 * 1024 * 1024
	defaultTelemetryFlushInterval = 2 * time.Second
	defaultTelemetryQueueCapacity = 2048

	// rate limit defaults
	defaultRateRPS   = 1000
	defaultRateBurst = 1000

	// sensor defaults
	defaultSensorPollInterval   = 5 * time.Second
	defaultSensorDiskHighPct    = 90
	defaultSensorDiskLowPct     = 80
	defaultSensorRecoveryWindow = 30 * time.Second

	defaultMessagesSource = "roomlog"
)

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ValidateConfig applies defaults and validates values in the config. It
// mutates the receiver to fill in missing defaults and returns an error if
// any configuration value is invalid.
func (c *Config) ValidateConfig() error {
	if c.Server.DBPath == "" {
		c.Server.DBPath = defaultDBPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Sink == "" {
		c.Logging.Sink = "stdout"
	}

	if c.Store.CacheSize.Int64() == 0 {
		c.Store.CacheSize = SizeBytes(defaultStoreCacheSize)
	}

	// Dispatch defaults
	numCPU := runtime.NumCPU()
	d := &c.Dispatch
	if d.Workers <= 0 {
		d.Workers = numCPU
	} else if d.Workers > numCPU*2 {
		d.Workers = numCPU * 2
	}
	if d.QueueCapacity <= 0 {
		d.QueueCapacity = defaultDispatchQueueCapacity
	}
	if d.MaxBatch <= 0 {
		d.MaxBatch = defaultDispatchMaxBatch
	}
	if d.FlushInterval.Duration() <= 0 {
		d.FlushInterval = Duration(defaultDispatchFlushInterval)
	}
	if d.WaitTimeout.Duration() <= 0 {
		d.WaitTimeout = Duration(defaultDispatchWaitTimeout)
	}

	// Redelivery defaults
	r := &c.Redelivery
	if r.Cron == "" {
		r.Cron = defaultRedeliveryCron
	}
	if r.MinAge.Duration() <= 0 {
		r.MinAge = Duration(defaultRedeliveryMinAge)
	}
	if r.BatchSize <= 0 {
		r.BatchSize = defaultRedeliveryBatchSize
	}

	// Telemetry defaults
	t := &c.Telemetry
	if t.SampleRate == 0 {
		t.SampleRate = defaultTelemetrySampleRate
	}
	if t.SlowThreshold.Duration() == 0 {
		t.SlowThreshold = Duration(defaultTelemetrySlowThreshold)
	}
	if t.BufferSize.Int64() == 0 {
		t.BufferSize = SizeBytes(defaultTelemetryBufferSize)
	}
	if t.FileMaxSize.Int64() == 0 {
		t.FileMaxSize = SizeBytes(defaultTelemetryFileMaxSize)
	}
	if t.FlushInterval.Duration() == 0 {
		t.FlushInterval = Duration(defaultTelemetryFlushInterval)
	}
	if t.QueueCapacity <= 0 {
		t.QueueCapacity = defaultTelemetryQueueCapacity
	}

	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = defaultRateRPS
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateBurst
	}

	s := &c.Sensor
	if s.PollInterval.Duration() == 0 {
		s.PollInterval = Duration(defaultSensorPollInterval)
	}
	if s.DiskHighPct == 0 {
		s.DiskHighPct = defaultSensorDiskHighPct
	}
	if s.DiskLowPct == 0 {
		s.DiskLowPct = defaultSensorDiskLowPct
	}
	if s.RecoveryWindow.Duration() == 0 {
		s.RecoveryWindow = Duration(defaultSensorRecoveryWindow)
	}

	if c.Messages.Source == "" {
		c.Messages.Source = defaultMessagesSource
	}

	if !gronx.IsValid(c.Redelivery.Cron) {
		return fmt.Errorf("invalid redelivery cron expression: %s", c.Redelivery.Cron)
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", t.SampleRate)
	}
	if s.DiskLowPct >= s.DiskHighPct || s.DiskHighPct > 100 {
		return fmt.Errorf("sensor watermarks must satisfy disk_low_pct < disk_high_pct <= 100")
	}
	return nil
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("ROOMLOG_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

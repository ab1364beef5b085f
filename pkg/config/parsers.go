package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROOMLOG_"

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	// Source lists the layers that contributed, e.g. "defaults+config+env".
	Source string
}

// ParseConfigFlags parses the process command line.
// you can only pass 3 config values
func ParseConfigFlags() Flags {
	f, _ := ParseFlags(flag.CommandLine, os.Args[1:])
	return f
}

// ParseFlags parses args into fs and records which flags were set.
func ParseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	addrPtr := fs.String("addr", ":8080", "HTTP listen address")
	dbPtr := fs.String("db", defaultDBPath, "Pebble DB path")
	cfgPtr := fs.String("config", "./config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}, nil
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

type envVar struct {
	name  string
	apply func(c *Config, v string) error
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func setInt(dst *int) func(*Config, string) error {
	return func(_ *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

// envVars binds each ROOMLOG_* variable to its field in c.
func envVars(c *Config) []envVar {
	str := func(dst *string) func(*Config, string) error {
		return func(_ *Config, v string) error { *dst = strings.TrimSpace(v); return nil }
	}
	boolean := func(dst *bool) func(*Config, string) error {
		return func(_ *Config, v string) error { *dst = parseBool(v); return nil }
	}
	dur := func(dst *Duration) func(*Config, string) error {
		return func(_ *Config, v string) error {
			d, err := ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}
	size := func(dst *SizeBytes) func(*Config, string) error {
		return func(_ *Config, v string) error {
			s, err := ParseSize(v)
			if err != nil {
				return err
			}
			*dst = s
			return nil
		}
	}
	float := func(dst *float64) func(*Config, string) error {
		return func(_ *Config, v string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return err
			}
			*dst = f
			return nil
		}
	}

	return []envVar{
		{"SERVER_ADDR", func(c *Config, v string) error {
			if h, p, err := net.SplitHostPort(v); err == nil {
				c.Server.Address = h
				if pi, err := strconv.Atoi(p); err == nil {
					c.Server.Port = pi
				}
				return nil
			}
			c.Server.Address = v
			return nil
		}},
		{"SERVER_ADDRESS", str(&c.Server.Address)},
		{"SERVER_PORT", setInt(&c.Server.Port)},
		{"DB_PATH", str(&c.Server.DBPath)},

		{"LOG_LEVEL", str(&c.Logging.Level)},
		{"LOG_SINK", str(&c.Logging.Sink)},
		{"LOG_AUDIT_DIR", str(&c.Logging.AuditDir)},

		{"STORE_SYNC_WRITES", boolean(&c.Store.SyncWrites)},
		{"STORE_CACHE_SIZE", size(&c.Store.CacheSize)},

		{"DISPATCH_WORKERS", setInt(&c.Dispatch.Workers)},
		{"DISPATCH_QUEUE_CAPACITY", setInt(&c.Dispatch.QueueCapacity)},
		{"DISPATCH_MAX_BATCH", setInt(&c.Dispatch.MaxBatch)},
		{"DISPATCH_FLUSH_INTERVAL", dur(&c.Dispatch.FlushInterval)},
		{"DISPATCH_WAIT_TIMEOUT", dur(&c.Dispatch.WaitTimeout)},
		{"DISPATCH_BLOCK", boolean(&c.Dispatch.Block)},

		{"REDELIVERY_ENABLED", boolean(&c.Redelivery.Enabled)},
		{"REDELIVERY_CRON", str(&c.Redelivery.Cron)},
		{"REDELIVERY_MIN_AGE", dur(&c.Redelivery.MinAge)},
		{"REDELIVERY_BATCH_SIZE", setInt(&c.Redelivery.BatchSize)},

		{"TELEMETRY_DIR", str(&c.Telemetry.Dir)},
		{"TELEMETRY_SAMPLE_RATE", float(&c.Telemetry.SampleRate)},
		{"TELEMETRY_SLOW_THRESHOLD", dur(&c.Telemetry.SlowThreshold)},
		{"TELEMETRY_BUFFER_SIZE", size(&c.Telemetry.BufferSize)},
		{"TELEMETRY_QUEUE_CAPACITY", setInt(&c.Telemetry.QueueCapacity)},
		{"TELEMETRY_FLUSH_INTERVAL", dur(&c.Telemetry.FlushInterval)},
		{"TELEMETRY_FILE_MAX_SIZE", size(&c.Telemetry.FileMaxSize)},

		{"RATE_RPS", float(&c.RateLimit.RPS)},
		{"RATE_BURST", setInt(&c.RateLimit.Burst)},

		{"MESSAGES_SOURCE", str(&c.Messages.Source)},

		{"SENSOR_POLL_INTERVAL", dur(&c.Sensor.PollInterval)},
		{"SENSOR_DISK_HIGH_PCT", setInt(&c.Sensor.DiskHighPct)},
		{"SENSOR_DISK_LOW_PCT", setInt(&c.Sensor.DiskLowPct)},
		{"SENSOR_RECOVERY_WINDOW", dur(&c.Sensor.RecoveryWindow)},
	}
}

// ApplyEnv overlays every set ROOMLOG_* variable onto c. It reports
// whether any variable was set; malformed values are collected into the
// returned error.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) (bool, error) {
	used := false
	var errs []error
	for _, ev := range envVars(c) {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		used = true
		if err := ev.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err))
		}
	}
	return used, errors.Join(errs...)
}

// LoadEffectiveConfig layers the sources: defaults, then the config file,
// then ROOMLOG_* environment, then explicitly set flags.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, lookup func(string) (string, bool)) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	if flags.Set["config"] && !fileExists {
		return res, fmt.Errorf("%w: %s", ErrConfigNotFound, flags.Config)
	}

	cfg := &Config{}
	sources := []string{"defaults"}
	if fileExists && fileCfg != nil {
		*cfg = *fileCfg
		sources = append(sources, "config")
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	envUsed, err := ApplyEnv(cfg, lookup)
	if err != nil {
		return res, err
	}
	if envUsed {
		sources = append(sources, "env")
	}

	if flags.Set["addr"] || flags.Set["db"] {
		sources = append(sources, "flags")
	}
	if flags.Set["addr"] {
		host, port, err := net.SplitHostPort(flags.Addr)
		if err != nil {
			return res, fmt.Errorf("invalid --addr %q: %w", flags.Addr, err)
		}
		cfg.Server.Address = host
		cfg.Server.Port = parsePortFromAddr(flags.Addr)
		if port != "" && cfg.Server.Port == 0 {
			return res, fmt.Errorf("invalid --addr port %q", port)
		}
	}
	if flags.Set["db"] {
		cfg.Server.DBPath = flags.DB
	}

	if err := cfg.ValidateConfig(); err != nil {
		return res, err
	}
	res.Config = cfg
	res.Addr = cfg.Addr()
	res.DBPath = cfg.Server.DBPath
	res.Source = strings.Join(sources, "+")
	return res, nil
}

// extracts port integer from host:port string
func parsePortFromAddr(a string) int {
	if a == "" {
		return 0
	}
	if _, p, err := net.SplitHostPort(a); err == nil {
		if pi, err := strconv.Atoi(p); err == nil {
			return pi
		}
	}
	return 0
}

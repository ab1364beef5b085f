package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: 127.0.0.1
  port: 9090
  db_path: /var/lib/roomlog
store:
  cache_size: 128MB
dispatch:
  workers: 1
  flush_interval: 5ms
  wait_timeout: 2
redelivery:
  enabled: true
  cron: "*/1 * * * *"
  min_age: 1m
`), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	assert.Equal(t, int64(128*1000*1000), cfg.Store.CacheSize.Int64())
	assert.Equal(t, 5*time.Millisecond, cfg.Dispatch.FlushInterval.Duration())
	assert.Equal(t, 2*time.Second, cfg.Dispatch.WaitTimeout.Duration())
	assert.Equal(t, time.Minute, cfg.Redelivery.MinAge.Duration())

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestBadYAMLValues(t *testing.T) {
	var cfg Config
	err := yaml.Unmarshal([]byte("dispatch:\n  flush_interval: soon\n"), &cfg)
	assert.Error(t, err)
	err = yaml.Unmarshal([]byte("store:\n  cache_size: lots\n"), &cfg)
	assert.Error(t, err)
}

func TestValidateConfigDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.ValidateConfig())
	assert.Equal(t, defaultDBPath, cfg.Server.DBPath)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, defaultDispatchQueueCapacity, cfg.Dispatch.QueueCapacity)
	assert.Positive(t, cfg.Dispatch.Workers)
	assert.Equal(t, defaultRedeliveryCron, cfg.Redelivery.Cron)
	assert.Equal(t, "stdout", cfg.Logging.Sink)
	assert.Equal(t, defaultMessagesSource, cfg.Messages.Source)

	bad := &Config{Redelivery: RedeliveryConfig{Cron: "every tuesday"}}
	assert.Error(t, bad.ValidateConfig())

	bad = &Config{Sensor: SensorConfig{DiskHighPct: 50, DiskLowPct: 70}}
	assert.Error(t, bad.ValidateConfig())
}

func TestEffectiveConfigLayers(t *testing.T) {
	file := &Config{
		Server:   ServerConfig{Address: "10.0.0.1", Port: 7000, DBPath: "/data/file"},
		Dispatch: DispatchConfig{MaxBatch: 8},
	}
	env := envMap(map[string]string{
		"ROOMLOG_DB_PATH":            "/data/env",
		"ROOMLOG_DISPATCH_MAX_BATCH": "16",
		"ROOMLOG_REDELIVERY_ENABLED": "yes",
		"ROOMLOG_STORE_CACHE_SIZE":   "1MiB",
		"ROOMLOG_UNRELATED":          "x",
	})

	fs := flag.NewFlagSet("roomlog", flag.ContinueOnError)
	flags, err := ParseFlags(fs, []string{"-addr", "127.0.0.1:9999"})
	require.NoError(t, err)

	eff, err := LoadEffectiveConfig(flags, file, true, env)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", eff.Addr)
	assert.Equal(t, "/data/env", eff.DBPath)
	assert.Equal(t, 16, eff.Config.Dispatch.MaxBatch)
	assert.True(t, eff.Config.Redelivery.Enabled)
	assert.Equal(t, int64(1<<20), eff.Config.Store.CacheSize.Int64())
	assert.Equal(t, "defaults+config+env+flags", eff.Source)
	assert.Equal(t, "/data/file", file.Server.DBPath)

	fs = flag.NewFlagSet("roomlog", flag.ContinueOnError)
	flags, err = ParseFlags(fs, []string{"-db", "/data/flag"})
	require.NoError(t, err)
	eff, err = LoadEffectiveConfig(flags, file, true, env)
	require.NoError(t, err)
	assert.Equal(t, "/data/flag", eff.DBPath)
	assert.Equal(t, "10.0.0.1:7000", eff.Addr)
}

func TestEffectiveConfigErrors(t *testing.T) {
	none := envMap(nil)

	flags := Flags{Config: "/nope.yaml", Set: map[string]bool{"config": true}}
	_, err := LoadEffectiveConfig(flags, nil, false, none)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	_, err = LoadEffectiveConfig(Flags{Set: map[string]bool{}}, nil, false, envMap(map[string]string{
		"ROOMLOG_DISPATCH_WORKERS": "many",
	}))
	assert.ErrorContains(t, err, "ROOMLOG_DISPATCH_WORKERS")

	eff, err := LoadEffectiveConfig(Flags{Set: map[string]bool{}}, nil, false, none)
	require.NoError(t, err)
	assert.Equal(t, "defaults", eff.Source)
	require.NoError(t, ValidateConfig(eff))

	eff.Config.Logging.Sink = "syslog"
	assert.Error(t, ValidateConfig(eff))
	eff.Config.Logging.Sink = "file:/tmp/roomlog.log"
	assert.NoError(t, ValidateConfig(eff))

	eff.Config.Redelivery.Enabled = true
	eff.Config.Redelivery.MinAge = Duration(time.Millisecond)
	assert.Error(t, ValidateConfig(eff))
}

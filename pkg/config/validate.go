package config

import (
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
)

// ValidateConfig fails fast on settings the server cannot start with.
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	if p := eff.DBPath; p == "" {
		return fmt.Errorf("database path is empty: set --db flag, ROOMLOG_DB_PATH env, or server.db_path in config")
	}

	switch sink := cfg.Logging.Sink; {
	case sink == "", sink == "stdout":
	case strings.HasPrefix(sink, "file:") && len(sink) > len("file:"):
	default:
		return fmt.Errorf("invalid logging.sink %q: want stdout or file:<path>", sink)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}

	if cfg.Redelivery.Enabled {
		if !gronx.New().IsValid(cfg.Redelivery.Cron) {
			return fmt.Errorf("invalid redelivery.cron: not a valid cron expression")
		}
		if cfg.Redelivery.MinAge.Duration() < cfg.Dispatch.WaitTimeout.Duration() {
			return fmt.Errorf("redelivery.min_age (%s) must not be shorter than dispatch.wait_timeout (%s)",
				cfg.Redelivery.MinAge.Duration(), cfg.Dispatch.WaitTimeout.Duration())
		}
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	return nil
}

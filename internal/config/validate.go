package config

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New()

// DefaultDiagnostics is used when the diagnostics section is omitted.
var DefaultDiagnostics = DiagnosticsConfig{Enabled: true, Schedule: "@every 5m"}

// EffectiveDiagnostics resolves the omitted-section default.
func (c *Config) EffectiveDiagnostics() DiagnosticsConfig {
	if c.Diagnostics == nil {
		return DefaultDiagnostics
	}
	return *c.Diagnostics
}

// Validate checks struct tags, duration strings and the cron schedule.
// It is installed as the Watch validator and also run at startup.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("runner.timeout", cfg.Runner.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("bus.connect_timeout", cfg.Bus.ConnectTimeout); err != nil {
		return err
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Store.Driver)); (d == "sqlite" || d == "sqlite3") && strings.TrimSpace(cfg.Store.Path) == "" {
		return errors.New("store.path is required for the sqlite driver")
	}
	if strings.TrimSpace(cfg.Preferences.Driver) == "file" && strings.TrimSpace(cfg.Preferences.Path) == "" {
		return errors.New("preferences.path is required for the file driver")
	}

	seen := map[int]bool{}
	for _, s := range cfg.Radio.Subscriptions {
		if seen[s.ID] {
			return fmt.Errorf("radio.subscriptions: duplicate id %d", s.ID)
		}
		seen[s.ID] = true
	}

	diag := cfg.EffectiveDiagnostics()
	if diag.Enabled {
		if _, err := cron.ParseStandard(diag.Schedule); err != nil {
			return fmt.Errorf("diagnostics.schedule: %w", err)
		}
		if tz := strings.TrimSpace(diag.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("diagnostics.timezone: %w", err)
			}
		}
	}
	return nil
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

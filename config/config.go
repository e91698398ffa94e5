// Package config defines the closed configuration record consumed by
// the core. Every key the core reads has a named, typed field with a
// documented default; there is no free-form map reaching the
// scheduler.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the daemon exposes.
type Config struct {
	DefaultIntervalSec   int      `yaml:"default_interval_sec"`
	IntervalMinSec       int      `yaml:"interval_min_sec"`
	JitterSec            int      `yaml:"jitter_sec"`
	HDDMaxGapSec         int      `yaml:"hdd_max_gap_sec"`
	DeadlineMarginSec    float64  `yaml:"deadline_margin_sec"`
	Fsync                bool     `yaml:"fsync"`
	MaxFlushMs           int      `yaml:"max_flush_ms"`
	LockRetryMs          int      `yaml:"lock_retry_ms"`
	ErrorQuarantineAfter int      `yaml:"error_quarantine_after"`
	ErrorQuarantineSec   int      `yaml:"error_quarantine_sec"`
	PolicyPrecedence     []string `yaml:"policy_precedence"`
	TreatUnknownAsSSD    bool     `yaml:"treat_unknown_as_ssd"`
	InstallID            string   `yaml:"install_id"`
	IdlePauseMin         int      `yaml:"idle_pause_min"`
	SocketPath           string   `yaml:"socket_path"`
}

const defaultSocketPath = "/var/run/drive-revenant/revenantd.sock"

// Default returns the documented defaults, with a freshly generated
// InstallID (a config file that omits install_id gets one minted and
// persisted on first Save).
func Default() Config {
	return Config{
		DefaultIntervalSec:   20,
		IntervalMinSec:       3,
		JitterSec:            2,
		HDDMaxGapSec:         45,
		DeadlineMarginSec:    0.3,
		Fsync:                true,
		MaxFlushMs:           150,
		LockRetryMs:          750,
		ErrorQuarantineAfter: 5,
		ErrorQuarantineSec:   60,
		PolicyPrecedence:     []string{"global_pause", "battery", "idle", "per_drive_disable"},
		TreatUnknownAsSSD:    true,
		InstallID:            uuid.NewString(),
		IdlePauseMin:         0,
		SocketPath:           defaultSocketPath,
	}
}

// ErrorQuarantineDuration, MaxFlushDuration and LockRetryDuration
// convert the integer fields into time.Duration for callers.
func (c Config) ErrorQuarantineDuration() time.Duration {
	return time.Duration(c.ErrorQuarantineSec) * time.Second
}

func (c Config) MaxFlushDuration() time.Duration {
	return time.Duration(c.MaxFlushMs) * time.Millisecond
}

func (c Config) LockRetryDuration() time.Duration {
	return time.Duration(c.LockRetryMs) * time.Millisecond
}

// Path returns the default config file location, honoring
// XDG_CONFIG_HOME with a fallback to ~/.config.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "drive-revenant", "config.yaml")
}

// Load reads and strictly decodes a YAML config file: unknown keys
// are a load error, not a silently-ignored free-form field. A missing
// file is not an error — it returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path (or the default path) as YAML.
func Save(path string, cfg Config) error {
	if path == "" {
		path = Path()
	}
	if path == "" {
		return fmt.Errorf("cannot determine config directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations that would let the core violate its
// own invariants.
func (c Config) Validate() error {
	if c.IntervalMinSec <= 0 {
		return fmt.Errorf("interval_min_sec must be positive")
	}
	if c.HDDMaxGapSec < c.IntervalMinSec {
		return fmt.Errorf("hdd_max_gap_sec must be >= interval_min_sec")
	}
	if c.JitterSec < 0 {
		return fmt.Errorf("jitter_sec must be >= 0")
	}
	if c.ErrorQuarantineAfter <= 0 {
		return fmt.Errorf("error_quarantine_after must be positive")
	}
	for _, rule := range c.PolicyPrecedence {
		switch rule {
		case "global_pause", "battery", "idle", "per_drive_disable":
		default:
			return fmt.Errorf("unknown policy_precedence entry %q", rule)
		}
	}
	return nil
}

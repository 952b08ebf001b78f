// Package config holds the engine configuration (environment-driven) and
// the channel configuration documents (YAML) with their validation.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v6"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"conduit/pkg/logging"
)

// EngineConfig is the process-wide configuration, populated from the
// environment. A .env file next to the working directory is honored when
// present.
type EngineConfig struct {
	// ServerID identifies this process in message rows; generated and kept
	// empty-safe when unset.
	ServerID string `env:"CONDUIT_SERVER_ID"`

	DBDriver string `env:"CONDUIT_DB_DRIVER" envDefault:"sqlite3"`
	DBDSN    string `env:"CONDUIT_DB_DSN" envDefault:"conduit.db"`

	HTTPHost string `env:"CONDUIT_HTTP_HOST" envDefault:"127.0.0.1"`
	HTTPPort int    `env:"CONDUIT_HTTP_PORT" envDefault:"8080"`

	// ChannelsDir is scanned for *.yaml channel definitions at startup.
	ChannelsDir string `env:"CONDUIT_CHANNELS_DIR" envDefault:"channels"`
	// WatchChannels redeploys a channel when its YAML file changes.
	WatchChannels bool `env:"CONDUIT_WATCH_CHANNELS" envDefault:"false"`

	LogLevel     string `env:"CONDUIT_LOG_LEVEL" envDefault:"info"`
	LogFile      string `env:"CONDUIT_LOG_FILE"`
	LogMaxSizeMB int    `env:"CONDUIT_LOG_MAX_SIZE_MB" envDefault:"100"`

	// AdminPassword protects mutating REST endpoints when set. Minimum 8
	// characters.
	AdminPassword string `env:"CONDUIT_ADMIN_PASSWORD"`

	// MaxVMDepth bounds in-process routing hops per message.
	MaxVMDepth int `env:"CONDUIT_MAX_VM_DEPTH" envDefault:"16"`

	// StopGraceSeconds is how long stop() waits for in-flight messages
	// before escalating to halt().
	StopGraceSeconds int `env:"CONDUIT_STOP_GRACE_SECONDS" envDefault:"30"`

	// AttachmentSegmentSize bounds one stored attachment segment in bytes.
	AttachmentSegmentSize int `env:"CONDUIT_ATTACHMENT_SEGMENT_SIZE" envDefault:"10485760"`
}

// MinPasswordLength is the minimum admin password length.
const MinPasswordLength = 8

// Defaults applied to zero-valued limits when a config is built by hand
// instead of through the environment loader.
const (
	DefaultMaxVMDepth       = 16
	DefaultStopGraceSeconds = 30
)

// LoadEngineConfig reads the engine configuration from the environment,
// loading a .env file first when one exists.
func LoadEngineConfig() (EngineConfig, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			logging.Warn("Config", "could not load .env: %v", err)
		}
	}

	var cfg EngineConfig
	if err := env.Parse(&cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
		logging.Info("Config", "generated server id %s", cfg.ServerID)
	}
	if cfg.AdminPassword != "" {
		if err := ValidatePassword(cfg.AdminPassword); err != nil {
			return EngineConfig{}, err
		}
	}
	return cfg, nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config keys, shared by config.yaml, CHANGESET_* environment variables
// and the flags of the same name.
const (
	cfgKeyBackend  = "backend"
	cfgKeyDatabase = "database"
	cfgKeyDSN      = "dsn"
	cfgKeyOutbox   = "outbox"
	cfgKeyTimeout  = "timeout"
	cfgKeyLogLevel = "log_level"

	defaultBackend = "sqlite"
	defaultDB      = "changeset.db"
)

// Backends the CLI can run actions against.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the resolved CLI configuration.
type Config struct {
	Backend  string
	Database string // SQLite database path
	DSN      string // Postgres connection string
	Outbox   string // notification outbox path; empty disables it
	Timeout  time.Duration
	LogLevel slog.Level
}

// LoadConfig reads config.yaml and overlays environment variables and any
// flags set on cmd. With an empty path, config.yaml is looked up in the
// working directory and a missing file is not an error.
func LoadConfig(path string, cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetDefault(cfgKeyBackend, defaultBackend)
	v.SetDefault(cfgKeyDatabase, defaultDB)
	v.SetDefault(cfgKeyLogLevel, "warn")
	v.SetEnvPrefix("changeset")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if cmd != nil {
		for _, key := range []string{cfgKeyBackend, cfgKeyDatabase, cfgKeyDSN, cfgKeyOutbox, cfgKeyTimeout} {
			if f := cmd.Flags().Lookup(key); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", key, err)
				}
			}
		}
	}

	cfg := &Config{
		Backend:  strings.ToLower(v.GetString(cfgKeyBackend)),
		Database: v.GetString(cfgKeyDatabase),
		DSN:      v.GetString(cfgKeyDSN),
		Outbox:   v.GetString(cfgKeyOutbox),
		Timeout:  v.GetDuration(cfgKeyTimeout),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(cfgKeyLogLevel))); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}

	switch cfg.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("backend postgres requires dsn")
		}
	default:
		return nil, fmt.Errorf("unknown backend %q: must be memory, sqlite or postgres", cfg.Backend)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}
	return cfg, nil
}

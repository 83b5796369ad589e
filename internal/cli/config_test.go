package cli

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// flagCommand parses args against the root persistent flags.
func flagCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := NewRootCommand()
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "changeset.db", cfg.Database)
	assert.Empty(t, cfg.Outbox)
	assert.Zero(t, cfg.Timeout)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
backend: memory
outbox: /tmp/outbox.db
timeout: 250ms
log_level: debug
`)
	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "/tmp/outbox.db", cfg.Outbox)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadConfig_FlagsWinOverFile(t *testing.T) {
	path := writeConfig(t, "backend: memory\ndatabase: file.db\n")
	cmd := flagCommand(t, "--database", "flag.db")

	cfg, err := LoadConfig(path, cmd)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend, "unset flag leaves the file value")
	assert.Equal(t, "flag.db", cfg.Database)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("CHANGESET_BACKEND", "memory")
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown backend", "backend: mongo\n", "unknown backend"},
		{"postgres without dsn", "backend: postgres\n", "requires dsn"},
		{"bad log level", "log_level: loud\n", "log_level"},
		{"negative timeout", "timeout: -1s\n", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

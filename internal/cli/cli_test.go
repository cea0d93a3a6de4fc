package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapstong/integ-capstone-sub005/internal/config"
)

func TestWriteDefaultConfig(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "portal.yaml")
	var out bytes.Buffer

	require.NoError(t, writeDefaultConfig(dest, defaultPortalYAML, false, &out))
	assert.Contains(t, out.String(), dest)

	err := writeDefaultConfig(dest, "changed", false, io.Discard)
	assert.ErrorContains(t, err, "already exists")

	require.NoError(t, writeDefaultConfig(dest, "changed", true, io.Discard))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "changed", string(got))
}

func TestDefaultYAMLIsValid(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "portal.yaml")
	require.NoError(t, writeDefaultConfig(dest, defaultPortalYAML, false, io.Discard))

	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigFile(dest)
	require.NoError(t, v.ReadInConfig())
	cfg := config.Load(v)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.StoragePostgres, cfg.Storage)
	assert.Empty(t, cfg.Brokers())
	assert.Equal(t, []string{"super_admin", "admin", "manager"}, cfg.RoleRanking)
}

func TestBuildLogger(t *testing.T) {
	logger := buildLogger("debug", serviceName)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = buildLogger("warn", serviceName)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))

	logger = buildLogger("bogus", serviceName)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestOpenMemoryBackend(t *testing.T) {
	cfg := config.Config{Storage: config.StorageMemory, RoleRanking: []string{"manager"}, NodeID: 1}
	b, err := openBackend(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer b.close()

	assert.Nil(t, b.locker)
	assert.Nil(t, b.pool)

	engine, err := newEngine(cfg, b, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	results, err := engine.Trigger(context.Background(), "invoice.created", []byte(`{"total_amount": 1}`))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "sweep", "purge", "init"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

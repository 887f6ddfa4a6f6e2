package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.7, cfg.ExplorationCoefficient)
	assert.Equal(t, 0.7, cfg.QualityThreshold)
	assert.Equal(t, 10, cfg.MaxPatternsPerSync)
	assert.Equal(t, 10000, cfg.MaxPatternsStored)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 30, cfg.RequestTimeoutSeconds)
	assert.NotEmpty(t, cfg.DeviceID)
}

func TestValidateRejectsShortInterval(t *testing.T) {
	cfg := Default()
	cfg.SyncIntervalSeconds = 59
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigInvalid))
	assert.Contains(t, err.Error(), "SyncIntervalSeconds")
}

func TestValidateRejectsShortTimeout(t *testing.T) {
	cfg := Default()
	cfg.RequestTimeoutSeconds = 4
	assert.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
}

func TestValidateRejectsThresholdOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.QualityThreshold = 1.5
	assert.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := Default()
	cfg.Transport = "carrier-pigeon"
	assert.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
}

func TestValidateRejectsInvertedBudgets(t *testing.T) {
	cfg := Default()
	cfg.PushBudgetBytes = 8000
	assert.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	yamlDoc := "device_id: tv-123\nsync_interval_seconds: 300\nquality_threshold: 0.8\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	t.Setenv("EDGESYNC_SYNC_INTERVAL", "900")
	t.Setenv("EDGESYNC_TRANSPORT", "http")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tv-123", cfg.DeviceID)
	assert.Equal(t, 900, cfg.SyncIntervalSeconds)
	assert.Equal(t, 0.8, cfg.QualityThreshold)
	assert.Equal(t, "http", cfg.Transport)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tag_slots: 0\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestLoadKeepsBadSyncSettingsForServing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync_interval_seconds: 10\ntransport: smoke\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateServing())

	err = cfg.ValidateSync()
	assert.ErrorIs(t, err, ErrConfigInvalid)
	assert.Contains(t, err.Error(), "SyncIntervalSeconds")
	assert.Contains(t, err.Error(), "Transport")
	assert.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
}

func TestServingAndSyncFieldsSplit(t *testing.T) {
	cfg := Default()
	cfg.TagSlots = 0
	assert.ErrorIs(t, cfg.ValidateServing(), ErrConfigInvalid)
	assert.NoError(t, cfg.ValidateSync())

	cfg = Default()
	cfg.PushBudgetBytes = 8000
	assert.NoError(t, cfg.ValidateServing())
	assert.ErrorIs(t, cfg.ValidateSync(), ErrConfigInvalid)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestAggregatorDefaultsAndEnv(t *testing.T) {
	t.Setenv("GRPC_ADDR", "127.0.0.1:6000")
	cfg, err := LoadAggregator("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", cfg.GRPCAddr)
	assert.Equal(t, "quality_weighted", cfg.Strategy)

	cfg.Strategy = "median"
	assert.ErrorIs(t, cfg.Validate(), ErrConfigInvalid)
}

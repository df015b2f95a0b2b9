package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRACELENS_DATA_DIR", dir)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "traces.sqlite3"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultThetaR, cfg.ThetaR)
	assert.Equal(t, DefaultThetaMatch, cfg.ThetaMatch)
	assert.Equal(t, DefaultThetaMerge, cfg.ThetaMerge)
	assert.Equal(t, DefaultWindowSpan, cfg.WindowSpan)
	assert.Equal(t, DefaultMaxHops, cfg.MaxHops)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultContradictionKey, cfg.ContradictionKey)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRACELENS_DATA_DIR", dir)

	content := `
[metrics]
theta_r = 0.45
window_span = 5
collapse_gradient = -0.25

[residue]
theta_match = 0.85
theta_merge = 0.92

[analysis]
workers = 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.45, cfg.ThetaR)
	assert.Equal(t, 5, cfg.WindowSpan)
	assert.Equal(t, -0.25, cfg.CollapseGradient)
	assert.Equal(t, 0.85, cfg.ThetaMatch)
	assert.Equal(t, 0.92, cfg.ThetaMerge)
	assert.Equal(t, 8, cfg.Workers)

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultMaxHops, cfg.MaxHops)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRACELENS_DATA_DIR", dir)

	content := "[metrics]\ntheta_r = 0.45\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	t.Setenv("TRACELENS_THETA_R", "0.6")
	t.Setenv("TRACELENS_WORKERS", "2")
	t.Setenv("TRACELENS_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.ThetaR)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRACELENS_DATA_DIR", dir)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.ThetaMatch = 1.5
	assert.Error(t, cfg.Validate())

	cfg, _ = LoadConfig()
	cfg.ThetaMerge = cfg.ThetaMatch - 0.1
	assert.Error(t, cfg.Validate())

	cfg, _ = LoadConfig()
	cfg.Epsilon = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = LoadConfig()
	cfg.MinCorpusSize = 1
	assert.Error(t, cfg.Validate())

	cfg, _ = LoadConfig()
	cfg.CollapseGradient = 0
	assert.Error(t, cfg.Validate())
}

func TestFileOverridesAcceptZeroValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRACELENS_DATA_DIR", dir)

	content := `
[metrics]
theta_r = 0.0

[homology]
residue_weight = 0.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.0, cfg.ThetaR)
	assert.Equal(t, 0.0, cfg.ResidueWeight)
	require.NoError(t, cfg.Validate())
}

func TestConfigContext(t *testing.T) {
	cfg := &Config{DBPath: "x"}
	ctx := WithConfig(context.Background(), cfg)
	assert.Same(t, cfg, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}

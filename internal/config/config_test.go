package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadAppliesDefaultsWithoutCellFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.New(dir, config.ProvisionedKeys, nil)
	require.NoError(t, err)
	assert.True(t, cfg.NexslogEnable())
	assert.Equal(t, "", cfg.Network())
}

func TestLoadReadsCellYaml(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cell.yaml", "aha:network: prod\naha:name: worker-1\n")

	cfg, err := config.New(dir, config.ProvisionedKeys, nil)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Network())
	assert.Equal(t, "worker-1", cfg.Name())
}

func TestCellModsOverridesNonProvisionedKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cell.yaml", "aha:admin: 127.0.0.1:8080\n")
	writeFile(t, dir, "cell.mods.yaml", "aha:admin: 0.0.0.0:9090\n")

	cfg, err := config.New(dir, config.ProvisionedKeys, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.Admin())
}

func TestCellModsCannotOverrideProvisionedKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cell.yaml", "aha:network: prod\naha:leader: false\n")
	writeFile(t, dir, "cell.mods.yaml", "aha:network: rogue-network\naha:leader: true\n")

	cfg, err := config.New(dir, config.ProvisionedKeys, nil)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Network(), "cell.mods.yaml must not override a provisioned key")
	assert.False(t, cfg.Leader())
}

func TestEnvOverridesCellYaml(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cell.yaml", "aha:admin: 127.0.0.1:8080\n")
	t.Setenv("AHA_AHA:ADMIN", "0.0.0.0:7777")

	cfg, err := config.New(dir, config.ProvisionedKeys, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7777", cfg.Admin())
}

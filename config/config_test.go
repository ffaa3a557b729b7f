package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "data/openchat_core.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Port)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.EnabledPlatforms())
}

func TestLoad_FileLayer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "discoat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: node-7
log_level: debug
telegram:
  token: tg-token
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"telegram"}, cfg.EnabledPlatforms())
	assert.Equal(t, "tg-token", cfg.AdapterSettings("telegram")["token"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "discoat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: from-file\n"), 0o600))

	t.Setenv("NODE_ID", "from-env")
	t.Setenv("DISCORD_TOKEN", "d-token")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Contains(t, cfg.EnabledPlatforms(), "discord")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/discoat.yaml")
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.DBPath = " "
	assert.Error(t, cfg.Validate())
}

func TestSudoHashing(t *testing.T) {
	cfg := Defaults()
	cfg.GlobalSudo = []string{"u123", " u456 ", ""}
	require.NoError(t, cfg.Validate())

	assert.Nil(t, cfg.GlobalSudo, "plain ids discarded after hashing")
	assert.True(t, cfg.IsSudo("u123"))
	assert.True(t, cfg.IsSudo("u456"))
	assert.False(t, cfg.IsSudo("u789"))
}

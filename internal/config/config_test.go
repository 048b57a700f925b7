package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:9090", cfg.Server.Addr)
	assert.Equal(t, 20, cfg.Client.PageSize)
	assert.Equal(t, 10*time.Second, cfg.Client.HTTPTimeout)
	assert.Equal(t, BackendBolt, cfg.Identity.Backend)
	assert.Equal(t, MinKeyBits, cfg.Identity.KeyBits)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	data := []byte(`
client:
  user_id: alice
  room_id: room-1
  page_size: 50
identity:
  backend: redis
  key_bits: 1024
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Client.UserID)
	assert.Equal(t, "room-1", cfg.Client.RoomID)
	assert.Equal(t, 50, cfg.Client.PageSize)
	assert.Equal(t, BackendRedis, cfg.Identity.Backend)
	assert.Equal(t, MinKeyBits, cfg.Identity.KeyBits, "key size is never below the minimum")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("E2E_CHAT_IDENTITY_BACKEND", "sqlite")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

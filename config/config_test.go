package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.STUNServers)
	assert.Equal(t, 10, cfg.WorkerConcurrency)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("STUN_SERVERS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "secret")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.STUNServers)
	assert.Contains(t, cfg.DSN(), "root:secret@tcp(")
	assert.Contains(t, cfg.DSN(), "parseTime=True")
}

func TestValidateProductionRequiresPassword(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DB_PASSWORD", "")
	cfg := Load()
	assert.Empty(t, cfg.DB.Password, "password has no development default")
	assert.Error(t, cfg.Validate())

	t.Setenv("DB_PASSWORD", "secret")
	cfg = Load()
	assert.NoError(t, cfg.Validate())
}

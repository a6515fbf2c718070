package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYLOAD_ENCRYPTION_KEY", "0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddress)
	assert.Equal(t, int64(604800), cfg.ExpirationKey)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
	assert.Equal(t, int64(1000), cfg.QueueLimit)
	assert.Equal(t, 3*time.Minute, cfg.ClaimTTL)
	assert.Equal(t, "X-LetItGo-Tasks", cfg.HeaderPrefix)
	assert.True(t, cfg.RecoveryEnabled)
	assert.NotEmpty(t, cfg.InstanceID)
	if host, err := os.Hostname(); err == nil && host != "" {
		assert.Equal(t, host, cfg.InstanceID, "the host name survives a restart")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PAYLOAD_ENCRYPTION_KEY", "0123456789abcdef")
	t.Setenv("REDIS_ADDRESS", "redis:6380")
	t.Setenv("REDIS_DB", "4")
	t.Setenv("EXPIRATION_KEY", "60")
	t.Setenv("CLAIM_TTL", "15s")
	t.Setenv("INSTANCE_ID", "node-a")
	t.Setenv("RECOVERY_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.RedisAddress)
	assert.Equal(t, 4, cfg.RedisDB)
	assert.Equal(t, time.Minute, cfg.Retention())
	assert.Equal(t, 15*time.Second, cfg.ClaimTTL)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.False(t, cfg.RecoveryEnabled)
}

func TestLoadRejectsBadKey(t *testing.T) {
	t.Setenv("PAYLOAD_ENCRYPTION_KEY", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYLOAD_ENCRYPTION_KEY")
}

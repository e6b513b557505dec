package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithEnv(t *testing.T) {
	t.Setenv("COLLAB_AUTH_JWTSECRET", "from-env")
	t.Setenv("COLLAB_COLLAB_TEARDOWNGRACE", "5s")
	t.Setenv("COLLAB_REDIS_ADDRS", "r1:6379,r2:6379")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.Collab.TeardownGrace)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 10*time.Second, cfg.Collab.PresenceStaleAfter)
	assert.Equal(t, 1500*time.Millisecond, cfg.Collab.TypingQuiet)
	assert.Equal(t, time.Second, cfg.Persist.Debounce)
	assert.Equal(t, 2*time.Second, cfg.Auth.LookupTimeout)
	assert.False(t, cfg.Auth.DevAllowUnlisted)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
running:
  port: 9000
auth:
  jwtSecret: "s"
  devAllowUnlisted: true
kafka:
  brokers: ["k1:9092", "k2:9092"]
persist:
  debounce: 250ms
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Running.Port)
	assert.True(t, cfg.Auth.DevAllowUnlisted)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Persist.Debounce)
	assert.Equal(t, "collab-room-events", cfg.Kafka.Topic)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	yaml := `
auth:
  jwtSecret: "s"
collab:
  presenceStaleAfter: 0s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte(yaml), 0o600))
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collab.presenceStaleAfter")

	_, err = Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwtSecret")
}

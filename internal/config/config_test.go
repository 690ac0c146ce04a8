package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.Connection.HeartbeatTimeout)
	assert.Equal(t, 10, cfg.Connection.MaxReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.Connection.ReconnectInterval)
	assert.Equal(t, 10*time.Second, cfg.Connection.QualityCheckInterval)
	assert.Equal(t, 2*time.Second, cfg.Connection.BackupConnectionTimeout)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 3, cfg.Breaker.HalfOpenSuccess)
	assert.Equal(t, 5*time.Second, cfg.Breaker.TimeoutDuration)

	assert.Equal(t, 2*time.Minute, cfg.Emergency.ResponseTimeThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Emergency.LocationTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Emergency.RetentionPeriod)
	assert.InDelta(t, 0.8, cfg.Emergency.CrowdingRatio, 0.001)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "7")
	t.Setenv("LB_NODES", "http://node-a:8080, http://node-b:8080")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, []string{"http://node-a:8080", "http://node-b:8080"}, cfg.Balancer.Nodes)
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Connection.MaxReconnectAttempts)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host: "db", Port: 5432, User: "guard", Password: "secret",
		Database: "nightguard", SSLMode: "disable",
	}

	assert.Equal(t,
		"host=db port=5432 user=guard password=secret dbname=nightguard sslmode=disable",
		cfg.GetDSN(),
	)
}

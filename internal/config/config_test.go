package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, 24*time.Hour, cfg.PoolCacheTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.WarmCacheTTL)
	assert.Equal(t, 30*time.Minute, cfg.SessionStateTTL)
	assert.Equal(t, 5*time.Second, cfg.SubmissionLockTTL)
	assert.Equal(t, 10*time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 30*time.Minute, cfg.InactivityThreshold)
	assert.Equal(t, 5, cfg.MinQuestions)
	assert.Equal(t, 20, cfg.MaxQuestions)
	assert.InDelta(t, 0.1, cfg.LearningRate, 1e-9)
	assert.Len(t, cfg.DefaultConcepts, 5)
	assert.False(t, cfg.EventsEnabled())
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("DEFAULT_CONCEPTS", "Reading,Writing")
	t.Setenv("EXTERNAL_API_TIMEOUT", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, "cache.internal:6380", cfg.RedisAddr())
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.EventsEnabled())
	assert.Equal(t, []string{"Reading", "Writing"}, cfg.DefaultConcepts)
	assert.Equal(t, 10*time.Second, cfg.ExternalAPITimeout)
}

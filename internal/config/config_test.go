package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-job-orchestrator/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, 1, cfg.ConcurrencyFor("posts"))
	assert.Equal(t, models.DefaultJobOptions(), cfg.DefaultJobOptions)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("JOB_ATTEMPTS", "5")
	t.Setenv("JOB_BACKOFF_TYPE", "linear")
	t.Setenv("JOB_BACKOFF_DELAY", "500ms")
	t.Setenv("JOB_REMOVE_ON_COMPLETE", "0")
	t.Setenv("QUEUE_CONCURRENCY", "posts=2, notifications=5")
	t.Setenv("QUEUE_RATE_LIMITS", "posts=10/1s")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 5, cfg.DefaultJobOptions.MaxAttempts)
	assert.Equal(t, models.BackoffLinear, cfg.DefaultJobOptions.Backoff.Type)
	assert.Equal(t, 500*time.Millisecond, cfg.DefaultJobOptions.Backoff.Delay)
	assert.Equal(t, 0, cfg.DefaultJobOptions.Retention.KeepCompleted)
	assert.Equal(t, 2, cfg.ConcurrencyFor("posts"))
	assert.Equal(t, 5, cfg.ConcurrencyFor("notifications"))
	assert.Equal(t, 1, cfg.ConcurrencyFor("media"))

	rl, ok := cfg.RateLimitFor("posts")
	require.True(t, ok)
	assert.Equal(t, RateLimit{Max: 10, Per: time.Second}, rl)
}

func TestValidateRejectsBadBrokerAddress(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-port")
	cfg := Load()
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.RedisHost = "redis:// host"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.RedisPort = 70000
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMalformedLists(t *testing.T) {
	t.Setenv("QUEUE_CONCURRENCY", "posts")
	assert.Error(t, Load().Validate())

	t.Setenv("QUEUE_CONCURRENCY", "posts=0")
	assert.Error(t, Load().Validate())

	t.Setenv("QUEUE_CONCURRENCY", "")
	t.Setenv("QUEUE_RATE_LIMITS", "posts=10")
	assert.Error(t, Load().Validate())

	t.Setenv("QUEUE_RATE_LIMITS", "")
	t.Setenv("JOB_BACKOFF_TYPE", "random")
	assert.Error(t, Load().Validate())
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_DRIVER", "RABBITMQ_QUEUE_PREFIX", "WORKER_CONCURRENCY", "MAX_JOB_RETRIES", "HISTORY_FETCH_LIMIT", "GEMINI_MODEL", "REPLY_ON_LOST_ANCHOR"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "inboxpilot", cfg.QueuePrefix)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 3, cfg.MaxJobRetries)
	assert.Equal(t, 20, cfg.HistoryFetchLimit)
	assert.Equal(t, "gemini-2.0-flash", cfg.GeminiModel)
	assert.False(t, cfg.ReplyOnLostAnchor)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("REPLY_ON_LOST_ANCHOR", "true")
	t.Setenv("HISTORY_FETCH_LIMIT", "50")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.True(t, cfg.ReplyOnLostAnchor)
	assert.Equal(t, 50, cfg.HistoryFetchLimit)
}

func TestLoadConfigEnforcesMinimumConcurrency(t *testing.T) {
	// One worker would serialize every conversation behind the slowest job.
	t.Setenv("WORKER_CONCURRENCY", "1")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	t.Setenv("SOME_BOOL", "not-a-bool")

	assert.Equal(t, 7, envInt("SOME_INT", 7))
	assert.True(t, envBool("SOME_BOOL", true))
}

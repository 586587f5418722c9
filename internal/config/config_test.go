package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerDefaults(t *testing.T) {
	c, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":8081", c.ListenAddr)
	assert.Equal(t, "localhost:6379", c.RedisAddr)
	assert.Equal(t, "postgres", c.StoreDriver)
	assert.True(t, c.Announce)
}

func TestServerFromEnvironment(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/data/docs.db")
	t.Setenv("MDNS_ANNOUNCE", "false")

	c, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, "redis:6380", c.RedisAddr)
	assert.Equal(t, "sqlite", c.StoreDriver)
	assert.Equal(t, "/data/docs.db", c.SQLitePath)
	assert.False(t, c.Announce)
}

func TestUnknownStoreDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := LoadServer()
	assert.ErrorContains(t, err, "mongo")
}

func TestAgentTimingDefaults(t *testing.T) {
	c, err := LoadAgent("doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", c.Session.DocumentID)
	assert.Equal(t, 50*time.Millisecond, c.Session.Provider.BatchWindow)
	assert.Equal(t, 100, c.Session.Provider.QueueCapacity)
	assert.Equal(t, 30*time.Second, c.Session.Provider.ResyncInterval)
	assert.Equal(t, 800*time.Millisecond, c.Session.Persistence.Debounce)
	assert.Equal(t, time.Second, c.Session.Supervisor.Reconnect.InitialDelay)
	assert.Equal(t, 30*time.Second, c.Session.Supervisor.Reconnect.MaxDelay)
	assert.Equal(t, 10, c.Session.Supervisor.Reconnect.MaxAttempts)
	assert.Equal(t, 5, c.Session.Persistence.Retry.MaxAttempts)
	assert.Equal(t, 50, c.Session.Persistence.SnapshotEveryN)
	assert.Equal(t, 5*time.Minute, c.Session.Persistence.SnapshotEvery)
}

func TestAgentTimingOverrides(t *testing.T) {
	t.Setenv("BATCH_WINDOW_MS", "10")
	t.Setenv("SAVE_DEBOUNCE_MS", "2000")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("AGENT_AUTHOR", "alice")

	c, err := LoadAgent("doc-1")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, c.Session.Provider.BatchWindow)
	assert.Equal(t, 2*time.Second, c.Session.Persistence.Debounce)
	assert.Equal(t, 3, c.Session.Supervisor.Reconnect.MaxAttempts)
	assert.Equal(t, "alice", c.Session.Author)
}

func TestNegativeDurationRejected(t *testing.T) {
	t.Setenv("RESYNC_INTERVAL_MS", "-5")
	_, err := LoadAgent("doc-1")
	assert.ErrorContains(t, err, "RESYNC_INTERVAL_MS")
}

func TestMalformedNumberRejected(t *testing.T) {
	t.Setenv("QUEUE_CAPACITY", "lots")
	_, err := LoadAgent("doc-1")
	assert.Error(t, err)
}

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-intel/internal/config"
	"github.com/sells-group/account-intel/internal/store"
)

// withConfig swaps the package config for the duration of a test.
func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	old := cfg
	cfg = c
	t.Cleanup(func() { cfg = old })
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "intel.db")},
		RateLimit: config.RateLimitConfig{Backend: "postgres"},
	}
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	withConfig(t, &config.Config{Store: config.StoreConfig{Driver: "mysql"}})
	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStoreOnly_SQLite(t *testing.T) {
	withConfig(t, sqliteConfig(t))

	env, err := initStoreOnly(context.Background())
	require.NoError(t, err)
	defer env.Close()

	assert.IsType(t, &store.SQLiteStore{}, env.Store)
	require.NotNil(t, env.Collector)
	require.NoError(t, env.Store.Ping(context.Background()))

	// The postgres counter backend falls back to memory on SQLite.
	assert.NotNil(t, initLimiter(env.Store))
}

func TestInitPipeline_RequiresAnthropicKey(t *testing.T) {
	withConfig(t, sqliteConfig(t))
	_, err := initPipeline(context.Background(), "inference")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key")
}

func TestInitPipeline_SQLite(t *testing.T) {
	c := sqliteConfig(t)
	c.Anthropic = config.AnthropicConfig{Key: "sk-test", Model: "claude-haiku-4-5-20251001", MaxTokens: 1024, TimeoutSecs: 5}
	withConfig(t, c)

	env, err := initPipeline(context.Background(), "inference")
	require.NoError(t, err)
	defer env.Close()
	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Limiter)
}

func TestInitPublisher(t *testing.T) {
	withConfig(t, &config.Config{})
	pub, err := initPublisher()
	require.NoError(t, err)
	assert.Nil(t, pub)

	withConfig(t, &config.Config{Salesforce: config.SalesforceConfig{Enabled: true}})
	_, err = initPublisher()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init salesforce")
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
	assert.Equal(t, 8080, resolvePort(0, 8080))
	assert.Equal(t, 0, resolvePort(0, 0))
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseDate("2025-03-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), got)

	_, err = parseDate("March 2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YYYY-MM-DD")
}

func TestWriteResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, map[string]int{"classified": 3, "total": 100}))
	assert.JSONEq(t, `{"classified":3,"total":100}`, buf.String())
}

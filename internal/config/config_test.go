package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "service", cfg.LLM.Backend)
	assert.Equal(t, "http://localhost:8003", cfg.LLM.ServiceURL)
	assert.Equal(t, "http://localhost:8002", cfg.RAG.ServiceURL)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 10*time.Second, cfg.LLM.ClassificationTimeout)
	assert.Equal(t, 10*time.Second, cfg.LLM.ExtractionTimeout)
	assert.Equal(t, 30*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Checkpoint.TTL)
	assert.True(t, cfg.Checkpoint.Enabled)
	assert.Equal(t, 4000, cfg.Compression.TokenBudget)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  backend: openai
  model: gpt-4o
checkpoint:
  driver: postgres
  ttl: 48h
breakers:
  database:
    failure_threshold: 9
`), 0o644))

	t.Setenv("AGENT_LLM_MODEL", "gpt-4.1-mini")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.LLM.Backend)
	assert.Equal(t, "gpt-4.1-mini", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAIAPIKey)
	assert.Equal(t, "postgres", cfg.Checkpoint.Driver)
	assert.Equal(t, 48*time.Hour, cfg.Checkpoint.TTL)
	assert.Equal(t, uint32(9), cfg.Breakers.Database.FailureThreshold)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint:\n  driver: mongo\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))
	initial, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, zaptest.NewLogger(t))
	w.debounce = 10 * time.Millisecond
	got := make(chan string, 1)
	w.OnChange(func(c *Config) error {
		got <- c.Logging.Level
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case level := <-got:
		assert.Equal(t, "debug", level)
		assert.Equal(t, "debug", w.Current().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

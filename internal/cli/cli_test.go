package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// sqliteConfig writes a config file pointing the checkpoint store at a temp
// SQLite database.
func sqliteConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "checkpoints.db")
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
checkpoint:
  driver: sqlite
  dsn: %s
  ttl: 24h
  auto_migrate: true
logging:
  level: error
`, dsn)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dsn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, cfgPath string) {
	t.Helper()
	b, err := loadBase(cfgPath)
	require.NoError(t, err)
	store, err := b.openStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	s := state.New("u1", "conv-1", nil, "Who funds Acme?")
	s.AppendAssistant("Acme is backed by Sequoia.")
	raw, err := state.Snapshot(s)
	require.NoError(t, err)

	now := time.Now().UTC()
	steps := []struct{ id, parent, node, next string }{
		{"cp-1", "", "classify_intent", "retrieve_context"},
		{"cp-2", "cp-1", "retrieve_context", "generate_response"},
		{"cp-3", "cp-2", "generate_response", "validate_response"},
	}
	for i, st := range steps {
		require.NoError(t, store.Put(context.Background(), checkpoint.Checkpoint{
			ThreadID:           "conv-1",
			CheckpointID:       st.id,
			ParentCheckpointID: st.parent,
			State:              raw,
			Metadata:           map[string]any{"node": st.node, "next": st.next, "step": i + 1},
			CreatedAt:          now.Add(time.Duration(i-10) * time.Second),
		}))
	}
	require.NoError(t, store.Put(context.Background(), checkpoint.Checkpoint{
		ThreadID: "stale", CheckpointID: "old", State: raw, CreatedAt: now.Add(-72 * time.Hour),
	}))
}

func TestCheckpointsCommands(t *testing.T) {
	cfg, _ := sqliteConfig(t)
	seed(t, cfg)

	out, err := run(t, "--config", cfg, "checkpoints", "list", "--thread", "conv-1", "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "cp-3"), out)
	assert.Contains(t, lines[1], "generate_response")

	out, err = run(t, "--config", cfg, "cp", "chain", "-t", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(strings.TrimSpace(out), "\n")+1)
	assert.Contains(t, out, "cp-1")

	out, err = run(t, "--config", cfg, "checkpoints", "show", "--thread", "conv-1", "cp-2")
	require.NoError(t, err)
	assert.Contains(t, out, `"checkpoint_id": "cp-2"`)
	assert.Contains(t, out, "Acme is backed by Sequoia.")

	_, err = run(t, "--config", cfg, "checkpoints", "show", "--thread", "conv-1", "cp-9")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	out, err = run(t, "--config", cfg, "checkpoints", "delete", "--thread", "conv-1", "cp-3")
	require.NoError(t, err)
	assert.Equal(t, "deleted 1 checkpoint(s)\n", out)

	out, err = run(t, "--config", cfg, "checkpoints", "delete", "--thread", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "deleted 2 checkpoint(s)\n", out)
}

func TestCheckpointsRequireThread(t *testing.T) {
	cfg, _ := sqliteConfig(t)
	_, err := run(t, "--config", cfg, "checkpoints", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"thread" not set`)
}

func TestSweepCommand(t *testing.T) {
	cfg, _ := sqliteConfig(t)
	seed(t, cfg)

	out, err := run(t, "--config", cfg, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "deleted 1 checkpoint(s) older than 24h0m0s\n", out)

	out, err = run(t, "--config", cfg, "sweep", "--ttl", "1ms")
	require.NoError(t, err)
	assert.Equal(t, "deleted 3 checkpoint(s) older than 1ms\n", out)
}

func TestMigrateCommands(t *testing.T) {
	cfg, _ := sqliteConfig(t)

	out, err := run(t, "--config", cfg, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	out, err = run(t, "--config", cfg, "migrate", "up")
	require.NoError(t, err)
	assert.Equal(t, "migrations applied\n", out)

	out, err = run(t, "--config", cfg, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "applied")
	assert.Contains(t, out, "00001_agent_checkpoints.sql")

	_, err = run(t, "--config", cfg, "migrate", "down")
	require.NoError(t, err)
}

func TestMigrateNeedsSQLStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint:\n  driver: memory\nlogging:\n  level: error\n"), 0o600))

	_, err := run(t, "--config", path, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no schema to migrate")
}

func TestPriorMessages(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	assert.Nil(t, priorMessages(context.Background(), nil, "conv-1", logger))
	assert.Nil(t, priorMessages(context.Background(), store, "conv-1", logger))

	s := state.New("u1", "conv-1", nil, "first question")
	s.AppendAssistant("first answer")
	raw, err := state.Snapshot(s)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), checkpoint.Checkpoint{ThreadID: "conv-1", CheckpointID: "a", State: raw}))

	msgs := priorMessages(context.Background(), store, "conv-1", logger)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first answer", msgs[1].Content)
}

func TestPrintAnswer(t *testing.T) {
	s := state.New("u1", "conv-1", nil, "q")
	s.Intent = state.IntentResearchQuery
	s.AppendAssistant("Acme raised $10M.")
	s.Sources = []state.Citation{{ChunkID: "c1", Title: "Acme funding", ArticleURL: "https://news.example/acme", PublishedDate: "2025-03-01"}}
	s.AddUsage(state.Usage{"total_tokens": 42})

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	printAnswer(cmd, s)

	assert.Equal(t, "Acme raised $10M.\n\nSources:\n  [1] Acme funding https://news.example/acme 2025-03-01\n\nthread=conv-1 intent=research_query tokens=42\n", out.String())
}

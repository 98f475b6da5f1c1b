// Package checkpoint persists per-node snapshots of a conversation turn so a
// turn can be audited, replayed or resumed.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
)

// ErrNotFound is returned by Get when no checkpoint matches.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one stored snapshot. Checkpoints of a thread form a chain
// through ParentCheckpointID.
type Checkpoint struct {
	ThreadID           string          `json:"thread_id"`
	CheckpointID       string          `json:"checkpoint_id"`
	ParentCheckpointID string          `json:"parent_checkpoint_id,omitempty"`
	State              json.RawMessage `json:"state"`
	Metadata           map[string]any  `json:"metadata"`
	CreatedAt          time.Time       `json:"created_at"`
}

// MetaString returns a string metadata entry.
func (c Checkpoint) MetaString(key string) string {
	s, _ := c.Metadata[key].(string)
	return s
}

// Store is the checkpoint persistence contract.
type Store interface {
	// Put inserts or replaces the checkpoint with the same (thread, id).
	Put(ctx context.Context, cp Checkpoint) error
	// Get loads one checkpoint. An empty checkpointID selects the latest.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)
	// List returns up to limit checkpoints of a thread, newest first.
	List(ctx context.Context, threadID string, limit int) ([]Checkpoint, error)
	// Delete removes one checkpoint, or the whole thread when checkpointID is empty.
	Delete(ctx context.Context, threadID, checkpointID string) (int64, error)
	// Sweep removes every checkpoint older than ttl.
	Sweep(ctx context.Context, ttl time.Duration) (int64, error)
	Close() error
}

// Chain walks parent links from the latest checkpoint of a thread back to
// its root. A missing parent ends the walk.
func Chain(ctx context.Context, store Store, threadID string) ([]Checkpoint, error) {
	cp, err := store.Get(ctx, threadID, "")
	if err != nil {
		return nil, err
	}
	chain := []Checkpoint{*cp}
	seen := map[string]bool{cp.CheckpointID: true}
	for cp.ParentCheckpointID != "" && !seen[cp.ParentCheckpointID] {
		parent, err := store.Get(ctx, threadID, cp.ParentCheckpointID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return chain, err
		}
		seen[parent.CheckpointID] = true
		chain = append(chain, *parent)
		cp = parent
	}
	return chain, nil
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.CheckpointConfig, breaker circuitbreaker.Settings, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", "memory":
		logger.Info("Using in-memory checkpoint store")
		return NewMemoryStore(), nil
	case DriverPostgres, DriverSQLite, "sqlite":
		driver := cfg.Driver
		if driver == "sqlite" {
			driver = DriverSQLite
		}
		s, err := OpenSQL(ctx, driver, cfg.DSN, breaker, logger)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint driver %q", cfg.Driver)
	}
}

func encodeMetadata(md map[string]any) (string, error) {
	if md == nil {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]any {
	md := map[string]any{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &md)
	}
	return md
}

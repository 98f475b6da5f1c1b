// Package activities holds the Temporal activities that run agent turns and
// maintain the checkpoint store.
package activities

import (
	"context"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// Registered activity names.
const (
	RunTurnActivity          = "RunTurn"
	SweepCheckpointsActivity = "SweepCheckpoints"
)

// TurnExecutor runs and resumes turns; *graph.Executor satisfies it.
type TurnExecutor interface {
	Run(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error)
	Resume(ctx context.Context, threadID string) (*state.ConversationState, error)
}

// Activities holds the dependencies shared by every activity.
type Activities struct {
	turns  TurnExecutor
	store  checkpoint.Store
	logger *zap.Logger
}

// NewActivities creates the activity set. store may be nil when
// checkpointing is disabled; SweepCheckpoints then does nothing.
func NewActivities(turns TurnExecutor, store checkpoint.Store, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{turns: turns, store: store, logger: logger}
}

package activities

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/graph"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// TurnInput describes one turn. With Resume set only ConversationID is used
// and the thread continues from its latest checkpoint.
type TurnInput struct {
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	History        []state.Message `json:"history,omitempty"`
	Message        string          `json:"message"`
	Resume         bool            `json:"resume,omitempty"`
}

type TurnResult struct {
	State *state.ConversationState `json:"state"`
}

// Non-retryable error types reported by RunTurn.
const (
	ErrTypeInvalidState = "InvalidTurnState"
	ErrTypeNotFound     = "CheckpointNotFound"
	ErrTypeDisabled     = "CheckpointingDisabled"
)

// RunTurn executes the whole graph for one turn. Node failures are already
// folded into the returned state, so any error here is a refusal or an
// infrastructure failure.
func (a *Activities) RunTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	info := activity.GetInfo(ctx)
	logger := a.logger.With(
		zap.String("conversation_id", in.ConversationID),
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.Int32("attempt", info.Attempt),
	)

	var (
		out *state.ConversationState
		err error
	)
	if in.Resume {
		logger.Info("Resuming turn")
		out, err = a.turns.Resume(ctx, in.ConversationID)
	} else {
		logger.Info("Running turn", zap.String("user_id", in.UserID))
		out, err = a.turns.Run(ctx, state.New(in.UserID, in.ConversationID, in.History, in.Message))
	}
	if err != nil {
		logger.Warn("Turn failed", zap.Error(err))
		return TurnResult{}, classify(err)
	}
	return TurnResult{State: out}, nil
}

// classify marks errors that a retry cannot fix.
func classify(err error) error {
	switch {
	case errors.Is(err, graph.ErrInvalidState):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidState, err)
	case errors.Is(err, checkpoint.ErrNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNotFound, err)
	case errors.Is(err, graph.ErrCheckpointingDisabled):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeDisabled, err)
	}
	return fmt.Errorf("run turn: %w", err)
}

package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/activities"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/graph"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// Runner executes turns as TurnWorkflow runs and waits for the result. It
// has the same Run/Resume surface as the in-process executor, so the HTTP
// API can use either.
type Runner struct {
	client    client.Client
	taskQueue string
	logger    *zap.Logger
}

func NewRunner(c client.Client, taskQueue string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{client: c, taskQueue: taskQueue, logger: logger}
}

// Run validates the state locally, then hands the turn to a worker. The
// latest message must be the user's.
func (r *Runner) Run(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrInvalidState, err)
	}
	n := len(s.Messages)
	if n == 0 || s.Messages[n-1].Role != state.RoleUser {
		return nil, fmt.Errorf("%w: the last message must come from the user", graph.ErrInvalidState)
	}
	return r.execute(ctx, "turn-"+s.ConversationID, activities.TurnInput{
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		History:        s.Messages[:n-1],
		Message:        s.Messages[n-1].Content,
	})
}

// Resume continues a thread from its latest checkpoint on a worker.
func (r *Runner) Resume(ctx context.Context, threadID string) (*state.ConversationState, error) {
	return r.execute(ctx, "resume-"+threadID, activities.TurnInput{ConversationID: threadID, Resume: true})
}

func (r *Runner) execute(ctx context.Context, prefix string, in activities.TurnInput) (*state.ConversationState, error) {
	opts := client.StartWorkflowOptions{
		ID:        prefix + "-" + uuid.NewString(),
		TaskQueue: r.taskQueue,
		Memo: map[string]interface{}{
			"conversation_id": in.ConversationID,
			"user_id":         in.UserID,
		},
	}
	run, err := r.client.ExecuteWorkflow(ctx, opts, TurnWorkflowName, in)
	if err != nil {
		return nil, fmt.Errorf("start turn workflow: %w", err)
	}
	r.logger.Debug("Started turn workflow",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
		zap.String("conversation_id", in.ConversationID),
	)

	var result activities.TurnResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, unwrapTurnError(err)
	}
	if result.State == nil {
		return nil, fmt.Errorf("turn workflow %s returned no state", run.GetID())
	}
	return result.State, nil
}

// unwrapTurnError restores the sentinel errors the activity reported, so
// callers can map them as they would for a local turn.
func unwrapTurnError(err error) error {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return err
	}
	switch appErr.Type() {
	case activities.ErrTypeInvalidState:
		return fmt.Errorf("%w: %s", graph.ErrInvalidState, appErr.Error())
	case activities.ErrTypeNotFound:
		return fmt.Errorf("%w: %s", checkpoint.ErrNotFound, appErr.Error())
	case activities.ErrTypeDisabled:
		return graph.ErrCheckpointingDisabled
	}
	return err
}

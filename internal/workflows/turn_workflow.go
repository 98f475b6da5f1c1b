// Package workflows runs agent turns and checkpoint maintenance as durable
// Temporal workflows.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/activities"
)

// Workflow names as registered on the worker.
const (
	TurnWorkflowName            = "TurnWorkflow"
	CheckpointSweepWorkflowName = "CheckpointSweepWorkflow"
)

const turnTimeout = 5 * time.Minute

// TurnWorkflow runs one turn through the RunTurn activity. The activity is
// attempted once: node failures already end in an apology inside the state,
// and a rerun would repeat every LLM call.
func TurnWorkflow(ctx workflow.Context, in activities.TurnInput) (activities.TurnResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting TurnWorkflow",
		"conversation_id", in.ConversationID,
		"user_id", in.UserID,
		"resume", in.Resume,
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: turnTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var result activities.TurnResult
	if err := workflow.ExecuteActivity(ctx, activities.RunTurnActivity, in).Get(ctx, &result); err != nil {
		logger.Error("Turn failed", "conversation_id", in.ConversationID, "error", err)
		return activities.TurnResult{}, err
	}
	logger.Info("TurnWorkflow completed", "conversation_id", in.ConversationID)
	return result, nil
}

package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/activities"
)

// CheckpointSweepWorkflow deletes checkpoints older than the TTL. It is
// started by the sweep schedule.
func CheckpointSweepWorkflow(ctx workflow.Context, in activities.SweepInput) (activities.SweepResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	})

	var result activities.SweepResult
	if err := workflow.ExecuteActivity(ctx, activities.SweepCheckpointsActivity, in).Get(ctx, &result); err != nil {
		return activities.SweepResult{}, err
	}
	workflow.GetLogger(ctx).Info("Checkpoint sweep finished", "deleted", result.Deleted, "ttl", in.TTL.String())
	return result, nil
}

package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/activities"
)

// SweepScheduleID identifies the single checkpoint sweep schedule.
const SweepScheduleID = "xynenyx-checkpoint-sweep"

// Register adds the workflows and activities to a worker.
func Register(w worker.Registry, acts *activities.Activities) {
	w.RegisterWorkflowWithOptions(TurnWorkflow, workflow.RegisterOptions{Name: TurnWorkflowName})
	w.RegisterWorkflowWithOptions(CheckpointSweepWorkflow, workflow.RegisterOptions{Name: CheckpointSweepWorkflowName})
	w.RegisterActivity(acts)
}

// EnsureSweepSchedule creates the schedule that starts
// CheckpointSweepWorkflow every interval. An existing schedule is left as is.
func EnsureSweepSchedule(ctx context.Context, c client.Client, taskQueue string, every, ttl time.Duration, logger *zap.Logger) error {
	_, err := c.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: SweepScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: every}},
		},
		Action: &client.ScheduleWorkflowAction{
			Workflow:  CheckpointSweepWorkflowName,
			TaskQueue: taskQueue,
			Args:      []interface{}{activities.SweepInput{TTL: ttl}},
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		logger.Debug("Checkpoint sweep schedule already exists", zap.String("schedule_id", SweepScheduleID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("create sweep schedule: %w", err)
	}
	logger.Info("Created checkpoint sweep schedule",
		zap.String("schedule_id", SweepScheduleID),
		zap.Duration("every", every),
		zap.Duration("ttl", ttl),
	)
	return nil
}

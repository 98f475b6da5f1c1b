package activities

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/graph"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

type fakeExecutor struct {
	runErr  error
	resumed []string
}

func (f *fakeExecutor) Run(_ context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	s.Intent = state.IntentResearchQuery
	s.AppendAssistant("answer to " + s.LatestUserMessage())
	return s, nil
}

func (f *fakeExecutor) Resume(_ context.Context, threadID string) (*state.ConversationState, error) {
	f.resumed = append(f.resumed, threadID)
	if threadID == "missing" {
		return nil, checkpoint.ErrNotFound
	}
	s := state.New("u1", threadID, nil, "q")
	s.AppendAssistant("resumed")
	return s, nil
}

func TestRunTurnActivity(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	acts := NewActivities(&fakeExecutor{}, nil, zaptest.NewLogger(t))
	env.RegisterActivity(acts.RunTurn)

	val, err := env.ExecuteActivity(acts.RunTurn, TurnInput{
		UserID:         "u1",
		ConversationID: "thread-1",
		History:        []state.Message{{Role: state.RoleUser, Content: "hi"}, {Role: state.RoleAssistant, Content: "hello"}},
		Message:        "Who funds Acme?",
	})
	require.NoError(t, err)

	var res TurnResult
	require.NoError(t, val.Get(&res))
	require.NotNil(t, res.State)
	assert.Equal(t, state.IntentResearchQuery, res.State.Intent)
	require.Len(t, res.State.Messages, 4)
	assert.Equal(t, "answer to Who funds Acme?", res.State.Messages[3].Content)
}

func TestRunTurnActivityResume(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	exec := &fakeExecutor{}
	acts := NewActivities(exec, nil, nil)
	env.RegisterActivity(acts.RunTurn)

	val, err := env.ExecuteActivity(acts.RunTurn, TurnInput{ConversationID: "thread-7", Resume: true})
	require.NoError(t, err)
	var res TurnResult
	require.NoError(t, val.Get(&res))
	assert.Equal(t, []string{"thread-7"}, exec.resumed)
	last, ok := res.State.LastAssistantMessage()
	require.True(t, ok)
	assert.Equal(t, "resumed", last.Content)
}

func TestRunTurnActivityErrors(t *testing.T) {
	tests := []struct {
		name         string
		runErr       error
		resume       string
		wantType     string
		nonRetryable bool
	}{
		{"invalid state", fmt.Errorf("%w: user_id cannot be empty", graph.ErrInvalidState), "", ErrTypeInvalidState, true},
		{"missing thread", nil, "missing", ErrTypeNotFound, true},
		{"infrastructure", errors.New("store unreachable"), "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts testsuite.WorkflowTestSuite
			env := ts.NewTestActivityEnvironment()
			acts := NewActivities(&fakeExecutor{runErr: tt.runErr}, nil, nil)
			env.RegisterActivity(acts.RunTurn)

			in := TurnInput{UserID: "u1", ConversationID: "thread-1", Message: "q"}
			if tt.resume != "" {
				in = TurnInput{ConversationID: tt.resume, Resume: true}
			}
			_, err := env.ExecuteActivity(acts.RunTurn, in)
			require.Error(t, err)

			var appErr *temporal.ApplicationError
			require.True(t, errors.As(err, &appErr), err.Error())
			assert.Equal(t, tt.nonRetryable, appErr.NonRetryable())
			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, appErr.Type())
			}
		})
	}
}

func TestSweepCheckpointsActivity(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Put(ctx, checkpoint.Checkpoint{ThreadID: "t", CheckpointID: "old", State: []byte(`{}`), CreatedAt: old}))
	require.NoError(t, store.Put(ctx, checkpoint.Checkpoint{ThreadID: "t", CheckpointID: "new", ParentCheckpointID: "old", State: []byte(`{}`), CreatedAt: time.Now()}))

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	acts := NewActivities(&fakeExecutor{}, store, zaptest.NewLogger(t))
	env.RegisterActivity(acts.SweepCheckpoints)

	val, err := env.ExecuteActivity(acts.SweepCheckpoints, SweepInput{TTL: 24 * time.Hour})
	require.NoError(t, err)
	var res SweepResult
	require.NoError(t, val.Get(&res))
	assert.Equal(t, int64(1), res.Deleted)

	left, err := store.List(ctx, "t", 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].CheckpointID)
}

func TestSweepCheckpointsWithoutStore(t *testing.T) {
	res, err := NewActivities(&fakeExecutor{}, nil, nil).SweepCheckpoints(context.Background(), SweepInput{TTL: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/metrics"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/streaming"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tracing"
)

// DefaultMaxSteps bounds one turn. The longest legal path is seven nodes.
const DefaultMaxSteps = 16

var (
	// ErrCheckpointingDisabled is returned by Resume without a store.
	ErrCheckpointingDisabled = errors.New("checkpointing is disabled")
	// ErrInvalidState wraps the reason a turn was refused before any node ran.
	ErrInvalidState = errors.New("invalid turn state")
)

// Options configure an Executor. Nil collaborators disable their concern.
type Options struct {
	Checkpoints  checkpoint.Store
	Events       streaming.Publisher
	StreamTokens bool
	MaxSteps     int
	Logger       *zap.Logger
}

// Executor drives a turn through the node graph.
type Executor struct {
	nodes        map[NodeName]NodeFunc
	store        checkpoint.Store
	events       streaming.Publisher
	streamTokens bool
	maxSteps     int
	logger       *zap.Logger
	now          func() time.Time
	newID        func() string
}

func NewExecutor(set *NodeSet, opts Options) *Executor {
	nodes := make(map[NodeName]NodeFunc, len(Nodes))
	for _, name := range Nodes {
		fn, _ := set.Func(name)
		nodes[name] = fn
	}
	return newExecutor(nodes, opts)
}

func newExecutor(nodes map[NodeName]NodeFunc, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &Executor{
		nodes:        nodes,
		store:        opts.Checkpoints,
		events:       opts.Events,
		streamTokens: opts.StreamTokens,
		maxSteps:     opts.MaxSteps,
		logger:       opts.Logger,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Store returns the checkpoint store, or nil.
func (e *Executor) Store() checkpoint.Store { return e.store }

// run is the bookkeeping of one execution.
type run struct {
	threadID string
	parent   string
	step     int
	last     time.Time
}

// Run executes a new turn from classify_intent. The only error is a context
// cancelled before a node starts; node failures end in handle_error.
func (e *Executor) Run(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	s.EnsureUsage()
	return e.execute(ctx, s, NodeClassifyIntent, &run{threadID: s.ConversationID})
}

// Resume continues the thread from its latest checkpoint. A thread whose
// latest checkpoint already routed to END is returned as stored.
func (e *Executor) Resume(ctx context.Context, threadID string) (*state.ConversationState, error) {
	if e.store == nil {
		return nil, ErrCheckpointingDisabled
	}
	cp, err := e.store.Get(ctx, threadID, "")
	if err != nil {
		return nil, err
	}
	s, err := state.Restore(cp.State)
	if err != nil {
		return nil, err
	}
	next := NodeName(cp.MetaString("next"))
	if next == "" || next == End {
		return s, nil
	}
	if _, ok := e.nodes[next]; !ok {
		return s, fmt.Errorf("checkpoint %s names unknown node %q", cp.CheckpointID, next)
	}
	step, _ := cp.Metadata["step"].(float64)
	e.logger.Info("Resuming turn",
		zap.String("thread_id", threadID),
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.String("next", string(next)),
	)
	return e.execute(ctx, s, next, &run{
		threadID: threadID,
		parent:   cp.CheckpointID,
		step:     int(step),
		last:     cp.CreatedAt,
	})
}

func (e *Executor) execute(ctx context.Context, s *state.ConversationState, node NodeName, r *run) (*state.ConversationState, error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "turn", "conversation_id", r.threadID, "start", string(node))
	defer span.End()
	if e.streamTokens && e.events != nil {
		ctx = WithTokenSink(ctx, func(chunk string) {
			e.publish(r.threadID, streaming.Event{Type: streaming.EventToken, Node: string(NodeGenerateResponse), Message: chunk})
		})
	}
	e.publish(r.threadID, streaming.Event{Type: streaming.EventTurnStarted, Node: string(node), Step: r.step})

	for node != End {
		if err := ctx.Err(); err != nil {
			tracing.RecordError(span, err)
			metrics.TurnsTotal.WithLabelValues("cancelled").Inc()
			e.publish(r.threadID, streaming.Event{Type: streaming.EventTurnFailed, Node: string(node), Step: r.step, Message: err.Error()})
			return s, err
		}
		if r.step >= e.maxSteps && node != NodeHandleError {
			e.logger.Error("Turn exceeded step limit",
				zap.String("thread_id", r.threadID),
				zap.Int("max_steps", e.maxSteps),
				zap.String("node", string(node)),
			)
			s.SetError("exceeded the limit of %d steps", e.maxSteps)
			node = NodeHandleError
		}
		s = e.step(ctx, node, s, r)
		tr := Route(node, s)
		if node == NodeClassifyIntent && !s.Intent.Known() {
			e.logger.Warn("Unknown intent, routing as default",
				zap.String("intent", string(s.Intent)),
				zap.String("default", string(state.DefaultIntent)),
			)
		}
		if tr.MarkRetried {
			s.ValidationRetried = true
		}
		r.step++
		e.checkpoint(ctx, s, node, tr.Next, r)
		e.publish(r.threadID, streaming.Event{
			Type: streaming.EventNodeCompleted,
			Node: string(node),
			Step: r.step,
			Data: map[string]any{"next": string(tr.Next), "intent": string(s.Intent)},
		})
		node = tr.Next
	}

	metrics.TurnsTotal.WithLabelValues("completed").Inc()
	metrics.TurnDuration.Observe(time.Since(started).Seconds())
	e.publish(r.threadID, streaming.Event{Type: streaming.EventTurnCompleted, Step: r.step, Message: lastReply(s)})
	return s, nil
}

// step runs one node inside a span. A panicking node is recorded as an error
// so the turn still ends in handle_error.
func (e *Executor) step(ctx context.Context, node NodeName, s *state.ConversationState, r *run) (out *state.ConversationState) {
	ctx, span := tracing.StartSpan(ctx, "node."+string(node), "conversation_id", r.threadID)
	defer span.End()
	e.publish(r.threadID, streaming.Event{Type: streaming.EventNodeStarted, Node: string(node), Step: r.step})

	start := time.Now()
	out = s
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Node panicked", zap.String("node", string(node)), zap.Any("panic", p))
			out = s
			out.SetError("%s failed: %v", node, p)
		}
		if out == nil {
			out = s
		}
		if out.HasError() {
			tracing.RecordError(span, errors.New(out.Error))
		}
		metrics.ObserveNode(string(node), out.HasError(), time.Since(start))
	}()
	return e.nodes[node](ctx, s)
}

// checkpoint persists the state after a node. Failures are logged and never
// abort the turn; the chain then links past the missing checkpoint.
func (e *Executor) checkpoint(ctx context.Context, s *state.ConversationState, node, next NodeName, r *run) {
	if e.store == nil {
		return
	}
	snap, err := state.Snapshot(s)
	if err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		e.logger.Warn("Failed to snapshot state", zap.String("node", string(node)), zap.Error(err))
		return
	}

	// created_at must grow strictly within a thread for "latest" to be exact
	at := e.now().UTC().Truncate(time.Microsecond)
	if !at.After(r.last) {
		at = r.last.Add(time.Microsecond)
	}

	cp := checkpoint.Checkpoint{
		ThreadID:           r.threadID,
		CheckpointID:       e.newID(),
		ParentCheckpointID: r.parent,
		State:              snap,
		Metadata: map[string]any{
			"node":   string(node),
			"step":   r.step,
			"next":   string(next),
			"intent": string(s.Intent),
		},
		CreatedAt: at,
	}
	if err := e.store.Put(context.WithoutCancel(ctx), cp); err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		e.logger.Warn("Failed to write checkpoint",
			zap.String("thread_id", r.threadID),
			zap.String("node", string(node)),
			zap.Error(err),
		)
		return
	}
	metrics.CheckpointWrites.WithLabelValues("success").Inc()
	r.parent = cp.CheckpointID
	r.last = at
}

func (e *Executor) publish(threadID string, evt streaming.Event) {
	if e.events != nil {
		e.events.Publish(threadID, evt)
	}
}

func lastReply(s *state.ConversationState) string {
	if m, ok := s.LastAssistantMessage(); ok {
		return m.Content
	}
	return ""
}

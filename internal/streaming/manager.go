// Package streaming fans turn progress events out to live subscribers and
// keeps a short per-thread history for replay.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
)

const (
	EventTurnStarted   = "turn_started"
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventToken         = "token"
	EventTurnCompleted = "turn_completed"
	EventTurnFailed    = "turn_failed"
)

const DefaultCapacity = 256

// Event is one progress notification of a turn.
type Event struct {
	ThreadID  string         `json:"thread_id"`
	Type      string         `json:"type"`
	Node      string         `json:"node,omitempty"`
	Step      int            `json:"step,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether no further events follow e in its turn.
func (e Event) Terminal() bool {
	return e.Type == EventTurnCompleted || e.Type == EventTurnFailed
}

// Publisher is the write side used by the executor.
type Publisher interface {
	Publish(threadID string, evt Event)
}

// Manager provides in-memory pub/sub for thread events, optionally mirrored
// to a Redis stream so other replicas can replay them.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-thread ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int

	redis    *circuitbreaker.Redis
	redisTTL time.Duration
	logger   *zap.Logger
}

func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// WithRedis mirrors every published event to a capped Redis stream that
// expires ttl after the last write.
func (m *Manager) WithRedis(r *circuitbreaker.Redis, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	m.redis = r
	m.redisTTL = ttl
	return m
}

func streamKey(threadID string) string { return "xynenyx:events:" + threadID }

// Subscribe adds a subscriber channel for threadID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(threadID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[threadID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[threadID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(threadID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[threadID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, threadID)
		}
	}
}

// Publish assigns the next sequence number of the thread and sends the event
// to every subscriber without blocking.
func (m *Manager) Publish(threadID string, evt Event) {
	evt.ThreadID = threadID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[threadID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[threadID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	m.mu.Unlock()

	m.mu.RLock()
	for ch := range m.subscribers[threadID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	m.mu.RUnlock()

	if m.redis != nil {
		m.mirror(evt)
	}
}

func (m *Manager) mirror(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := streamKey(evt.ThreadID)
	err := m.redis.Breaker().Do(ctx, func() error {
		pipe := m.redis.Client().TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: int64(m.capacity),
			Approx: true,
			Values: map[string]any{
				"seq":   strconv.FormatUint(evt.Seq, 10),
				"event": string(evt.Marshal()),
			},
		})
		pipe.Expire(ctx, key, m.redisTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		m.logger.Warn("Failed to mirror event to redis",
			zap.String("thread_id", evt.ThreadID),
			zap.Uint64("seq", evt.Seq),
			zap.Error(err),
		)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(threadID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[threadID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ReplayRedis reads the mirrored stream, for threads published by another
// replica.
func (m *Manager) ReplayRedis(ctx context.Context, threadID string, since uint64) ([]Event, error) {
	if m.redis == nil {
		return nil, nil
	}
	var msgs []redis.XMessage
	err := m.redis.Breaker().Do(ctx, func() error {
		var err error
		msgs, err = m.redis.Client().XRange(ctx, streamKey(threadID), "-", "+").Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["event"].(string)
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			m.logger.Warn("Skipping malformed stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Forget drops the history of a finished thread.
func (m *Manager) Forget(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, threadID)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

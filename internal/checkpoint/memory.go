package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/metrics"
)

// MemoryStore keeps checkpoints in process. Metadata round-trips through JSON
// so values read back the way they do from SQLStore.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]Checkpoint), now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, cp Checkpoint) error {
	if cp.ThreadID == "" || cp.CheckpointID == "" {
		return fmt.Errorf("thread_id and checkpoint_id are required")
	}
	md, err := encodeMetadata(cp.Metadata)
	if err != nil {
		return err
	}
	cp.Metadata = decodeMetadata(md)
	cp.State = append([]byte(nil), cp.State...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	cp.CreatedAt = cp.CreatedAt.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.threads[cp.ThreadID]
	for i := range list {
		if list[i].CheckpointID == cp.CheckpointID {
			list[i] = cp
			return nil
		}
	}
	m.threads[cp.ThreadID] = append(list, cp)
	return nil
}

// newest returns the thread's checkpoints newest first; later inserts win ties.
func (m *MemoryStore) newest(threadID string) []Checkpoint {
	list := m.threads[threadID]
	out := make([]Checkpoint, len(list))
	for i := range list {
		out[len(list)-1-i] = list[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) Get(_ context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if checkpointID == "" {
		list := m.newest(threadID)
		if len(list) == 0 {
			return nil, ErrNotFound
		}
		return &list[0], nil
	}
	for _, cp := range m.threads[threadID] {
		if cp.CheckpointID == checkpointID {
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, threadID string, limit int) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.newest(threadID)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MemoryStore) Delete(_ context.Context, threadID, checkpointID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.threads[threadID]
	if checkpointID == "" {
		delete(m.threads, threadID)
		return int64(len(list)), nil
	}
	for i := range list {
		if list[i].CheckpointID == checkpointID {
			m.threads[threadID] = append(list[:i:i], list[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (m *MemoryStore) Sweep(_ context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for thread, list := range m.threads {
		kept := list[:0:0]
		for _, cp := range list {
			if cp.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(m.threads, thread)
		} else {
			m.threads[thread] = kept
		}
	}
	metrics.CheckpointsSwept.Add(float64(n))
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

package rewriter

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// Cache stores query variations. Implementations never fail loudly: an error
// is reported as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]string, bool)
	Set(ctx context.Context, key string, v []string, ttl time.Duration)
}

// LocalLRU is an in-process LRU with per-entry TTL.
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key  string
	vals []string
	exp  time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return append([]string(nil), ent.vals...), true
		}
		// expired
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, v []string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent := lruEntry{key: key, vals: append([]string(nil), v...), exp: time.Now().Add(ttl)}
	if el, ok := l.m[key]; ok {
		el.Value = ent
		l.list.MoveToFront(el)
		return
	}
	l.m[key] = l.list.PushFront(ent)
	if l.list.Len() > l.cap {
		if lru := l.list.Back(); lru != nil {
			delete(l.m, lru.Value.(lruEntry).key)
			l.list.Remove(lru)
		}
	}
}

// Len reports the number of live and expired-but-unreaped entries.
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// Clear drops every entry.
func (l *LocalLRU) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list.Init()
	l.m = make(map[string]*list.Element, l.cap)
}

// RedisCache is the shared tier, guarded by the Redis circuit breaker.
type RedisCache struct {
	cli *circuitbreaker.Redis
}

func NewRedisCache(cli *circuitbreaker.Redis) *RedisCache { return &RedisCache{cli: cli} }

func (r *RedisCache) Get(ctx context.Context, key string) ([]string, bool) {
	b, err := r.cli.Get(ctx, key)
	if err != nil || len(b) == 0 {
		return nil, false
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil || len(out) == 0 {
		return nil, false
	}
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []string, ttl time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = r.cli.Set(ctx, key, b, ttl)
}

// MakeKey derives the cache key for (query, intent).
func MakeKey(query string, intent state.Intent) string {
	return fmt.Sprintf("rw:%016x", xxh3.HashString(string(intent)+"|"+query))
}

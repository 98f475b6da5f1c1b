// Package rewriter expands a user query into search variations for
// multi-query retrieval.
package rewriter

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/llm"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/metrics"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/prompts"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// MaxVariations caps the returned list, original query included.
const MaxVariations = 5

const minTextQueryLen = 6

// Rewriter memoises variations per (query, intent). Any goroutine may call
// Rewrite; a miss only causes recomputation.
type Rewriter struct {
	client  llm.Client
	prompts *prompts.Catalogue
	lru     *LocalLRU
	shared  Cache
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates a Rewriter. shared may be nil.
func New(client llm.Client, cfg config.RewriterConfig, shared Cache, cat *prompts.Catalogue, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cat == nil {
		cat = prompts.Default()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Rewriter{
		client:  client,
		prompts: cat,
		lru:     NewLocalLRU(cfg.CacheSize),
		shared:  shared,
		ttl:     ttl,
		logger:  logger,
	}
}

// Rewrite returns 1..5 variations with query first. It never fails: on any
// error the result is just [query].
func (r *Rewriter) Rewrite(ctx context.Context, query string, intent state.Intent, meta llm.Meta) []string {
	if strings.TrimSpace(query) == "" {
		return []string{query}
	}
	key := MakeKey(query, intent)
	if v, ok := r.lru.Get(ctx, key); ok {
		metrics.RewriterCache.WithLabelValues("local_hit").Inc()
		return v
	}
	if r.shared != nil {
		if v, ok := r.shared.Get(ctx, key); ok {
			metrics.RewriterCache.WithLabelValues("shared_hit").Inc()
			r.lru.Set(ctx, key, v, r.ttl)
			return v
		}
	}
	metrics.RewriterCache.WithLabelValues("miss").Inc()

	variations, err := r.generate(ctx, query, intent, meta)
	if err != nil {
		r.logger.Warn("Query rewriting failed", zap.String("query", query), zap.Error(err))
		return []string{query}
	}
	r.lru.Set(ctx, key, variations, r.ttl)
	if r.shared != nil {
		r.shared.Set(ctx, key, variations, r.ttl)
	}
	r.logger.Debug("Generated query variations", zap.Int("count", len(variations)), zap.String("query", query))
	return variations
}

func (r *Rewriter) generate(ctx context.Context, query string, intent state.Intent, meta llm.Meta) ([]string, error) {
	sys, user, err := r.prompts.Render(prompts.Rewriter, prompts.Vars{Query: query, Intent: intent})
	if err != nil {
		return nil, err
	}
	if meta.UserID == "" {
		meta.UserID = "query-rewriter"
	}
	resp, err := r.client.Complete(ctx, llm.Request{
		Meta: meta,
		Messages: []state.Message{
			{Role: state.RoleSystem, Content: sys},
			{Role: state.RoleUser, Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}

	var parsed prompts.VariationsResult
	var candidates []string
	if err := llm.DecodeJSON(resp.Content, &parsed); err == nil {
		candidates = parsed.Queries
	} else {
		r.logger.Warn("Failed to parse query variations JSON", zap.Error(err))
		candidates = parseTextList(resp.Content)
	}
	return normalize(query, candidates), nil
}

// normalize puts query first, drops blanks and case-insensitive duplicates
// and caps the list.
func normalize(query string, candidates []string) []string {
	out := make([]string, 0, MaxVariations)
	seen := make(map[string]struct{}, len(candidates)+1)
	add := func(q string) {
		k := strings.ToLower(strings.TrimSpace(q))
		if k == "" {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, strings.TrimSpace(q))
	}
	add(query)
	for _, c := range candidates {
		if len(out) == MaxVariations {
			break
		}
		add(c)
	}
	return out
}

// parseTextList reads a bullet or numbered list out of free text.
func parseTextList(text string) []string {
	var out []string
	for _, line := range strings.Split(llm.StripCodeFences(text), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		if i := strings.IndexAny(line, ".)"); i > 0 && i <= 2 && isDigits(line[:i]) {
			line = line[i+1:]
		}
		line = strings.Trim(strings.TrimSpace(line), `"'`)
		if len(line) >= minTextQueryLen {
			out = append(out, line)
		}
		if len(out) == MaxVariations {
			break
		}
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// ClearLocal drops the in-process tier.
func (r *Rewriter) ClearLocal() { r.lru.Clear() }

// Package tools holds the knowledge-base tools the agent can call instead of
// plain retrieval.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/metrics"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/retrieval"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tracing"
)

const (
	RAGSearch       = "rag_search"
	CompareEntities = "compare_entities"
	AnalyzeTrends   = "analyze_trends"
)

const DefaultTimeout = 30 * time.Second

// Input is what a node hands to a tool.
type Input struct {
	Query        string
	QueryContext string
	Entities     []string
	Filters      state.Filters
	UserID       string
}

// Output is either evidence (rag_search) or a raw JSON report.
type Output struct {
	Items   []state.EvidenceItem
	Sources []state.Citation
	Raw     json.RawMessage
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Run(ctx context.Context, in Input) (Output, error)
}

// Registry resolves tools by name and runs them under a deadline.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *zap.Logger
}

func NewRegistry(cfg config.ToolsConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{tools: make(map[string]Tool), timeout: timeout, logger: logger}
}

// Default registers the three knowledge-base tools over q.
func Default(q retrieval.Querier, cfg config.ToolsConfig, logger *zap.Logger) *Registry {
	r := NewRegistry(cfg, logger)
	r.Register(NewRAGSearch(q))
	r.Register(NewCompare(q, logger))
	r.Register(NewTrends(q))
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes the named tool with the registry timeout.
func (r *Registry) Run(ctx context.Context, name string, in Input) (Output, error) {
	t, ok := r.Get(name)
	if !ok {
		return Output{}, fmt.Errorf("unknown tool: %s", name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "tool."+name)
	defer span.End()

	start := time.Now()
	out, err := t.Run(ctx, in)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.ToolExecutions.WithLabelValues(name, "error").Inc()
		r.logger.Warn("Tool execution failed",
			zap.String("tool", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return Output{}, err
	}
	metrics.ToolExecutions.WithLabelValues(name, "success").Inc()
	r.logger.Debug("Tool executed",
		zap.String("tool", name),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// ragSearch is a plain top-10 retrieval.
type ragSearch struct {
	rag retrieval.Querier
}

func NewRAGSearch(q retrieval.Querier) Tool { return &ragSearch{rag: q} }

func (t *ragSearch) Name() string { return RAGSearch }

func (t *ragSearch) Run(ctx context.Context, in Input) (Output, error) {
	req := retrieval.Request{Query: in.Query, TopK: 10, UserID: in.UserID}.WithFilters(in.Filters)
	resp, err := t.rag.Query(ctx, req)
	if err != nil {
		return Output{}, err
	}
	items := resp.Results
	if items == nil {
		items = []state.EvidenceItem{}
	}
	return Output{Items: items, Sources: state.CitationsFromEvidence(items)}, nil
}

// Package compress shrinks retrieved evidence that would not fit the
// generation prompt.
package compress

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/llm"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/metrics"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/prompts"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/util"
)

const (
	DefaultTokenBudget = 4000

	// MaxTruncatedItems is how many items the truncation policy keeps.
	MaxTruncatedItems = 5
	TruncateChars     = 500
	// FallbackChars applies when fact extraction fails for one item.
	FallbackChars    = 300
	factInputChars   = 1000
	maxFactKeyPoints = 3
)

// Compression methods recorded in item metadata.
const (
	MethodTruncation         = "truncation"
	MethodFactExtraction     = "fact_extraction"
	MethodFallbackTruncation = "fallback_truncation"
	MethodItemFallback       = "fact_extraction_fallback"
	MethodEmpty              = "empty"
)

// EstimateTokens approximates the token count of items as characters / 4.
func EstimateTokens(items []state.EvidenceItem) int {
	chars := 0
	for _, it := range items {
		chars += utf8.RuneCountInString(it.Content)
	}
	return chars / 4
}

// Compressor applies the compression policy.
type Compressor struct {
	client  llm.Client
	prompts *prompts.Catalogue
	budget  int
	logger  *zap.Logger
}

func New(client llm.Client, cfg config.CompressionConfig, cat *prompts.Catalogue, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cat == nil {
		cat = prompts.Default()
	}
	budget := cfg.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Compressor{client: client, prompts: cat, budget: budget, logger: logger}
}

// Budget returns the token budget above which Compress changes its input.
func (c *Compressor) Budget() int { return c.budget }

// Compress returns items unchanged when they fit the budget. Otherwise more
// than five items are truncated to the first five, and five or fewer go
// through per-item fact extraction. The item count never grows and every
// changed item carries compressed=true.
func (c *Compressor) Compress(ctx context.Context, items []state.EvidenceItem, query string, meta llm.Meta) (out []state.EvidenceItem) {
	if len(items) == 0 {
		return items
	}
	tokens := EstimateTokens(items)
	if tokens <= c.budget {
		return items
	}
	c.logger.Info("Context too long, compressing", zap.Int("estimated_tokens", tokens), zap.Int("items", len(items)))

	if len(items) > MaxTruncatedItems {
		metrics.Compressions.WithLabelValues(MethodTruncation).Inc()
		return truncate(items, MethodTruncation)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Context compression failed", zap.Any("panic", r))
			metrics.Compressions.WithLabelValues(MethodFallbackTruncation).Inc()
			out = truncate(items, MethodFallbackTruncation)
		}
	}()
	metrics.Compressions.WithLabelValues(MethodFactExtraction).Inc()
	out = make([]state.EvidenceItem, 0, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("Compression cancelled, truncating", zap.Error(err))
			return truncate(items, MethodFallbackTruncation)
		}
		out = append(out, c.compressItem(ctx, it, query, meta))
	}
	return out
}

func truncate(items []state.EvidenceItem, method string) []state.EvidenceItem {
	n := len(items)
	if n > MaxTruncatedItems {
		n = MaxTruncatedItems
	}
	out := make([]state.EvidenceItem, 0, n)
	for _, it := range items[:n] {
		it.Content = util.Clip(it.Content, TruncateChars)
		out = append(out, it.WithMetadata(map[string]any{
			"compressed":         true,
			"compression_method": method,
		}))
	}
	return out
}

func (c *Compressor) compressItem(ctx context.Context, it state.EvidenceItem, query string, meta llm.Meta) state.EvidenceItem {
	if strings.TrimSpace(it.Content) == "" {
		return it.WithMetadata(map[string]any{"compressed": true, "compression_method": MethodEmpty})
	}
	facts, err := c.extractFacts(ctx, it.Content, query, meta)
	if err != nil {
		c.logger.Warn("Failed to compress item", zap.String("chunk_id", it.Key()), zap.Error(err))
		it.Content = util.Clip(it.Content, FallbackChars)
		return it.WithMetadata(map[string]any{"compressed": true, "compression_method": MethodItemFallback})
	}

	summary := strings.TrimSpace(facts.Summary)
	if summary == "" {
		summary = util.Clip(it.Content, 200)
	}
	var sb strings.Builder
	sb.WriteString(summary)
	points := facts.KeyPoints
	if len(points) > maxFactKeyPoints {
		points = points[:maxFactKeyPoints]
	}
	for _, p := range points {
		if p = strings.TrimSpace(p); p != "" {
			fmt.Fprintf(&sb, "\n- %s", p)
		}
	}
	it.Content = sb.String()

	md := map[string]any{
		"compressed":         true,
		"compression_method": MethodFactExtraction,
	}
	if facts.FundingAmount != nil {
		md["extracted_funding"] = *facts.FundingAmount
	}
	if facts.Company != nil {
		md["extracted_company"] = *facts.Company
	}
	if facts.Date != nil {
		md["extracted_date"] = *facts.Date
	}
	if len(facts.Investors) > 0 {
		md["extracted_investors"] = facts.Investors
	}
	if len(facts.Sectors) > 0 {
		md["extracted_sectors"] = facts.Sectors
	}
	return it.WithMetadata(md)
}

func (c *Compressor) extractFacts(ctx context.Context, content, query string, meta llm.Meta) (*prompts.FactsResult, error) {
	sys, user, err := c.prompts.Render(prompts.FactExtraction, prompts.Vars{
		Query:   query,
		Content: util.Clip(content, factInputChars),
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Complete(ctx, llm.Request{
		Meta: meta,
		Messages: []state.Message{
			{Role: state.RoleSystem, Content: sys},
			{Role: state.RoleUser, Content: user},
		},
		Temperature:    0.1,
		ResponseFormat: llm.JSONObject,
	})
	if err != nil {
		return nil, err
	}
	var facts prompts.FactsResult
	if err := llm.DecodeJSON(resp.Content, &facts); err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}
	return &facts, nil
}

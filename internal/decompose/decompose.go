// Package decompose splits multi-part questions into independent sub-queries
// and merges their retrieval results.
package decompose

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/llm"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/metrics"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/prompts"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// TypeSingle marks the pass-through decomposition of a single-part query.
const TypeSingle = "single"

var multiPartIndicators = []string{
	" and ",
	" or ",
	"compare",
	"versus",
	" vs ",
	" vs. ",
	", and",
	", then",
	"? and",
	"? then",
}

// SubQuery is one standalone question.
type SubQuery struct {
	Query string `json:"query"`
	Type  string `json:"type"`
}

// Intent resolves the sub-query type, using fallback for "single" and
// unknown labels.
func (s SubQuery) Intent(fallback state.Intent) state.Intent {
	if in, ok := state.ParseIntent(s.Type); ok {
		return in
	}
	return fallback
}

// IsMultiPart is a lexical check for several questions or a comparison.
func IsMultiPart(query string) bool {
	q := strings.ToLower(query)
	for _, ind := range multiPartIndicators {
		if strings.Contains(q, ind) {
			return true
		}
	}
	return false
}

// Decomposer calls the model to split multi-part queries.
type Decomposer struct {
	client  llm.Client
	prompts *prompts.Catalogue
	logger  *zap.Logger
}

func New(client llm.Client, cat *prompts.Catalogue, logger *zap.Logger) *Decomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cat == nil {
		cat = prompts.Default()
	}
	return &Decomposer{client: client, prompts: cat, logger: logger}
}

func single(query string) []SubQuery {
	return []SubQuery{{Query: query, Type: TypeSingle}}
}

// Decompose returns the sub-queries of query. It never fails: a single-part
// query, a model error or an unusable answer all yield [{query, single}].
func (d *Decomposer) Decompose(ctx context.Context, query string, meta llm.Meta) []SubQuery {
	if !IsMultiPart(query) {
		return single(query)
	}
	sys, user, err := d.prompts.Render(prompts.Decomposition, prompts.Vars{Query: query})
	if err != nil {
		d.logger.Error("Render decomposition prompt", zap.Error(err))
		return single(query)
	}
	if meta.UserID == "" {
		meta.UserID = "query-decomposer"
	}
	resp, err := d.client.Complete(ctx, llm.Request{
		Meta: meta,
		Messages: []state.Message{
			{Role: state.RoleSystem, Content: sys},
			{Role: state.RoleUser, Content: user},
		},
		Temperature:    0.3,
		ResponseFormat: llm.JSONObject,
	})
	if err != nil {
		d.logger.Error("Query decomposition failed", zap.Error(err))
		return single(query)
	}
	var parsed prompts.DecompositionResult
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		d.logger.Warn("Failed to parse decomposition", zap.Error(err))
		return single(query)
	}
	out := make([]SubQuery, 0, len(parsed.SubQueries))
	for _, sq := range parsed.SubQueries {
		q := strings.TrimSpace(sq.Query)
		if q == "" {
			continue
		}
		out = append(out, SubQuery{Query: q, Type: strings.TrimSpace(sq.Type)})
	}
	if len(out) == 0 {
		d.logger.Warn("No sub-queries generated, using original query")
		return single(query)
	}
	metrics.Decompositions.Observe(float64(len(out)))
	d.logger.Info("Decomposed query", zap.Int("sub_queries", len(out)))
	return out
}

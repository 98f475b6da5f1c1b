package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/compress"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/decompose"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/extract"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/llm"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/metrics"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/prompts"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/retrieval"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/rewriter"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tools"
)

const (
	reasoningTemperature  = 0.5
	validationTemperature = 0.2
)

// NodeFunc is one step of a turn. Nodes never return errors; failures are
// recorded on the state or swallowed.
type NodeFunc func(ctx context.Context, s *state.ConversationState) *state.ConversationState

// Deps are the collaborators shared by every node.
type Deps struct {
	LLM        llm.Client
	RAG        retrieval.Querier
	Rewriter   *rewriter.Rewriter
	Decomposer *decompose.Decomposer
	Compressor *compress.Compressor
	Extractor  *extract.Extractor
	Tools      *tools.Registry
	Prompts    *prompts.Catalogue
	Logger     *zap.Logger
}

// NodeSet binds the seven nodes to their collaborators.
type NodeSet struct {
	d Deps
}

func NewNodeSet(d Deps) *NodeSet {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Prompts == nil {
		d.Prompts = prompts.Default()
	}
	return &NodeSet{d: d}
}

// Func returns the node registered under name.
func (n *NodeSet) Func(name NodeName) (NodeFunc, bool) {
	switch name {
	case NodeClassifyIntent:
		return n.ClassifyIntent, true
	case NodeRetrieveContext:
		return n.RetrieveContext, true
	case NodeExecuteTools:
		return n.ExecuteTools, true
	case NodeReasoningStep:
		return n.ReasoningStep, true
	case NodeGenerateResponse:
		return n.GenerateResponse, true
	case NodeValidateResponse:
		return n.ValidateResponse, true
	case NodeHandleError:
		return n.HandleError, true
	}
	return nil, false
}

func meta(s *state.ConversationState) llm.Meta {
	return llm.Meta{UserID: s.UserID, ConversationID: s.ConversationID}
}

// ClassifyIntent labels the latest user message. Failures fall back to the
// default intent.
func (n *NodeSet) ClassifyIntent(ctx context.Context, s *state.ConversationState) *state.ConversationState {
	intent, err := n.d.LLM.Classify(ctx, s.LatestUserMessage(), meta(s))
	if err != nil {
		n.d.Logger.Warn("Intent classification failed, using default",
			zap.String("conversation_id", s.ConversationID),
			zap.Error(err),
		)
		intent = state.DefaultIntent
	}
	if !intent.Known() {
		intent = state.DefaultIntent
	}
	s.Intent = intent
	metrics.IntentsClassified.WithLabelValues(string(intent)).Inc()
	n.d.Logger.Info("Classified intent",
		zap.String("conversation_id", s.ConversationID),
		zap.String("intent", string(intent)),
	)
	return s
}

// RetrieveContext fills the context with evidence for the latest query,
// decomposing multi-part questions into parallel sub-retrievals.
func (n *NodeSet) RetrieveContext(ctx context.Context, s *state.ConversationState) *state.ConversationState {
	query := s.LatestUserMessage()
	if query == "" {
		s.SetEvidence([]state.EvidenceItem{}, nil)
		return s
	}
	m := meta(s)
	filters := n.d.Extractor.Filters(ctx, query, s.Intent, m)
	s.Filters = filters

	if decompose.IsMultiPart(query) {
		subs := n.d.Decomposer.Decompose(ctx, query, m)
		results, err := decompose.RetrieveAll(ctx, subs, func(ctx context.Context, sq decompose.SubQuery) (decompose.SubResult, error) {
			variations := n.d.Rewriter.Rewrite(ctx, sq.Query, sq.Intent(s.Intent), m)
			resp, err := n.d.RAG.Query(ctx, ragRequest(sq.Query, s.UserID, filters, variations))
			if err != nil {
				return decompose.SubResult{}, err
			}
			return decompose.SubResult{
				Items:   resp.Results,
				Sources: state.CitationsFromEvidence(resp.Results),
				Count:   len(resp.Results),
			}, nil
		})
		if err != nil {
			n.d.Logger.Error("Context retrieval failed", zap.String("conversation_id", s.ConversationID), zap.Error(err))
			s.SetError("Failed to retrieve context: %v", err)
			return s
		}
		merged := decompose.Merge(results, query)
		s.SetEvidence(nonNil(merged.Items), merged.Sources)
		n.d.Logger.Info("Retrieved decomposed context",
			zap.Int("sub_queries", merged.SubQueryCount),
			zap.Int("total", merged.TotalCount),
			zap.Int("merged", merged.Count),
		)
		return s
	}

	variations := n.d.Rewriter.Rewrite(ctx, query, s.Intent, m)
	resp, err := n.d.RAG.Query(ctx, ragRequest(query, s.UserID, filters, variations))
	if err != nil {
		n.d.Logger.Error("Context retrieval failed", zap.String("conversation_id", s.ConversationID), zap.Error(err))
		s.SetError("Failed to retrieve context: %v", err)
		return s
	}
	s.SetEvidence(nonNil(resp.Results), nil)
	n.d.Logger.Info("Retrieved context",
		zap.Int("documents", len(resp.Results)),
		zap.Int("variations", len(variations)),
	)
	return s
}

func ragRequest(query, userID string, f state.Filters, variations []string) retrieval.Request {
	req := retrieval.Request{Query: query, UserID: userID}.WithFilters(f)
	if len(variations) > 1 {
		req.UseMultiQuery = true
		req.QueryVariations = variations
	}
	return req
}

func nonNil(items []state.EvidenceItem) []state.EvidenceItem {
	if items == nil {
		return []state.EvidenceItem{}
	}
	return items
}

// ExecuteTools runs the tool matching the intent.
func (n *NodeSet) ExecuteTools(ctx context.Context, s *state.ConversationState) *state.ConversationState {
	query := s.LatestUserMessage()
	in := tools.Input{Query: query, UserID: s.UserID}
	name := tools.RAGSearch

	switch s.Intent {
	case state.IntentComparison:
		in.Filters = n.d.Extractor.Filters(ctx, query, s.Intent, meta(s))
		in.Entities = in.Filters.CompanyFilter
		if len(in.Entities) < 2 {
			if lexical := tools.Entities(query); len(lexical) > 0 {
				in.Entities = lexical
			}
		}
		if len(in.Entities) > 0 {
			name = tools.CompareEntities
		} else {
			n.d.Logger.Warn("No entities to compare, falling back to search", zap.String("query", query))
		}
	case state.IntentTrendAnalysis:
		in.Filters = n.d.Extractor.Filters(ctx, query, s.Intent, meta(s))
		name = tools.AnalyzeTrends
	}
	s.Filters = in.Filters

	out, err := n.d.Tools.Run(ctx, name, in)
	if err != nil {
		n.d.Logger.Error("Tool execution failed", zap.String("tool", name), zap.Error(err))
		s.SetError("Tool execution failed: %v", err)
		return s
	}
	s.RecordTool(name)
	if out.Raw != nil {
		s.SetToolResult(state.ToolResult{ToolName: name, Raw: out.Raw}, out.Sources)
	} else {
		s.SetEvidence(nonNil(out.Items), out.Sources)
	}
	n.d.Logger.Info("Executed tools", zap.Strings("tools_used", s.ToolsUsed))
	return s
}

// ReasoningStep adds a step-by-step analysis for comparison and trend
// questions. It never fails the turn.
func (n *NodeSet) ReasoningStep(ctx context.Context, s *state.ConversationState) *state.ConversationState {
	if !s.Intent.Reasons() {
		return s
	}
	if r := n.reason(ctx, s); r.OK {
		s.Reasoning = r.Value
	}
	return s
}

func (n *NodeSet) reason(ctx context.Context, s *state.ConversationState) state.Advisory[string] {
	query := s.LatestUserMessage()
	if query == "" {
		return state.None[string]()
	}
	sys, user, err := n.d.Prompts.Render(prompts.Reasoning, prompts.Vars{
		Query:   query,
		Context: reasoningContext(s.Context),
	})
	if err != nil {
		n.d.Logger.Error("Render reasoning prompt", zap.Error(err))
		return state.None[string]()
	}
	resp, err := n.d.LLM.Complete(ctx, llm.Request{
		Meta: meta(s),
		Messages: []state.Message{
			{Role: state.RoleSystem, Content: sys},
			{Role: state.RoleUser, Content: user},
		},
		Temperature: reasoningTemperature,
	})
	if err != nil {
		n.d.Logger.Warn("Reasoning step failed", zap.Error(err))
		return state.None[string]()
	}
	if resp.Content == "" {
		return state.None[string]()
	}
	return state.Some(resp.Content)
}

// GenerateResponse produces the assistant reply from history and context.
func (n *NodeSet) GenerateResponse(ctx context.Context, s *state.ConversationState) *state.ConversationState {
	defer s.EnsureUsage()

	sys, _, err := n.d.Prompts.Render(n.d.Prompts.GenerationPrompt(s.Intent), prompts.Vars{Intent: s.Intent})
	if err != nil {
		s.SetError("Failed to generate response: %v", err)
		return s
	}
	if s.HasReasoning() {
		suffix, _, err := n.d.Prompts.Render(prompts.ReasoningSuffix, prompts.Vars{Reasoning: s.Reasoning})
		if err == nil {
			sys += "\n\n" + suffix
		}
	}

	// On a validation retry the rejected answer stays in the history but is
	// kept out of the prompt.
	history := s.Messages
	if last := len(history) - 1; s.ValidationRetried && last >= 0 && history[last].Role == state.RoleAssistant {
		history = history[:last]
	}

	msgs := make([]state.Message, 0, len(history)+2)
	msgs = append(msgs, state.Message{Role: state.RoleSystem, Content: sys})
	msgs = append(msgs, history...)
	if !s.Context.Empty() {
		items := s.Context.Items
		if len(items) > 0 && n.d.Compressor != nil {
			items = n.d.Compressor.Compress(ctx, items, s.LatestUserMessage(), meta(s))
		}
		msgs = append(msgs, state.Message{Role: state.RoleSystem, Content: formatContext(items, s.Context.Tool)})
	}

	req := llm.Request{
		Meta:        meta(s),
		Messages:    msgs,
		Temperature: n.d.Prompts.Temperature(s.Intent),
	}
	var resp *llm.Response
	if sink := tokenSink(ctx); sink != nil {
		resp, err = n.d.LLM.Stream(ctx, req, sink)
	} else {
		resp, err = n.d.LLM.Complete(ctx, req)
	}
	if err != nil {
		n.d.Logger.Error("Response generation failed", zap.Error(err))
		s.SetError("Failed to generate response: %v", err)
		return s
	}
	s.AppendAssistant(resp.Content)
	s.AddUsage(resp.Usage)
	n.d.Logger.Info("Generated response",
		zap.String("conversation_id", s.ConversationID),
		zap.Int("total_tokens", s.Usage.Total()),
	)
	return s
}

// ValidateResponse checks the latest answer against the context. Failures
// leave Validation unset.
func (n *NodeSet) ValidateResponse(ctx context.Context, s *state.ConversationState) *state.ConversationState {
	last, ok := s.LastAssistantMessage()
	if !ok {
		return s
	}
	contextSummary, sourcesSummary := validationSummaries(s)
	sys, user, err := n.d.Prompts.Render(prompts.Validation, prompts.Vars{
		Response: last.Content,
		Context:  contextSummary,
		Sources:  sourcesSummary,
	})
	if err != nil {
		n.d.Logger.Error("Render validation prompt", zap.Error(err))
		return s
	}
	resp, err := n.d.LLM.Complete(ctx, llm.Request{
		Meta: meta(s),
		Messages: []state.Message{
			{Role: state.RoleSystem, Content: sys},
			{Role: state.RoleUser, Content: user},
		},
		Temperature:    validationTemperature,
		ResponseFormat: llm.JSONObject,
	})
	if err != nil {
		n.d.Logger.Warn("Response validation failed", zap.Error(err))
		return s
	}
	verdict := state.Validation{IsValid: true}
	if err := llm.DecodeJSON(resp.Content, &verdict); err != nil {
		n.d.Logger.Warn("Failed to parse validation verdict", zap.Error(err))
		return s
	}
	s.Validation = &verdict
	if verdict.CorrectionsNeeded {
		n.d.Logger.Warn("Response validation found issues",
			zap.Strings("issues", verdict.Issues),
			zap.Bool("already_retried", s.ValidationRetried),
		)
	}
	n.d.Logger.Info("Response validation",
		zap.Bool("valid", verdict.IsValid),
		zap.Int("issues", len(verdict.Issues)),
	)
	return s
}

// HandleError turns the recorded error into an apology and clears it.
func (n *NodeSet) HandleError(_ context.Context, s *state.ConversationState) *state.ConversationState {
	msg := s.Error
	if msg == "" {
		msg = "An unknown error occurred"
	}
	n.d.Logger.Error("Handling error", zap.String("conversation_id", s.ConversationID), zap.String("error", msg))
	s.AppendAssistant(fmt.Sprintf("I apologize, but I encountered an error while processing your request: %s. Please try rephrasing your question or try again later.", msg))
	s.ClearError()
	s.EnsureUsage()
	return s
}

type tokenSinkKey struct{}

// WithTokenSink makes GenerateResponse stream its reply through fn.
func WithTokenSink(ctx context.Context, fn func(chunk string)) context.Context {
	return context.WithValue(ctx, tokenSinkKey{}, fn)
}

func tokenSink(ctx context.Context) func(string) {
	fn, _ := ctx.Value(tokenSinkKey{}).(func(string))
	return fn
}

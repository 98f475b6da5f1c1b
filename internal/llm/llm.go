// Package llm talks to the model-serving collaborator. A Service wraps one
// Backend (the HTTP model service, OpenAI or Anthropic) with rate limiting,
// tracing and metrics.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/metrics"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/prompts"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tracing"
)

// ErrEmptyResponse is returned when a backend answers without any content.
var ErrEmptyResponse = errors.New("llm: empty response")

// JSONObject requests a JSON object response.
const JSONObject = "json_object"

// Meta identifies the caller for usage attribution.
type Meta struct {
	UserID         string
	ConversationID string
}

// Request is one completion call.
type Request struct {
	Meta
	Messages       []state.Message
	Temperature    float64
	ResponseFormat string // "" or JSONObject
	Model          string
	Provider       string
	MaxTokens      int
}

// Response is the completion result.
type Response struct {
	Content string
	Usage   state.Usage
	Model   string
}

// Client is what the graph nodes and helpers depend on.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Classify(ctx context.Context, message string, meta Meta) (state.Intent, error)
	Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error)
}

// Backend is a concrete model transport.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error)
}

// Service implements Client on top of a Backend.
type Service struct {
	backend         Backend
	limiter         *rate.Limiter
	prompts         *prompts.Catalogue
	classifyTimeout time.Duration
	defaults        config.LLMConfig
	logger          *zap.Logger
}

// NewService wraps backend. A zero rate limit disables limiting.
func NewService(backend Backend, cfg config.LLMConfig, cat *prompts.Catalogue, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cat == nil {
		cat = prompts.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	timeout := cfg.ClassificationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		backend:         backend,
		limiter:         limiter,
		prompts:         cat,
		classifyTimeout: timeout,
		defaults:        cfg,
		logger:          logger,
	}
}

// New builds the Service for the configured backend.
func New(cfg config.LLMConfig, breaker circuitbreaker.Settings, cat *prompts.Catalogue, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", "service":
		backend = NewHTTPBackend(cfg, breaker, logger)
	case "openai":
		backend, err = NewOpenAIBackend(cfg)
	case "anthropic":
		backend, err = NewAnthropicBackend(cfg)
	default:
		err = fmt.Errorf("unsupported llm backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("LLM backend configured", zap.String("backend", backend.Name()), zap.String("model", cfg.Model))
	return NewService(backend, cfg, cat, logger), nil
}

func (s *Service) fill(req *Request) {
	if req.Model == "" {
		req.Model = s.defaults.Model
	}
	if req.Provider == "" {
		req.Provider = s.defaults.Provider
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = s.defaults.MaxTokens
	}
}

// Complete runs one completion.
func (s *Service) Complete(ctx context.Context, req Request) (*Response, error) {
	s.fill(&req)
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm rate limit: %w", err)
	}
	ctx, span := tracing.StartSpan(ctx, "llm.complete", "llm.backend", s.backend.Name(), "llm.model", req.Model)
	defer span.End()

	resp, err := s.backend.Complete(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.LLMRequests.WithLabelValues(s.backend.Name(), "error").Inc()
		return nil, err
	}
	metrics.LLMRequests.WithLabelValues(s.backend.Name(), "ok").Inc()
	metrics.ObserveUsage(resp.Usage)
	return resp, nil
}

// Stream runs one completion, delivering content chunks as they arrive.
func (s *Service) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	s.fill(&req)
	if onChunk == nil {
		onChunk = func(string) {}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm rate limit: %w", err)
	}
	ctx, span := tracing.StartSpan(ctx, "llm.stream", "llm.backend", s.backend.Name(), "llm.model", req.Model)
	defer span.End()

	resp, err := s.backend.Stream(ctx, req, onChunk)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.LLMRequests.WithLabelValues(s.backend.Name(), "error").Inc()
		return nil, err
	}
	metrics.LLMRequests.WithLabelValues(s.backend.Name(), "ok").Inc()
	metrics.ObserveUsage(resp.Usage)
	return resp, nil
}

// Classify maps a user message onto an intent. An unrecognised label yields
// the default intent without an error; transport failures return the default
// intent together with the error.
func (s *Service) Classify(ctx context.Context, message string, meta Meta) (state.Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.classifyTimeout)
	defer cancel()

	sys, user, err := s.prompts.Render(prompts.Classification, prompts.Vars{Message: message})
	if err != nil {
		return state.DefaultIntent, err
	}
	resp, err := s.Complete(ctx, Request{
		Meta: meta,
		Messages: []state.Message{
			{Role: state.RoleSystem, Content: sys},
			{Role: state.RoleUser, Content: user},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return state.DefaultIntent, fmt.Errorf("classify intent: %w", err)
	}
	intent, ok := state.ParseIntent(resp.Content)
	if !ok {
		s.logger.Warn("Invalid intent label, using fallback",
			zap.String("label", resp.Content),
			zap.String("fallback", string(state.DefaultIntent)))
		return state.DefaultIntent, nil
	}
	return intent, nil
}

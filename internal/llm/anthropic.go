package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicBackend calls the Messages API directly.
type AnthropicBackend struct {
	client anthropic.Client
}

func NewAnthropicBackend(cfg config.LLMConfig) (*AnthropicBackend, error) {
	if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
		return nil, errors.New("llm: missing anthropic api key")
	}
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(cfg.AnthropicAPIKey))}
	if base := strings.TrimSpace(cfg.AnthropicBaseURL); base != "" {
		opts = append(opts, aoption.WithBaseURL(base))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, aoption.WithRequestTimeout(cfg.Timeout))
	}
	return &AnthropicBackend{client: anthropic.NewClient(opts...)}, nil
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

// params folds system messages into the system prompt. The Messages API has
// no JSON mode, so a json_object request adds an instruction instead.
func (b *AnthropicBackend) params(req Request) anthropic.MessageNewParams {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case state.RoleSystem:
			system = append(system, m.Content)
		case state.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if req.ResponseFormat == JSONObject {
		system = append(system, "Respond with a single JSON object and nothing else.")
	}
	if len(msgs) == 0 {
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	p := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Messages:    msgs,
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(system) > 0 {
		p.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	return p
}

func anthropicResponse(msg *anthropic.Message) (*Response, error) {
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if len(msg.Content) == 0 {
		return nil, ErrEmptyResponse
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &Response{
		Content: sb.String(),
		Usage: state.Usage{
			"prompt_tokens":     in,
			"completion_tokens": out,
			"total_tokens":      in + out,
		},
		Model: string(msg.Model),
	}, nil
}

func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	msg, err := b.client.Messages.New(ctx, b.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}
	return anthropicResponse(msg)
}

func (b *AnthropicBackend) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	stream := b.client.Messages.NewStreaming(ctx, b.params(req))
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic stream: %w", err)
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				onChunk(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return anthropicResponse(&msg)
}

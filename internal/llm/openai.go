package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// OpenAIBackend calls the Chat Completions API directly.
type OpenAIBackend struct {
	client openai.Client
}

func NewOpenAIBackend(cfg config.LLMConfig) (*OpenAIBackend, error) {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return nil, errors.New("llm: missing openai api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.OpenAIAPIKey))}
	if base := strings.TrimSpace(cfg.OpenAIBaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...)}, nil
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) params(req Request) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case state.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case state.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	p := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		p.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ResponseFormat == JSONObject {
		p.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return p
}

func openAIUsage(u openai.CompletionUsage) state.Usage {
	return state.Usage{
		"prompt_tokens":     int(u.PromptTokens),
		"completion_tokens": int(u.CompletionTokens),
		"total_tokens":      int(u.TotalTokens),
	}
}

func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := b.client.Chat.Completions.New(ctx, b.params(req))
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{
		Content: resp.Choices[0].Message.Content,
		Usage:   openAIUsage(resp.Usage),
		Model:   resp.Model,
	}, nil
}

func (b *OpenAIBackend) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	p := b.params(req)
	p.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := b.client.Chat.Completions.NewStreaming(ctx, p)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onChunk(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	if len(acc.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{
		Content: acc.Choices[0].Message.Content,
		Usage:   openAIUsage(acc.Usage),
		Model:   acc.Model,
	}, nil
}

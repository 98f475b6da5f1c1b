// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/llm"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// Handler produces the content of one completion.
type Handler func(req llm.Request) (string, error)

// Client records every call and answers through Handler.
type Client struct {
	Handler     Handler
	Intent      state.Intent
	ClassifyErr error

	mu    sync.Mutex
	calls []llm.Request
}

// New returns a client answering with h.
func New(h Handler) *Client { return &Client{Handler: h, Intent: state.DefaultIntent} }

// Static answers every completion with content.
func Static(content string) *Client {
	return New(func(llm.Request) (string, error) { return content, nil })
}

// Route answers with the value of the first key found in the request's
// system prompt, falling back to def.
func Route(routes map[string]string, def string) Handler {
	return func(req llm.Request) (string, error) {
		sys := SystemPrompt(req)
		for k, v := range routes {
			if strings.Contains(sys, k) {
				return v, nil
			}
		}
		return def, nil
	}
}

// SystemPrompt returns the first system message of req.
func SystemPrompt(req llm.Request) string {
	for _, m := range req.Messages {
		if m.Role == state.RoleSystem {
			return m.Content
		}
	}
	return ""
}

func (c *Client) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	content, err := c.Handler(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{
		Content: content,
		Usage:   state.Usage{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		Model:   "scripted",
	}, nil
}

func (c *Client) Classify(_ context.Context, _ string, _ llm.Meta) (state.Intent, error) {
	if c.ClassifyErr != nil {
		return state.DefaultIntent, c.ClassifyErr
	}
	return c.Intent, nil
}

func (c *Client) Stream(ctx context.Context, req llm.Request, onChunk func(string)) (*llm.Response, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(resp.Content)
	}
	return resp, nil
}

// Calls returns a copy of the recorded requests.
func (c *Client) Calls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.calls...)
}

// CallCount returns the number of completions so far.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tracing"
)

// HTTPBackend calls the model-serving HTTP service.
type HTTPBackend struct {
	baseURL string
	timeout time.Duration
	client  *circuitbreaker.HTTPClient
	logger  *zap.Logger
}

// NewHTTPBackend creates a backend for cfg.ServiceURL. Deadlines are applied
// per call so that streams can run longer than plain completions.
func NewHTTPBackend(cfg config.LLMConfig, breaker circuitbreaker.Settings, logger *zap.Logger) *HTTPBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(cfg.ServiceURL, "/"),
		timeout: timeout,
		client:  circuitbreaker.NewHTTPClient(&http.Client{}, "llm-service", breaker, logger),
		logger:  logger,
	}
}

func (b *HTTPBackend) Name() string { return "service" }

// Breaker exposes the circuit breaker for health reporting.
func (b *HTTPBackend) Breaker() *circuitbreaker.Breaker { return b.client.Breaker() }

func buildPayload(req Request) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, path, v)
	}
	set("messages", req.Messages)
	set("provider", req.Provider)
	set("model", req.Model)
	set("temperature", req.Temperature)
	if req.MaxTokens > 0 {
		set("max_tokens", req.MaxTokens)
	}
	if req.ResponseFormat != "" {
		set("response_format.type", req.ResponseFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("build llm payload: %w", err)
	}
	return body, nil
}

func (b *HTTPBackend) newRequest(ctx context.Context, path string, req Request) (*http.Request, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.UserID != "" {
		httpReq.Header.Set("X-User-ID", req.UserID)
	}
	if req.ConversationID != "" {
		httpReq.Header.Set("X-Conversation-ID", req.ConversationID)
	}
	tracing.InjectTraceparent(ctx, httpReq)
	return httpReq, nil
}

func statusErr(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("llm service status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func parseUsage(r gjson.Result) state.Usage {
	u := state.Usage{}
	r.ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Number {
			u[k.String()] = int(v.Int())
		}
		return true
	})
	return u
}

// Complete posts to {base}/complete.
func (b *HTTPBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	url := b.baseURL + "/complete"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	httpReq, err := b.newRequest(ctx, "/complete", req)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		b.logger.Error("LLM service request failed", zap.Error(err))
		return nil, fmt.Errorf("llm service request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read llm response: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("llm service returned invalid JSON")
	}
	content := gjson.GetBytes(raw, "content")
	if !content.Exists() {
		return nil, ErrEmptyResponse
	}
	return &Response{
		Content: content.String(),
		Usage:   parseUsage(gjson.GetBytes(raw, "usage")),
		Model:   gjson.GetBytes(raw, "model").String(),
	}, nil
}

// Stream posts to {base}/complete/stream and reads server-sent events until
// the [DONE] marker.
func (b *HTTPBackend) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout*5)
	defer cancel()

	url := b.baseURL + "/complete/stream"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	httpReq, err := b.newRequest(ctx, "/complete/stream", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm stream request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp)
	}

	out := &Response{Usage: state.Usage{}, Model: req.Model}
	var sb strings.Builder
	done := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(line[len("data: "):])
		if data == "[DONE]" {
			done = true
			break
		}
		if !gjson.Valid(data) {
			b.logger.Warn("Failed to parse SSE chunk", zap.String("data", data))
			continue
		}
		if c := gjson.Get(data, "content"); c.Exists() && c.String() != "" {
			sb.WriteString(c.String())
			onChunk(c.String())
		}
		if u := gjson.Get(data, "usage"); u.IsObject() {
			out.Usage = parseUsage(u)
		}
		if m := gjson.Get(data, "model"); m.Exists() {
			out.Model = m.String()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read llm stream: %w", err)
	}
	if !done {
		return nil, fmt.Errorf("llm stream ended before [DONE]: %w", io.ErrUnexpectedEOF)
	}
	out.Content = sb.String()
	return out, nil
}

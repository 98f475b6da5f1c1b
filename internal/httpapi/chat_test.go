package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/graph"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/streaming"
)

type fakeTurns struct {
	mu     sync.Mutex
	seen   []*state.ConversationState
	run    func(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error)
	resume func(ctx context.Context, threadID string) (*state.ConversationState, error)
}

func (f *fakeTurns) Run(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	f.mu.Lock()
	f.seen = append(f.seen, s)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, s)
	}
	s.Intent = state.IntentResearchQuery
	s.AppendAssistant("Acme raised $10M [Source: https://news.example/acme, 2025-03-01]")
	s.Sources = []state.Citation{{ChunkID: "c1", ArticleURL: "https://news.example/acme"}}
	s.AddUsage(state.Usage{"total_tokens": 15})
	s.Validation = &state.Validation{IsValid: true}
	return s, nil
}

func (f *fakeTurns) Resume(ctx context.Context, threadID string) (*state.ConversationState, error) {
	if f.resume != nil {
		return f.resume(ctx, threadID)
	}
	return nil, checkpoint.ErrNotFound
}

func (f *fakeTurns) last() *state.ConversationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

func post(t *testing.T, h http.Handler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatRunsTurn(t *testing.T) {
	turns := &fakeTurns{}
	h := NewRouter(RouterOptions{Turns: turns, Logger: zaptest.NewLogger(t)})

	rec := post(t, h, "/api/v1/chat",
		`{"message":"How much did Acme raise?","conversation_id":"thread-1","history":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`,
		map[string]string{UserHeader: "analyst-7"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "thread-1", resp.ConversationID)
	assert.Equal(t, state.IntentResearchQuery, resp.Intent)
	assert.Contains(t, resp.Message, "Acme raised $10M")
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, 15, resp.Usage.Total())
	require.NotNil(t, resp.Validation)
	assert.True(t, resp.Validation.IsValid)

	got := turns.last()
	assert.Equal(t, "analyst-7", got.UserID)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "How much did Acme raise?", got.LatestUserMessage())
}

func TestChatDefaultsIdentityAndThread(t *testing.T) {
	turns := &fakeTurns{}
	h := NewRouter(RouterOptions{Turns: turns})

	rec := post(t, h, "/api/v1/chat", `{"message":"hello"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := turns.last()
	assert.Equal(t, "anonymous", got.UserID)
	assert.NotEmpty(t, got.ConversationID)
}

func TestChatRejectsBadRequests(t *testing.T) {
	h := NewRouter(RouterOptions{Turns: &fakeTurns{}})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"message":`, "invalid JSON"},
		{"empty message", `{"message":"   "}`, "message required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, "/api/v1/chat", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChatMapsTurnErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: message 0 has invalid role", graph.ErrInvalidState), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		turns := &fakeTurns{run: func(context.Context, *state.ConversationState) (*state.ConversationState, error) {
			return nil, tt.err
		}}
		rec := post(t, NewRouter(RouterOptions{Turns: turns}), "/api/v1/chat", `{"message":"hi"}`, nil)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
	}
}

func TestResume(t *testing.T) {
	turns := &fakeTurns{resume: func(_ context.Context, threadID string) (*state.ConversationState, error) {
		switch threadID {
		case "thread-1":
			s := state.New("u1", threadID, nil, "q")
			s.AppendAssistant("resumed answer")
			return s, nil
		case "disabled":
			return nil, graph.ErrCheckpointingDisabled
		}
		return nil, checkpoint.ErrNotFound
	}}
	h := NewRouter(RouterOptions{Turns: turns})

	rec := post(t, h, "/api/v1/threads/thread-1/resume", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "resumed answer", resp.Message)

	assert.Equal(t, http.StatusNotFound, post(t, h, "/api/v1/threads/missing/resume", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, post(t, h, "/api/v1/threads/disabled/resume", "", nil).Code)
}

func TestChatStream(t *testing.T) {
	mgr := streaming.NewManager(16, zaptest.NewLogger(t))
	turns := &fakeTurns{}
	turns.run = func(_ context.Context, s *state.ConversationState) (*state.ConversationState, error) {
		mgr.Publish(s.ConversationID, streaming.Event{Type: streaming.EventTurnStarted, Node: "classify_intent"})
		mgr.Publish(s.ConversationID, streaming.Event{Type: streaming.EventToken, Message: "Acme "})
		mgr.Publish(s.ConversationID, streaming.Event{Type: streaming.EventTurnCompleted, Message: "Acme raised"})
		s.AppendAssistant("Acme raised")
		return s, nil
	}
	h := NewRouter(RouterOptions{Turns: turns, Events: mgr})

	rec := post(t, h, "/api/v1/chat/stream", `{"message":"hi","conversation_id":"thread-9"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	started := strings.Index(body, "event: turn_started")
	token := strings.Index(body, "event: token")
	completed := strings.Index(body, "event: turn_completed")
	result := strings.Index(body, "event: result")
	require.True(t, started >= 0 && token > started && completed > token && result > completed, body)
	assert.Contains(t, body, "id: 1\n")
	assert.Contains(t, body, `"message":"Acme raised"`)
	assert.Contains(t, body, `"conversation_id":"thread-9"`)
}

func TestChatStreamReportsErrors(t *testing.T) {
	mgr := streaming.NewManager(16, nil)
	turns := &fakeTurns{run: func(context.Context, *state.ConversationState) (*state.ConversationState, error) {
		return nil, fmt.Errorf("%w: user_id cannot be empty", graph.ErrInvalidState)
	}}
	rec := post(t, NewRouter(RouterOptions{Turns: turns, Events: mgr}), "/api/v1/chat/stream", `{"message":"hi"}`, nil)

	assert.Contains(t, rec.Body.String(), "event: error\ndata: {\"error\":\"invalid turn state: user_id cannot be empty\"}")
}

func TestStreamRouteNeedsEvents(t *testing.T) {
	rec := post(t, NewRouter(RouterOptions{Turns: &fakeTurns{}}), "/api/v1/chat/stream", `{"message":"hi"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

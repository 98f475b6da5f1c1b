package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/graph"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/streaming"
)

const maxChatBody = 1 << 20

// Turns runs conversation turns. The graph executor runs them in-process;
// the Temporal runner runs them as workflows.
type Turns interface {
	Run(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error)
	Resume(ctx context.Context, threadID string) (*state.ConversationState, error)
}

// ChatHandler serves the turn endpoints.
type ChatHandler struct {
	turns  Turns
	events *streaming.Manager
	logger *zap.Logger
}

func NewChatHandler(turns Turns, events *streaming.Manager, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{turns: turns, events: events, logger: logger}
}

func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat", h.handleChat)
	mux.HandleFunc("POST /api/v1/threads/{id}/resume", h.handleResume)
	if h.events != nil {
		mux.HandleFunc("POST /api/v1/chat/stream", h.handleStream)
	}
}

// ChatRequest starts a turn. A missing conversation id starts a new thread.
type ChatRequest struct {
	Message        string          `json:"message"`
	ConversationID string          `json:"conversation_id,omitempty"`
	History        []state.Message `json:"history,omitempty"`
}

// ChatResponse is the outcome of a turn.
type ChatResponse struct {
	ConversationID    string            `json:"conversation_id"`
	Message           string            `json:"message"`
	Intent            state.Intent      `json:"intent"`
	Sources           []state.Citation  `json:"sources"`
	ToolsUsed         []string          `json:"tools_used"`
	Usage             state.Usage       `json:"usage"`
	Validation        *state.Validation `json:"validation,omitempty"`
	ValidationRetried bool              `json:"validation_retried"`
}

func responseFrom(s *state.ConversationState) ChatResponse {
	resp := ChatResponse{
		ConversationID:    s.ConversationID,
		Intent:            s.Intent,
		Sources:           s.Sources,
		ToolsUsed:         s.ToolsUsed,
		Usage:             s.Usage,
		Validation:        s.Validation,
		ValidationRetried: s.ValidationRetried,
	}
	if m, ok := s.LastAssistantMessage(); ok {
		resp.Message = m.Content
	}
	return resp
}

func (h *ChatHandler) decode(w http.ResponseWriter, r *http.Request) (*state.ConversationState, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return nil, false
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	return state.New(userID(r), req.ConversationID, req.History, req.Message), true
}

// turnStatus maps a turn error to an HTTP status.
func turnStatus(err error) int {
	switch {
	case errors.Is(err, graph.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrCheckpointingDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// handleChat runs one turn and returns its outcome.
// POST /api/v1/chat
func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	s, ok := h.decode(w, r)
	if !ok {
		return
	}
	out, err := h.turns.Run(r.Context(), s)
	if err != nil {
		h.logger.Warn("Turn failed", zap.String("conversation_id", s.ConversationID), zap.Error(err))
		writeError(w, turnStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, responseFrom(out))
}

// handleResume continues a thread from its latest checkpoint.
// POST /api/v1/threads/{id}/resume
func (h *ChatHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	out, err := h.turns.Resume(r.Context(), threadID)
	if err != nil {
		h.logger.Warn("Resume failed", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, turnStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, responseFrom(out))
}

type turnResult struct {
	state *state.ConversationState
	err   error
}

// handleStream runs one turn and streams its events as SSE, ending with a
// "result" event carrying the ChatResponse, or an "error" event.
// POST /api/v1/chat/stream
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.decode(w, r)
	if !ok {
		return
	}
	flusher, ok := sseHeaders(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	threadID := s.ConversationID

	// subscribe before the turn starts so no event is missed
	ch := h.events.Subscribe(threadID, subscriberBuffer)
	defer h.events.Unsubscribe(threadID, ch)

	done := make(chan turnResult, 1)
	go func() {
		out, err := h.turns.Run(r.Context(), s)
		done <- turnResult{state: out, err: err}
	}()

	fmt.Fprintf(w, ": turn on thread %s\n\n", threadID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("Stream client disconnected", zap.String("thread_id", threadID))
			return
		case evt := <-ch:
			writeSSE(w, evt)
			flusher.Flush()
		case res := <-done:
			drainEvents(w, ch)
			if res.err != nil {
				h.logger.Warn("Streamed turn failed", zap.String("thread_id", threadID), zap.Error(res.err))
				b, _ := json.Marshal(map[string]string{"error": sanitizeErr(res.err.Error())})
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", b)
			} else {
				b, _ := json.Marshal(responseFrom(res.state))
				fmt.Fprintf(w, "event: result\ndata: %s\n\n", b)
			}
			flusher.Flush()
			return
		}
	}
}

// drainEvents writes what is already buffered on ch without blocking.
func drainEvents(w http.ResponseWriter, ch chan streaming.Event) {
	for {
		select {
		case evt := <-ch:
			writeSSE(w, evt)
		default:
			return
		}
	}
}

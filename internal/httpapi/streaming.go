package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/streaming"
)

const subscriberBuffer = 256

var heartbeatInterval = 15 * time.Second

// StreamingHandler serves SSE and WebSocket endpoints for turn events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers SSE and WebSocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// typeFilter parses the comma-separated types query parameter.
type typeFilter map[string]struct{}

func parseTypes(r *http.Request) typeFilter {
	f := typeFilter{}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f typeFilter) allows(evt streaming.Event) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[evt.Type]
	return ok
}

// lastEventID reads the Last-Event-ID header, falling back to the
// last_event_id query parameter.
func lastEventID(r *http.Request) uint64 {
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// backlog returns the events after since, from the local ring or, when the
// ring has nothing, from the Redis mirror.
func (h *StreamingHandler) backlog(r *http.Request, threadID string, since uint64) []streaming.Event {
	if since == 0 {
		return nil
	}
	events := h.mgr.ReplaySince(threadID, since)
	if len(events) > 0 {
		return events
	}
	events, err := h.mgr.ReplayRedis(r.Context(), threadID, since)
	if err != nil {
		h.logger.Warn("Redis replay failed", zap.String("thread_id", threadID), zap.Error(err))
		return nil
	}
	return events
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return flusher, true
}

// handleSSE streams events for a thread via Server-Sent Events.
// GET /stream/sse?thread_id=<id>&types=a,b&last_event_id=<seq>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "thread_id required")
		return
	}
	types := parseTypes(r)
	flusher, ok := sseHeaders(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := h.mgr.Subscribe(threadID, subscriberBuffer)
	defer h.mgr.Unsubscribe(threadID, ch)

	fmt.Fprintf(w, ": connected to thread %s\n\n", threadID)
	for _, evt := range h.backlog(r, threadID, lastEventID(r)) {
		if types.allows(evt) {
			writeSSE(w, evt)
		}
	}
	flusher.Flush()

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("thread_id", threadID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !types.allows(evt) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

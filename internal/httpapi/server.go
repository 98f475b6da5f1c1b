// Package httpapi is the inbound HTTP surface: turns, checkpoint history and
// event streams.
package httpapi

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/streaming"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tracing"
)

// RouteRegistrar is implemented by every handler group.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// RouterOptions select the handler groups. A nil store or event manager
// leaves its routes out.
type RouterOptions struct {
	Turns       Turns
	Checkpoints checkpoint.Store
	Events      *streaming.Manager
	Extra       []RouteRegistrar
	Logger      *zap.Logger
}

// NewRouter builds the API mux wrapped in request logging and tracing.
func NewRouter(opts RouterOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	NewChatHandler(opts.Turns, opts.Events, opts.Logger).RegisterRoutes(mux)
	if opts.Checkpoints != nil {
		NewCheckpointHandler(opts.Checkpoints, opts.Logger).RegisterRoutes(mux)
	}
	if opts.Events != nil {
		NewStreamingHandler(opts.Events, opts.Logger).RegisterRoutes(mux)
	}
	for _, r := range opts.Extra {
		r.RegisterRoutes(mux)
	}
	return withObservability(mux, opts.Logger)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the wrapper.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying connection.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func withObservability(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracing.StartSpan(r.Context(), "http.server",
			"http.method", r.Method,
			"http.path", r.URL.Path,
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("user_id", userID(r)),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

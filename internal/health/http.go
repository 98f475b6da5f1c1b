package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Handler serves the health endpoints.
type Handler struct {
	reporter Reporter
	logger   *zap.Logger
}

func NewHandler(reporter Reporter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{reporter: reporter, logger: logger}
}

// RegisterRoutes registers /health, /health/ready, /health/live and
// /health/detailed.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
	mux.HandleFunc("GET /health/detailed", h.handleDetailed)
}

func statusCode(s CheckStatus) int {
	switch s {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	d := h.reporter.Detailed(r.Context())
	h.write(w, statusCode(d.Overall.Status), map[string]any{
		"status":    d.Overall.Status,
		"message":   d.Overall.Message,
		"timestamp": d.Timestamp.Unix(),
		"duration":  time.Since(start).String(),
		"degraded":  d.Overall.Degraded,
		"ready":     d.Overall.Ready,
		"live":      d.Overall.Live,
	})
}

// handleReadiness answers readiness probes: 503 while a critical dependency
// fails.
func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := h.reporter.IsReady(r.Context())
	code, msg := http.StatusOK, "ready"
	if !ready {
		code, msg = http.StatusServiceUnavailable, "not ready"
	}
	h.write(w, code, map[string]any{"status": msg, "ready": ready, "timestamp": time.Now().Unix()})
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	live := h.reporter.IsLive(r.Context())
	code, msg := http.StatusOK, "alive"
	if !live {
		code, msg = http.StatusServiceUnavailable, "not alive"
	}
	h.write(w, code, map[string]any{"status": msg, "live": live, "timestamp": time.Now().Unix()})
}

// handleDetailed returns every component. ?cached=true skips running checks.
func (h *Handler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	var d DetailedHealth
	if r.URL.Query().Get("cached") == "true" {
		d = h.reporter.Cached()
	} else {
		d = h.reporter.Detailed(r.Context())
	}
	h.write(w, statusCode(d.Overall.Status), d)
}

func (h *Handler) write(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

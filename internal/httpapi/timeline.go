package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
)

const maxListLimit = 1000

// CheckpointHandler exposes the checkpoint history of threads.
type CheckpointHandler struct {
	store  checkpoint.Store
	logger *zap.Logger
}

func NewCheckpointHandler(store checkpoint.Store, logger *zap.Logger) *CheckpointHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointHandler{store: store, logger: logger}
}

// RegisterRoutes registers the thread history routes:
//
//	GET    /api/v1/threads/{id}/checkpoints?limit=
//	GET    /api/v1/threads/{id}/checkpoints/latest
//	GET    /api/v1/threads/{id}/checkpoints/{cid}
//	GET    /api/v1/threads/{id}/timeline
//	DELETE /api/v1/threads/{id}/checkpoints
//	DELETE /api/v1/threads/{id}/checkpoints/{cid}
func (h *CheckpointHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/threads/{id}/checkpoints", h.handleList)
	mux.HandleFunc("GET /api/v1/threads/{id}/checkpoints/latest", h.handleShow)
	mux.HandleFunc("GET /api/v1/threads/{id}/checkpoints/{cid}", h.handleShow)
	mux.HandleFunc("GET /api/v1/threads/{id}/timeline", h.handleTimeline)
	mux.HandleFunc("DELETE /api/v1/threads/{id}/checkpoints", h.handleDelete)
	mux.HandleFunc("DELETE /api/v1/threads/{id}/checkpoints/{cid}", h.handleDelete)
}

// CheckpointView is the wire form of a checkpoint. State is omitted from
// listings.
type CheckpointView struct {
	ThreadID           string          `json:"thread_id"`
	CheckpointID       string          `json:"checkpoint_id"`
	ParentCheckpointID string          `json:"parent_checkpoint_id,omitempty"`
	Metadata           map[string]any  `json:"metadata"`
	CreatedAt          time.Time       `json:"created_at"`
	State              json.RawMessage `json:"state,omitempty"`
}

func viewOf(cp checkpoint.Checkpoint, withState bool) CheckpointView {
	v := CheckpointView{
		ThreadID:           cp.ThreadID,
		CheckpointID:       cp.CheckpointID,
		ParentCheckpointID: cp.ParentCheckpointID,
		Metadata:           cp.Metadata,
		CreatedAt:          cp.CreatedAt,
	}
	if withState {
		v.State = cp.State
	}
	return v
}

// TimelineStep summarises one node execution of a thread.
type TimelineStep struct {
	CheckpointID string    `json:"checkpoint_id"`
	Node         string    `json:"node"`
	Next         string    `json:"next"`
	Intent       string    `json:"intent,omitempty"`
	Step         int       `json:"step"`
	At           time.Time `json:"at"`
}

func (h *CheckpointHandler) fail(w http.ResponseWriter, threadID string, err error) {
	if errors.Is(err, checkpoint.ErrNotFound) {
		writeError(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	h.logger.Error("Checkpoint request failed", zap.String("thread_id", threadID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (h *CheckpointHandler) handleList(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list, err := h.store.List(r.Context(), threadID, limit)
	if err != nil {
		h.fail(w, threadID, err)
		return
	}
	views := make([]CheckpointView, 0, len(list))
	for _, cp := range list {
		views = append(views, viewOf(cp, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":   threadID,
		"checkpoints": views,
		"count":       len(views),
	})
}

// handleShow serves both /latest (no cid) and a specific checkpoint.
func (h *CheckpointHandler) handleShow(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	cp, err := h.store.Get(r.Context(), threadID, r.PathValue("cid"))
	if err != nil {
		h.fail(w, threadID, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*cp, true))
}

func (h *CheckpointHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	chain, err := checkpoint.Chain(r.Context(), h.store, threadID)
	if err != nil {
		h.fail(w, threadID, err)
		return
	}
	steps := make([]TimelineStep, len(chain))
	// chain runs latest to root; the timeline reads forward
	for i, cp := range chain {
		step, _ := cp.Metadata["step"].(float64)
		steps[len(chain)-1-i] = TimelineStep{
			CheckpointID: cp.CheckpointID,
			Node:         cp.MetaString("node"),
			Next:         cp.MetaString("next"),
			Intent:       cp.MetaString("intent"),
			Step:         int(step),
			At:           cp.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"steps":     steps,
	})
}

func (h *CheckpointHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	n, err := h.store.Delete(r.Context(), threadID, r.PathValue("cid"))
	if err != nil {
		h.fail(w, threadID, err)
		return
	}
	h.logger.Info("Deleted checkpoints", zap.String("thread_id", threadID), zap.Int64("deleted", n))
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "deleted": n})
}

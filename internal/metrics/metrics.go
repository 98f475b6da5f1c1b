package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_turns_total",
			Help: "Total number of conversation turns executed",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xynenyx_turn_duration_seconds",
			Help:    "End-to-end turn duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	// Node metrics
	NodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_node_executions_total",
			Help: "Total number of graph node executions",
		},
		[]string{"node", "status"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xynenyx_node_duration_seconds",
			Help:    "Graph node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	IntentsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_intents_total",
			Help: "Classified intents",
		},
		[]string{"intent"},
	)

	// Checkpoint metrics
	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_checkpoint_writes_total",
			Help: "Checkpoint writes by status",
		},
		[]string{"status"},
	)

	CheckpointsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xynenyx_checkpoints_swept_total",
			Help: "Checkpoints deleted by the TTL sweep",
		},
	)

	// Data-shaping metrics
	RewriterCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_rewriter_cache_total",
			Help: "Query rewriter cache lookups by result",
		},
		[]string{"result"},
	)

	Compressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_compressions_total",
			Help: "Context compressions by method",
		},
		[]string{"method"},
	)

	Decompositions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xynenyx_decomposition_subqueries",
			Help:    "Number of sub-queries produced per decomposition",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	// LLM metrics
	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_llm_tokens_total",
			Help: "Tokens consumed by model calls",
		},
		[]string{"kind"},
	)

	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_llm_requests_total",
			Help: "Model calls by backend and status",
		},
		[]string{"backend", "status"},
	)

	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_tool_executions_total",
			Help: "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)
)

// ObserveNode records one node execution.
func ObserveNode(node string, failed bool, d time.Duration) {
	status := "ok"
	if failed {
		status = "error"
	}
	NodeExecutions.WithLabelValues(node, status).Inc()
	NodeDuration.WithLabelValues(node).Observe(d.Seconds())
}

// ObserveUsage adds token counters reported by a model call.
func ObserveUsage(usage map[string]int) {
	for _, k := range []string{"prompt_tokens", "completion_tokens"} {
		if v := usage[k]; v > 0 {
			LLMTokens.WithLabelValues(k).Add(float64(v))
		}
	}
}

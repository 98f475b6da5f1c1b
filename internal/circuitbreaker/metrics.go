package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xynenyx_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xynenyx_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xynenyx_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name", "service"},
	)
)

func recordRequest(name, service string, st State, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, st.String(), result).Inc()
}

func recordTransition(name, service string, from, to State) {
	breakerTransitions.WithLabelValues(name, service, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(name, service).Set(float64(to))
	if to == StateOpen {
		breakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
	} else if from == StateOpen {
		breakerOpenSince.WithLabelValues(name, service).Set(0)
	}
}

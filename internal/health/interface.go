// Package health reports whether the agent and its dependencies can serve
// turns.
package health

import (
	"context"
	"time"
)

// CheckStatus is the outcome of one check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON bodies.
func (s CheckStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CheckResult is the report of one component.
type CheckResult struct {
	Component string         `json:"component"`
	Status    CheckStatus    `json:"status"`
	Critical  bool           `json:"critical"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical reports whether a failure makes the agent not ready.
	IsCritical() bool
	Timeout() time.Duration
}

// Reporter is what the HTTP endpoints need from the manager.
type Reporter interface {
	Detailed(ctx context.Context) DetailedHealth
	Cached() DetailedHealth
	IsReady(ctx context.Context) bool
	IsLive(ctx context.Context) bool
}

type OverallHealth struct {
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message,omitempty"`
	Degraded bool        `json:"degraded"`
	Ready    bool        `json:"ready"`
	Live     bool        `json:"live"`
}

type Summary struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Degraded    int `json:"degraded"`
	Unhealthy   int `json:"unhealthy"`
	Critical    int `json:"critical"`
	NonCritical int `json:"non_critical"`
}

type DetailedHealth struct {
	Overall    OverallHealth          `json:"overall"`
	Components map[string]CheckResult `json:"components"`
	Summary    Summary                `json:"summary"`
	Timestamp  time.Time              `json:"timestamp"`
}

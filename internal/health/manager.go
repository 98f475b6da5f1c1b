package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultCheckInterval = 30 * time.Second

// Manager runs the registered checkers on demand and in the background.
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	started     bool
	stopCh      chan struct{}
	logger      *zap.Logger
}

// NewManager creates a manager with the given background interval. A zero
// interval uses 30s.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    interval,
		logger:      logger,
	}
}

// Register adds a checker. Names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkers[c.Name()]; ok {
		return fmt.Errorf("health checker %q already registered", c.Name())
	}
	m.checkers[c.Name()] = c
	m.logger.Debug("Registered health checker",
		zap.String("name", c.Name()),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Detailed runs every checker concurrently and records the results.
func (m *Manager) Detailed(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = runCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]CheckResult, len(results))
	m.mu.Lock()
	for _, r := range results {
		components[r.Component] = r
		m.lastResults[r.Component] = r
	}
	m.mu.Unlock()
	return evaluate(components)
}

// Cached reports the last recorded results without running any check.
func (m *Manager) Cached() DetailedHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	components := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		components[k] = v
	}
	return evaluate(components)
}

func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Detailed(ctx).Overall.Ready
}

// IsLive is true while the process can answer. Dependency failures never
// make the agent not live.
func (m *Manager) IsLive(context.Context) bool {
	return true
}

// Start begins periodic checking until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	n := len(m.checkers)
	m.mu.Unlock()

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.interval),
		zap.Int("registered_checkers", n),
	)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, m.interval)
				d := m.Detailed(checkCtx)
				cancel()
				if d.Overall.Status != StatusHealthy {
					m.logger.Warn("Health check reports problems",
						zap.String("status", d.Overall.Status.String()),
						zap.String("message", d.Overall.Message),
					)
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("Health manager stopped")
}

func runCheck(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

// evaluate folds component results into the overall verdict. A failing
// critical component makes the agent unhealthy and not ready; degraded or
// failing non-critical components only degrade it.
func evaluate(components map[string]CheckResult) DetailedHealth {
	d := DetailedHealth{
		Components: components,
		Summary:    Summary{Total: len(components)},
		Timestamp:  time.Now(),
	}
	if len(components) == 0 {
		d.Overall = OverallHealth{Status: StatusUnknown, Message: "No health checks registered", Live: true}
		return d
	}

	criticalFailures, otherFailures := 0, 0
	for _, r := range components {
		switch r.Status {
		case StatusHealthy:
			d.Summary.Healthy++
		case StatusDegraded:
			d.Summary.Degraded++
		default:
			d.Summary.Unhealthy++
			if r.Critical {
				criticalFailures++
			} else {
				otherFailures++
			}
		}
		if r.Critical {
			d.Summary.Critical++
		} else {
			d.Summary.NonCritical++
		}
	}

	o := OverallHealth{Status: StatusHealthy, Ready: true, Live: true}
	switch {
	case criticalFailures > 0:
		o.Status, o.Ready = StatusUnhealthy, false
		o.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
	case d.Summary.Degraded > 0:
		o.Status = StatusDegraded
		o.Message = fmt.Sprintf("%d component(s) degraded", d.Summary.Degraded)
	case otherFailures > 0:
		o.Status = StatusDegraded
		o.Message = fmt.Sprintf("%d non-critical component(s) failing", otherFailures)
	default:
		o.Message = fmt.Sprintf("All %d components healthy", d.Summary.Total)
	}
	o.Degraded = o.Status == StatusDegraded
	d.Overall = o
	return d
}

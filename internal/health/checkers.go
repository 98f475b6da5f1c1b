package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
)

const (
	defaultTimeout = 5 * time.Second
	slowThreshold  = 100 * time.Millisecond
)

func breakerOpen(b *circuitbreaker.Breaker) bool {
	return b != nil && b.State() == circuitbreaker.StateOpen
}

// pingResult turns a ping outcome into a result. Slow answers degrade.
func pingResult(name string, start time.Time, err error) CheckResult {
	latency := time.Since(start)
	r := CheckResult{Details: map[string]any{"latency_ms": latency.Milliseconds()}}
	switch {
	case err != nil:
		r.Status = StatusUnhealthy
		r.Error = err.Error()
		r.Message = name + " ping failed"
	case latency > slowThreshold:
		r.Status = StatusDegraded
		r.Message = name + " responding but with high latency"
	default:
		r.Status = StatusHealthy
		r.Message = name + " healthy"
	}
	return r
}

// DatabaseChecker pings the checkpoint database.
type DatabaseChecker struct {
	db       *circuitbreaker.DB
	critical bool
}

// NewDatabaseChecker creates a database checker. It is critical when the
// agent cannot run turns without the database.
func NewDatabaseChecker(db *circuitbreaker.DB, critical bool) *DatabaseChecker {
	return &DatabaseChecker{db: db, critical: critical}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return d.critical }
func (d *DatabaseChecker) Timeout() time.Duration { return defaultTimeout }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if breakerOpen(d.db.Breaker()) {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Database circuit breaker is open"}
	}
	start := time.Now()
	r := pingResult("Database", start, d.db.PingContext(ctx))
	stats := d.db.Unwrap().Stats()
	r.Details["open_connections"] = stats.OpenConnections
	r.Details["in_use_connections"] = stats.InUse
	r.Details["idle_connections"] = stats.Idle
	if r.Status == StatusHealthy && stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		r.Status = StatusDegraded
		r.Message = "Database connection pool exhausted"
	}
	return r
}

// RedisChecker pings the shared cache and event mirror.
type RedisChecker struct {
	redis *circuitbreaker.Redis
}

func NewRedisChecker(r *circuitbreaker.Redis) *RedisChecker {
	return &RedisChecker{redis: r}
}

func (r *RedisChecker) Name() string { return "redis" }

// IsCritical is false: the rewriter cache and event mirror fall back to
// process memory.
func (r *RedisChecker) IsCritical() bool       { return false }
func (r *RedisChecker) Timeout() time.Duration { return defaultTimeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	if breakerOpen(r.redis.Breaker()) {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Redis circuit breaker is open"}
	}
	start := time.Now()
	return pingResult("Redis", start, r.redis.Ping(ctx))
}

// DependencyChecker calls GET {baseURL}/health on a remote service such as
// the LLM or retrieval service.
type DependencyChecker struct {
	name    string
	baseURL string
	client  *circuitbreaker.HTTPClient
}

// NewDependencyChecker creates a non-critical checker for a remote service.
// The client is usually the one the service's collaborator uses, so an open
// breaker is reported without another request.
func NewDependencyChecker(name, baseURL string, client *circuitbreaker.HTTPClient) *DependencyChecker {
	if client == nil {
		client = circuitbreaker.NewHTTPClient(&http.Client{Timeout: defaultTimeout}, name, circuitbreaker.Settings{}, nil)
	}
	return &DependencyChecker{name: name, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (d *DependencyChecker) Name() string           { return d.name }
func (d *DependencyChecker) IsCritical() bool       { return false }
func (d *DependencyChecker) Timeout() time.Duration { return defaultTimeout }

func (d *DependencyChecker) Check(ctx context.Context) CheckResult {
	if breakerOpen(d.client.Breaker()) {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: d.name + " circuit breaker is open"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/health", nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "invalid health URL"}
	}
	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return pingResult(d.name, start, err)
	}
	resp.Body.Close()

	r := pingResult(d.name, start, nil)
	r.Details["base_url"] = d.baseURL
	r.Details["status_code"] = resp.StatusCode
	switch {
	case resp.StatusCode >= 500:
		r.Status = StatusUnhealthy
		r.Message = fmt.Sprintf("%s returned %d", d.name, resp.StatusCode)
	case resp.StatusCode >= 300:
		r.Status = StatusDegraded
		r.Message = fmt.Sprintf("%s returned %d", d.name, resp.StatusCode)
	}
	return r
}

// MemoryChecker reports host memory pressure.
type MemoryChecker struct {
	threshold float64
	read      func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewMemoryChecker degrades when used memory exceeds threshold percent. A
// zero threshold uses 90.
func NewMemoryChecker(threshold float64) *MemoryChecker {
	if threshold <= 0 {
		threshold = 90
	}
	return &MemoryChecker{threshold: threshold, read: mem.VirtualMemoryWithContext}
}

func (m *MemoryChecker) Name() string           { return "memory" }
func (m *MemoryChecker) IsCritical() bool       { return false }
func (m *MemoryChecker) Timeout() time.Duration { return 2 * time.Second }

func (m *MemoryChecker) Check(ctx context.Context) CheckResult {
	vm, err := m.read(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnknown, Error: err.Error(), Message: "memory stats unavailable"}
	}
	r := CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%.1f%% memory used", vm.UsedPercent),
		Details: map[string]any{
			"used_percent": vm.UsedPercent,
			"total_bytes":  vm.Total,
			"available":    vm.Available,
		},
	}
	if vm.UsedPercent > m.threshold {
		r.Status = StatusDegraded
	}
	return r
}

// FuncChecker adapts a function, e.g. for a dependency without a client.
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) CheckResult
}

func NewFuncChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) CheckResult) *FuncChecker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FuncChecker{name: name, critical: critical, timeout: timeout, fn: fn}
}

func (f *FuncChecker) Name() string                          { return f.name }
func (f *FuncChecker) IsCritical() bool                      { return f.critical }
func (f *FuncChecker) Timeout() time.Duration                { return f.timeout }
func (f *FuncChecker) Check(ctx context.Context) CheckResult { return f.fn(ctx) }

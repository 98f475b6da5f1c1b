package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
)

func TestDatabaseChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	cb := circuitbreaker.NewDB(sqlx.NewDb(db, "postgres"), circuitbreaker.Settings{}, zaptest.NewLogger(t))
	checker := NewDatabaseChecker(cb, true)

	mock.ExpectPing()
	r := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Contains(t, r.Details, "open_connections")

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	r = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "connection refused", r.Error)
	assert.True(t, checker.IsCritical())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := circuitbreaker.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		circuitbreaker.Settings{FailureThreshold: 1}, zaptest.NewLogger(t))
	checker := NewRedisChecker(rdb)

	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	mr.Close()
	r := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "Redis ping failed", r.Message)

	// the failed ping opened the breaker
	r = checker.Check(context.Background())
	assert.Equal(t, "circuit breaker open", r.Error)
	assert.False(t, checker.IsCritical())
}

func TestDependencyChecker(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	checker := NewDependencyChecker("rag_service", srv.URL+"/", nil)
	assert.Equal(t, "rag_service", checker.Name())
	assert.False(t, checker.IsCritical())

	r := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, http.StatusOK, r.Details["status_code"])

	status = http.StatusServiceUnavailable
	r = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "rag_service returned 503", r.Message)

	status = http.StatusNotFound
	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)
}

func TestDependencyCheckerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewDependencyChecker("llm_service", url, nil).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.NotEmpty(t, r.Error)
}

func TestMemoryChecker(t *testing.T) {
	checker := NewMemoryChecker(0)
	used := 42.0
	checker.read = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: used, Total: 16 << 30}, nil
	}

	r := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, "42.0% memory used", r.Message)

	used = 95
	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)

	checker.read = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, errors.New("no procfs") }
	assert.Equal(t, StatusUnknown, checker.Check(context.Background()).Status)
}

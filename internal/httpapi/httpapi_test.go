package httpapi

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// unreachableDB returns a lazily-connecting handle that fails on first use,
// standing in for a database that is down without needing a real server.
func unreachableDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", "postgres://nouser@127.0.0.1:1/nodb?sslmode=disable&connect_timeout=1")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHealthzReportsUnhealthyWhenDBUnreachable(t *testing.T) {
	s := New(unreachableDB(t), prometheus.NewRegistry(), zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestDebugStateDegradesGracefullyWhenDBUnreachable(t *testing.T) {
	s := New(unreachableDB(t), prometheus.NewRegistry(), zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/state", nil)
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "debug state is best-effort and must not fail the request on a DB error")
	assert.Contains(t, rec.Body.String(), "last_indexed_block")
	assert.Contains(t, rec.Body.String(), "failed_block_count")
}

func TestMetricsRouteIsRegistered(t *testing.T) {
	s := New(unreachableDB(t), prometheus.NewRegistry(), zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRouteServesTheRegistryPassedIntoNewNotTheDefaultOne(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "indexer_blocks_indexed_total", Help: "test"})
	counter.Add(7)
	reg.MustRegister(counter)

	s := New(unreachableDB(t), reg, zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.engine.ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "indexer_blocks_indexed_total 7",
		"/metrics must serve the registry passed into New, not the global default gatherer")
}

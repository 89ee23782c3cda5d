// Package httpapi exposes the thin operator-facing debug surface: health,
// Prometheus metrics, and a snapshot of indexer state. The ingestion
// service has no public read API; this surface exists purely for operators.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// tenSeconds matches the read-side DB statement timeout.
const tenSeconds = 10 * time.Second

// Server wraps the gin engine and the dependencies its handlers read from.
type Server struct {
	engine *gin.Engine
	pool   *sql.DB
	log    *zap.Logger
}

// New builds a Server. reg must be the same registry the indexer's
// metrics.Metrics series were registered on, or /metrics will only ever
// serve the stock Go/process collectors.
func New(pool *sql.DB, reg *prometheus.Registry, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, pool: pool, log: log}
	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	engine.GET("/debug/state", s.debugState)
	return s
}

func (s *Server) Run(addr string) error {
	s.log.Info("debug http server listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.pool.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) debugState(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), tenSeconds)
	defer cancel()

	var watermark sql.NullString
	_ = s.pool.QueryRowContext(ctx, `SELECT value FROM indexer_state WHERE key = 'last_indexed_block'`).Scan(&watermark)

	var failedCount int
	_ = s.pool.QueryRowContext(ctx, `SELECT count(*) FROM failed_blocks`).Scan(&failedCount)

	c.JSON(http.StatusOK, gin.H{
		"last_indexed_block": watermark.String,
		"failed_block_count": failedCount,
	})
}

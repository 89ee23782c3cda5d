// Command indexer is the ingestion core's process entrypoint: load config,
// build every dependency, then hand the main loop to the supervisor.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/csic/platform/blockchain/indexer/internal/config"
	"github.com/csic/platform/blockchain/indexer/internal/events"
	"github.com/csic/platform/blockchain/indexer/internal/httpapi"
	"github.com/csic/platform/blockchain/indexer/internal/indexer"
	"github.com/csic/platform/blockchain/indexer/internal/logging"
	"github.com/csic/platform/blockchain/indexer/internal/metadata"
	"github.com/csic/platform/blockchain/indexer/internal/metrics"
	"github.com/csic/platform/blockchain/indexer/internal/partition"
	"github.com/csic/platform/blockchain/indexer/internal/ratelimit"
	"github.com/csic/platform/blockchain/indexer/internal/rpc"
	"github.com/csic/platform/blockchain/indexer/internal/store"
	"github.com/csic/platform/blockchain/indexer/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zapLog, err := logging.New("indexer", false)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zapLog.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	limiter := ratelimit.New(cfg.RPCRequestsPerSecond, cfg.RPCBatchSize).WithWaitMetric(m.RateLimiterWait)
	client := rpc.NewClient(cfg.RPCURL, limiter, zapLog)

	writer, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConnections, zapLog)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer writer.Close() //nolint:errcheck

	partitions := partition.New(writer.Pool(), zapLog)
	publisher := events.New(cfg.KafkaBrokers, cfg.KafkaTopic, zapLog)
	defer publisher.Close() //nolint:errcheck

	backfiller := metadata.New(writer.Pool(), cfg.RPCURL, limiter, cfg.MetadataFetchWorkers, cfg.MetadataRetryAttempts, cfg.IPFSGateway, zapLog)
	go backfiller.Run(ctx)

	debugServer := httpapi.New(writer.Pool(), reg, zapLog)
	go func() {
		if err := debugServer.Run(cfg.DebugHTTPAddr); err != nil && err != http.ErrServerClosed {
			zapLog.Error("debug http server stopped", zap.Error(err))
		}
	}()

	idx := indexer.New(cfg, client, writer, partitions, publisher, m, zapLog)
	supervisor.Run(ctx, zapLog, idx.Run)

	zapLog.Info("indexer shut down")
}

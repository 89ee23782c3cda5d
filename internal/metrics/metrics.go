// Package metrics exposes the Prometheus series the debug HTTP server
// scrapes: throughput, write latency, rate-limiter wait time, and the
// failed-block backlog.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every series this process exports.
type Metrics struct {
	BlocksIndexed      prometheus.Counter
	BatchWriteDuration prometheus.Histogram
	RateLimiterWait    prometheus.Histogram
	FailedBlocksGauge  prometheus.Gauge
	ReorderBufferDepth prometheus.Gauge
	CurrentBlock       prometheus.Gauge
	ChainHead          prometheus.Gauge
}

// New registers every series on reg and returns the bound Metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexer_blocks_indexed_total",
			Help: "Total blocks committed to the database.",
		}),
		BatchWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indexer_batch_write_duration_seconds",
			Help:    "Duration of the atomic batch write transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimiterWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indexer_rate_limiter_wait_seconds",
			Help:    "Time spent waiting for RPC rate limiter tokens.",
			Buckets: prometheus.DefBuckets,
		}),
		FailedBlocksGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_failed_blocks",
			Help: "Blocks exhausted all sideline retries in the most recent window.",
		}),
		ReorderBufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_reorder_buffer_depth",
			Help: "Out-of-order blocks currently held pending the next sequential block.",
		}),
		CurrentBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_current_block",
			Help: "Highest block number committed to the watermark.",
		}),
		ChainHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_chain_head",
			Help: "Most recently observed RPC chain head.",
		}),
	}
	reg.MustRegister(
		m.BlocksIndexed, m.BatchWriteDuration, m.RateLimiterWait,
		m.FailedBlocksGauge, m.ReorderBufferDepth, m.CurrentBlock, m.ChainHead,
	)
	return m
}

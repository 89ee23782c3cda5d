// Package ratelimit provides the process-wide RPC token bucket.
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every fetch worker and the metadata
// backfiller. It is safe for concurrent use but not lock-free: the
// underlying rate.Limiter guards its state with a mutex. One token is consumed per
// underlying JSON-RPC call, not per HTTP round trip — a batch request
// carrying N calls reserves N tokens up front.
type Limiter struct {
	bucket *rate.Limiter
	wait   prometheus.Histogram
}

// New creates a Limiter that sustains requestsPerSecond tokens/sec. The
// burst is set to at least 2*rpcBatchSize, since FetchBatch reserves two
// tokens per block (eth_getBlockByNumber + eth_getBlockReceipts) in one
// WaitN call — a burst smaller than that makes every batch fetch fail
// immediately with rate.ErrBurstExceeded regardless of how generous the
// sustained rate is.
func New(requestsPerSecond, rpcBatchSize int) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 100
	}
	burst := requestsPerSecond
	if needed := 2 * rpcBatchSize; needed > burst {
		burst = needed
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// WithWaitMetric attaches a histogram observing time spent blocked in WaitN.
func (l *Limiter) WithWaitMetric(h prometheus.Histogram) *Limiter {
	l.wait = h
	return l
}

// WaitN blocks until n tokens are available. Used by the fetcher to
// reserve 2*count tokens (one eth_getBlockByNumber + one
// eth_getBlockReceipts per block) before sending a batch request.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	start := time.Now()
	err := l.bucket.WaitN(ctx, n)
	if l.wait != nil {
		l.wait.Observe(time.Since(start).Seconds())
	}
	return err
}

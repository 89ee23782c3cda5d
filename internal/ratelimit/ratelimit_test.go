package ratelimit

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitNConsumesBurstImmediately(t *testing.T) {
	l := New(100, 10)
	start := time.Now()
	require.NoError(t, l.WaitN(context.Background(), 100))
	assert.Less(t, time.Since(start), 200*time.Millisecond, "a request within the burst must not block")
}

func TestWaitNBlocksPastBurst(t *testing.T) {
	l := New(100, 10)
	ctx := context.Background()
	require.NoError(t, l.WaitN(ctx, 100)) // drain the burst

	start := time.Now()
	require.NoError(t, l.WaitN(ctx, 10))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "exhausting the bucket must force a wait for refill")
}

func TestWaitNZeroIsNoOp(t *testing.T) {
	l := New(1, 0)
	assert.NoError(t, l.WaitN(context.Background(), 0))
}

func TestWaitNRespectsCancellation(t *testing.T) {
	l := New(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.WaitN(ctx, 1), "an already-cancelled context must short-circuit the wait")
}

func TestWithWaitMetricObservesDuration(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_wait_seconds"})
	l := New(100, 10).WithWaitMetric(hist)
	require.NoError(t, l.WaitN(context.Background(), 1))

	var m dto.Metric
	require.NoError(t, hist.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount(), "WaitN must observe exactly one sample per call")
}

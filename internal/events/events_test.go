package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewWithNoBrokersIsNoOp(t *testing.T) {
	p := New(nil, "indexer.batches", zap.NewNop())
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), BatchIndexed{StartBlock: 1, EndBlock: 10, TxCount: 5})
	}, "publishing with no brokers configured must never panic or block")
	assert.NoError(t, p.Close())
}

func TestPublishNeverPanicsOnUnreachableBroker(t *testing.T) {
	// A broker address that nothing listens on exercises the log-and-swallow
	// path: a down Kafka broker must never stall or fail indexing.
	p := New([]string{"127.0.0.1:1"}, "indexer.batches", zap.NewNop())
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.NotPanics(t, func() {
		p.Publish(ctx, BatchIndexed{StartBlock: 1, EndBlock: 2, TxCount: 0})
	})
}

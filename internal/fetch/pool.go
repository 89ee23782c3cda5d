// Package fetch implements the worker pool and dispatcher:
// a bounded work queue feeding W long-lived workers, each invoking the RPC
// fetcher and forwarding every result onto a shared result channel.
package fetch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/csic/platform/blockchain/indexer/internal/rpc"
)

// WorkItem is a contiguous range of blocks assigned to one worker call.
type WorkItem struct {
	Start uint64
	Count int
}

// Pool owns a fixed number of long-lived fetch workers.
type Pool struct {
	client  *rpc.Client
	workers int
	log     *zap.Logger
}

// New builds a Pool of the given worker count.
func New(client *rpc.Client, workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 10
	}
	return &Pool{client: client, workers: workers, log: log}
}

// Start spawns the worker goroutines and returns the channels that feed and
// drain them. workCh has depth 2*W; resultCh has depth 2*W*rpcBatchSize.
// resultCh is closed once every worker has exited, which
// happens only after workCh is closed and drained — this lets the main
// loop detect "all workers terminated" by a closed-channel receive.
func (p *Pool) Start(ctx context.Context, rpcBatchSize int) (chan<- WorkItem, <-chan rpc.FetchResult) {
	workCh := make(chan WorkItem, p.workers*2)
	resultCh := make(chan rpc.FetchResult, p.workers*rpcBatchSize*2)

	var wg sync.WaitGroup
	wg.Add(p.workers)
	for id := 0; id < p.workers; id++ {
		go func(workerID int) {
			defer wg.Done()
			p.log.Debug("fetch worker started", zap.Int("worker_id", workerID))
			for item := range workCh {
				results := p.client.FetchBatch(ctx, item.Start, item.Count)
				for _, r := range results {
					select {
					case resultCh <- r:
					case <-ctx.Done():
						return
					}
				}
			}
			p.log.Debug("fetch worker shutting down", zap.Int("worker_id", workerID))
		}(id)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	return workCh, resultCh
}

// Dispatch splits [start, end] into work items of at most rpcBatchSize
// blocks and feeds them onto workCh. It runs in its own goroutine, separate
// from the main loop's result receiver, so a full workCh never deadlocks
// against a main loop that is itself waiting to drain resultCh.
func Dispatch(ctx context.Context, workCh chan<- WorkItem, start, end uint64, rpcBatchSize int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		block := start
		for block <= end {
			count := rpcBatchSize
			if remaining := end - block + 1; remaining < uint64(count) {
				count = int(remaining)
			}
			select {
			case workCh <- WorkItem{Start: block, Count: count}:
			case <-ctx.Done():
				return
			}
			block += uint64(count)
		}
	}()
	return done
}

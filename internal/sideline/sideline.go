// Package sideline implements the per-block retry path:
// blocks that failed during the main batch fetch get up to three more
// single-block attempts, each written through as its own mini-batch with the
// watermark held fixed; blocks still failing land in failed_blocks.
package sideline

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/csic/platform/blockchain/indexer/internal/batch"
	"github.com/csic/platform/blockchain/indexer/internal/collect"
	"github.com/csic/platform/blockchain/indexer/internal/rpc"
)

// delays are the sideline's own backoff schedule, distinct from the
// RPC client's per-call retry delays.
var delays = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}

const maxAttempts = 3

// Failure pairs a block number with the error that last explained it.
type Failure struct {
	BlockNumber uint64
	Error       string
}

// Writer is the subset of store.Writer the sideline needs: a mini-batch
// commit that never advances the watermark.
type Writer interface {
	WriteBatch(ctx context.Context, b *batch.Block, updateWatermark bool) error
}

// Retry re-fetches each failed block up to three times with the 2s/4s/6s
// backoff, writing each success through as its own mini-batch immediately.
// It returns the subset still failing after all attempts, and the set of
// newly discovered contracts across every successful mini-batch (the
// caller merges these into its persistent known-contract sets, same as the
// main batch path).
func Retry(ctx context.Context, client *rpc.Client, writer Writer, failedBlocksDB *sql.DB, log *zap.Logger, knownERC20, knownNFT map[string]struct{}, failures []Failure) (stillFailed []Failure, newERC20, newNFT []string) {
	remaining := failures
	for attempt := 1; attempt <= maxAttempts && len(remaining) > 0; attempt++ {
		log.Info("sideline retry attempt", zap.Int("attempt", attempt), zap.Int("blocks", len(remaining)))

		delay := delays[attempt-1]
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return remaining, newERC20, newNFT
		}

		var still []Failure
		for _, f := range remaining {
			results := client.FetchBatch(ctx, f.BlockNumber, 1)
			result := results[0]
			if !result.Success() {
				reason := f.Error
				if result.Err != nil {
					reason = result.Err.Error()
				}
				still = append(still, Failure{BlockNumber: f.BlockNumber, Error: reason})
				continue
			}

			mini := batch.New()
			collect.Block(mini, knownERC20, knownNFT, result.Block)

			if err := writer.WriteBatch(ctx, mini, false); err != nil {
				log.Error("sideline mini-batch write failed", zap.Uint64("block", f.BlockNumber), zap.Error(err))
				still = append(still, Failure{BlockNumber: f.BlockNumber, Error: err.Error()})
				continue
			}
			for c := range mini.NewERC20 {
				newERC20 = append(newERC20, c)
			}
			for c := range mini.NewNFT {
				newNFT = append(newNFT, c)
			}
			log.Info("sideline retry succeeded", zap.Uint64("block", f.BlockNumber))
		}
		remaining = still
	}

	if len(remaining) > 0 {
		if err := recordFailedBlocks(ctx, failedBlocksDB, remaining); err != nil {
			log.Error("failed to record failed_blocks", zap.Error(err))
		}
	}
	return remaining, newERC20, newNFT
}

// recordFailedBlocks upserts every still-failing block, summing retry_count
// so repeated restarts accumulate an honest attempt total.
func recordFailedBlocks(ctx context.Context, db *sql.DB, failures []Failure) error {
	for _, f := range failures {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO failed_blocks (block_number, error_message, retry_count, last_failed_at)
			 VALUES ($1, $2, 3, NOW())
			 ON CONFLICT (block_number) DO UPDATE SET
			    error_message = $2,
			    retry_count = failed_blocks.retry_count + 3,
			    last_failed_at = NOW()`,
			int64(f.BlockNumber), f.Error,
		); err != nil {
			return err
		}
	}
	return nil
}

// Package indexer ties together the fetch pool, reorder buffer, collector,
// batch writer, partition manager, and sideline retry into the main loop of
// the core ingestion loop: ask the chain head, fetch a window, collect in order, write
// atomically, retry what failed, advance the watermark, repeat.
package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/csic/platform/blockchain/indexer/internal/batch"
	"github.com/csic/platform/blockchain/indexer/internal/collect"
	"github.com/csic/platform/blockchain/indexer/internal/config"
	"github.com/csic/platform/blockchain/indexer/internal/events"
	"github.com/csic/platform/blockchain/indexer/internal/fetch"
	"github.com/csic/platform/blockchain/indexer/internal/metrics"
	"github.com/csic/platform/blockchain/indexer/internal/partition"
	"github.com/csic/platform/blockchain/indexer/internal/rpc"
	"github.com/csic/platform/blockchain/indexer/internal/sideline"
	"github.com/csic/platform/blockchain/indexer/internal/store"
)

// Indexer owns every long-lived dependency of the main loop.
type Indexer struct {
	cfg        *config.Config
	client     *rpc.Client
	writer     *store.Writer
	partitions *partition.Manager
	publisher  *events.Publisher
	metrics    *metrics.Metrics
	log        *zap.Logger

	knownERC20 map[string]struct{}
	knownNFT   map[string]struct{}
}

func New(cfg *config.Config, client *rpc.Client, writer *store.Writer, partitions *partition.Manager, publisher *events.Publisher, m *metrics.Metrics, log *zap.Logger) *Indexer {
	return &Indexer{
		cfg:        cfg,
		client:     client,
		writer:     writer,
		partitions: partitions,
		publisher:  publisher,
		metrics:    m,
		log:        log,
	}
}

// Run executes the main loop until ctx is cancelled or an unrecoverable
// error occurs (RPC head lookup exhausting its retries, or a batch write
// failing outright). The caller (the supervisor) is expected to restart
// Run after a crash — every piece of state Run depends on is reconstructed
// from the database, so a restart re-fetches the same window deterministically.
// log is scoped to the current restart cycle so every line Run emits carries
// the supervisor's correlation ID, not just the failure that ends the cycle.
func (idx *Indexer) Run(ctx context.Context, log *zap.Logger) error {
	if idx.cfg.Reindex {
		log.Warn("reindex flag set, truncating core tables")
		if err := idx.truncateTables(ctx); err != nil {
			return fmt.Errorf("truncate tables: %w", err)
		}
	}

	startBlock, err := idx.getStartBlock(ctx)
	if err != nil {
		return fmt.Errorf("get start block: %w", err)
	}
	log.Info("starting indexing", zap.Uint64("start_block", startBlock))

	if err := idx.loadKnownContracts(ctx); err != nil {
		return fmt.Errorf("load known contracts: %w", err)
	}
	log.Info("loaded known contracts", zap.Int("erc20", len(idx.knownERC20)), zap.Int("nft", len(idx.knownNFT)))

	pool := fetch.New(idx.client, idx.cfg.FetchWorkers, log)
	workCh, resultCh := pool.Start(ctx, idx.cfg.RPCBatchSize)

	currentBlock := startBlock
	lastLogTime := time.Now()

	for {
		head, err := idx.client.GetBlockNumberWithRetry(ctx)
		if err != nil {
			return fmt.Errorf("get chain head: %w", err)
		}
		if idx.metrics != nil {
			idx.metrics.ChainHead.Set(float64(head))
		}

		if currentBlock > head {
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		endBlock := currentBlock + idx.cfg.BatchSize - 1
		if endBlock > head {
			endBlock = head
		}
		windowSize := endBlock - currentBlock + 1

		if err := idx.partitions.EnsurePartitionsExist(ctx, endBlock); err != nil {
			return fmt.Errorf("ensure partitions: %w", err)
		}

		fetch.Dispatch(ctx, workCh, currentBlock, endBlock, idx.cfg.RPCBatchSize)

		b, failures, err := idx.collectWindow(ctx, log, resultCh, currentBlock, windowSize)
		if err != nil {
			return err
		}

		newERC20 := copyKeys(b.NewERC20)
		newNFT := copyKeys(b.NewNFT)

		writeStart := time.Now()
		if err := idx.writer.WriteBatch(ctx, b, true); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		if idx.metrics != nil {
			idx.metrics.BatchWriteDuration.Observe(time.Since(writeStart).Seconds())
			idx.metrics.BlocksIndexed.Add(float64(len(b.BNumbers)))
			idx.metrics.CurrentBlock.Set(float64(b.LastBlock))
		}

		mergeInto(idx.knownERC20, newERC20)
		mergeInto(idx.knownNFT, newNFT)

		if len(failures) > 0 {
			log.Warn("retrying failed blocks", zap.Int("count", len(failures)))
			stillFailed, sidelineERC20, sidelineNFT := sideline.Retry(
				ctx, idx.client, idx.writer, idx.writer.Pool(), log,
				idx.knownERC20, idx.knownNFT, failures,
			)
			mergeInto(idx.knownERC20, sidelineERC20)
			mergeInto(idx.knownNFT, sidelineNFT)
			if idx.metrics != nil {
				idx.metrics.FailedBlocksGauge.Set(float64(len(stillFailed)))
			}
			if len(stillFailed) > 0 {
				log.Error("blocks exhausted sideline retries", zap.Int("count", len(stillFailed)))
			}
		} else if idx.metrics != nil {
			idx.metrics.FailedBlocksGauge.Set(0)
		}

		idx.publisher.Publish(ctx, events.BatchIndexed{
			StartBlock: currentBlock,
			EndBlock:   endBlock,
			TxCount:    len(b.THashes),
			NewERC20:   newERC20,
			NewNFT:     newNFT,
		})

		elapsed := time.Since(lastLogTime)
		blocksPerSec := float64(windowSize) / elapsed.Seconds()
		progress := float64(endBlock) / float64(head) * 100
		log.Info("batch complete",
			zap.Uint64("start_block", currentBlock), zap.Uint64("end_block", endBlock),
			zap.Uint64("blocks", windowSize), zap.Float64("blocks_per_sec", blocksPerSec),
			zap.Float64("progress_pct", progress))
		lastLogTime = time.Now()

		currentBlock = endBlock + 1
		if windowSize < idx.cfg.BatchSize {
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
		}
	}
}

// collectWindow drains resultCh until every block in [start, start+size) has
// been accounted for, reordering arbitrary-arrival results into strictly
// ascending block order before handing each to the pure collector. Blocks
// that fail to fetch are recorded as sideline candidates rather than
// blocking the window.
func (idx *Indexer) collectWindow(ctx context.Context, log *zap.Logger, resultCh <-chan rpc.FetchResult, start, size uint64) (*batch.Block, []sideline.Failure, error) {
	b := batch.New()
	buffer := make(map[uint64]*rpc.FetchedBlock)
	failed := make(map[uint64]bool)
	nextToProcess := start
	var failures []sideline.Failure

	var received uint64
	for received < size {
		select {
		case result, ok := <-resultCh:
			if !ok {
				return nil, nil, fmt.Errorf("all fetch workers terminated")
			}
			received++

			if !result.Success() {
				log.Warn("block failed to fetch", zap.Uint64("block", result.BlockNumber), zap.Error(result.Err))
				errMsg := ""
				if result.Err != nil {
					errMsg = result.Err.Error()
				}
				failures = append(failures, sideline.Failure{BlockNumber: result.BlockNumber, Error: errMsg})
				failed[result.BlockNumber] = true
			} else {
				buffer[result.BlockNumber] = result.Block
			}

			for {
				// A failed block is skipped whenever it becomes next, even if
				// its failure arrived before the blocks ahead of it.
				if failed[nextToProcess] {
					nextToProcess++
					continue
				}
				fetched, ok := buffer[nextToProcess]
				if !ok {
					break
				}
				delete(buffer, nextToProcess)
				collect.Block(b, idx.knownERC20, idx.knownNFT, fetched)
				nextToProcess++
			}
			if idx.metrics != nil {
				idx.metrics.ReorderBufferDepth.Set(float64(len(buffer)))
			}
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return b, failures, nil
}

func (idx *Indexer) getStartBlock(ctx context.Context) (uint64, error) {
	var value string
	err := idx.writer.Pool().QueryRowContext(ctx,
		`SELECT value FROM indexer_state WHERE key = 'last_indexed_block'`).Scan(&value)
	if err == sql.ErrNoRows {
		return idx.cfg.StartBlock, nil
	}
	if err != nil {
		return 0, err
	}
	var last uint64
	if _, err := fmt.Sscanf(value, "%d", &last); err != nil {
		return 0, fmt.Errorf("parse stored watermark %q: %w", value, err)
	}
	return last + 1, nil
}

func (idx *Indexer) loadKnownContracts(ctx context.Context) error {
	idx.knownERC20 = make(map[string]struct{})
	idx.knownNFT = make(map[string]struct{})

	erc20Rows, err := idx.writer.Pool().QueryContext(ctx, `SELECT address FROM erc20_contracts`)
	if err != nil {
		return err
	}
	defer erc20Rows.Close()
	for erc20Rows.Next() {
		var addr string
		if err := erc20Rows.Scan(&addr); err != nil {
			return err
		}
		idx.knownERC20[addr] = struct{}{}
	}
	if err := erc20Rows.Err(); err != nil {
		return err
	}

	nftRows, err := idx.writer.Pool().QueryContext(ctx, `SELECT address FROM nft_contracts`)
	if err != nil {
		return err
	}
	defer nftRows.Close()
	for nftRows.Next() {
		var addr string
		if err := nftRows.Scan(&addr); err != nil {
			return err
		}
		idx.knownNFT[addr] = struct{}{}
	}
	return nftRows.Err()
}

func (idx *Indexer) truncateTables(ctx context.Context) error {
	_, err := idx.writer.Pool().ExecContext(ctx,
		`TRUNCATE blocks, transactions, addresses, nft_contracts, nft_tokens, nft_transfers,
		 erc20_contracts, erc20_transfers, erc20_balances, event_logs, tx_hash_lookup,
		 failed_blocks, indexer_state CASCADE`)
	return err
}

func copyKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func mergeInto(dst map[string]struct{}, keys []string) {
	for _, k := range keys {
		dst[k] = struct{}{}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

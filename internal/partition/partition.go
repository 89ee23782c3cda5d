// Package partition manages the range partitions backing the five
// append-mostly tables: fixed 10,000,000-block-wide ranges,
// created lazily ahead of the first write that needs them.
package partition

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Size is the fixed partition width in blocks.
const Size uint64 = 10_000_000

var partitionedTables = []string{"blocks", "transactions", "event_logs", "nft_transfers", "erc20_transfers"}

// Manager caches the highest partition index known to exist so that the
// common case — the batch fits inside an already-created partition — costs
// nothing but an atomic load.
type Manager struct {
	pool         *sql.DB
	log          *zap.Logger
	currentMax   atomic.Uint64
	bootstrapped atomic.Bool
}

func New(pool *sql.DB, log *zap.Logger) *Manager {
	return &Manager{pool: pool, log: log}
}

// EnsurePartitionsExist guarantees every partitioned parent has a child
// partition covering blockNumber, creating any missing ones up to it.
func (m *Manager) EnsurePartitionsExist(ctx context.Context, blockNumber uint64) error {
	partitionNum := blockNumber / Size
	currentMax := m.currentMax.Load()

	if partitionNum <= currentMax && m.bootstrapped.Load() {
		return nil
	}

	startPartition := currentMax
	if !m.bootstrapped.Load() {
		existingMax, found, err := m.probeExistingMax(ctx)
		if err != nil {
			return err
		}
		m.bootstrapped.Store(true)
		if found {
			m.currentMax.Store(existingMax)
			if partitionNum <= existingMax {
				return nil
			}
			startPartition = existingMax + 1
		} else {
			startPartition = 0
		}
	} else {
		startPartition = currentMax + 1
	}

	for p := startPartition; p <= partitionNum; p++ {
		if err := m.createPartitionSet(ctx, p); err != nil {
			return err
		}
	}

	m.currentMax.Store(partitionNum)
	m.log.Info("partitions ready", zap.Uint64("up_to_partition", partitionNum))
	return nil
}

// probeExistingMax seeds the in-memory high-water mark from pg_class on
// first run, via a regex probe against the blocks table (the other four
// partitioned parents are assumed to track it).
func (m *Manager) probeExistingMax(ctx context.Context) (uint64, bool, error) {
	row := m.pool.QueryRowContext(ctx,
		`SELECT MAX(CAST(SUBSTRING(relname FROM 'blocks_p(\d+)') AS BIGINT))
		 FROM pg_class WHERE relname ~ '^blocks_p\d+$'`)
	var max sql.NullInt64
	if err := row.Scan(&max); err != nil {
		return 0, false, err
	}
	if !max.Valid {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}

func (m *Manager) createPartitionSet(ctx context.Context, p uint64) error {
	start := p * Size
	end := start + Size
	m.log.Info("creating partitions", zap.Uint64("partition", p), zap.Uint64("range_start", start), zap.Uint64("range_end", end))

	for _, table := range partitionedTables {
		ddl := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s_p%d PARTITION OF %s FOR VALUES FROM (%d) TO (%d)",
			table, p, table, start, end,
		)
		if _, err := m.pool.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create partition %s_p%d: %w", table, p, err)
		}
	}
	return nil
}

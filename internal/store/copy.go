package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/csic/platform/blockchain/indexer/internal/batch"
)

// copyTable stages rowCount rows through a temp table via binary COPY, then
// folds them into realTable with insertSQL. This is the one pattern used
// for every append-mostly collection in the batch.
func copyTable(ctx context.Context, tx pgx.Tx, tempDDL, tempTable string, columns []string, rowCount int, rowAt func(int) ([]any, error), insertSQL string) error {
	if rowCount == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, tempDDL); err != nil {
		return err
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, columns, pgx.CopyFromSlice(rowCount, func(i int) ([]any, error) {
		return rowAt(i)
	})); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, insertSQL)
	return err
}

func copyBlocks(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	return copyTable(ctx, tx,
		`CREATE TEMP TABLE IF NOT EXISTS tmp_blocks (
			number BIGINT, hash TEXT, parent_hash TEXT, timestamp BIGINT,
			gas_used BIGINT, gas_limit BIGINT, transaction_count INT
		) ON COMMIT DELETE ROWS;
		TRUNCATE tmp_blocks`,
		"tmp_blocks",
		[]string{"number", "hash", "parent_hash", "timestamp", "gas_used", "gas_limit", "transaction_count"},
		len(b.BNumbers),
		func(i int) ([]any, error) {
			return []any{b.BNumbers[i], b.BHashes[i], b.BParents[i], b.BTimestamps[i], b.BGasUsed[i], b.BGasLimits[i], b.BTxCounts[i]}, nil
		},
		`INSERT INTO blocks (number, hash, parent_hash, timestamp, gas_used, gas_limit, transaction_count)
		 SELECT number, hash, parent_hash, timestamp, gas_used, gas_limit, transaction_count FROM tmp_blocks
		 ON CONFLICT (number) DO UPDATE SET
		    hash = EXCLUDED.hash, parent_hash = EXCLUDED.parent_hash, timestamp = EXCLUDED.timestamp,
		    gas_used = EXCLUDED.gas_used, gas_limit = EXCLUDED.gas_limit,
		    transaction_count = EXCLUDED.transaction_count, indexed_at = NOW()`,
	)
}

func copyTransactions(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	return copyTable(ctx, tx,
		`CREATE TEMP TABLE IF NOT EXISTS tmp_transactions (
			hash TEXT, block_number BIGINT, block_index INT, from_address TEXT, to_address TEXT,
			value TEXT, gas_price TEXT, gas_used BIGINT, input_data BYTEA, status BOOLEAN,
			contract_created TEXT, timestamp BIGINT
		) ON COMMIT DELETE ROWS;
		TRUNCATE tmp_transactions`,
		"tmp_transactions",
		[]string{"hash", "block_number", "block_index", "from_address", "to_address", "value", "gas_price", "gas_used", "input_data", "status", "contract_created", "timestamp"},
		len(b.THashes),
		func(i int) ([]any, error) {
			return []any{
				b.THashes[i], b.TBlockNumbers[i], b.TBlockIndices[i], b.TFroms[i], b.TTos[i],
				b.TValues[i], b.TGasPrices[i], b.TGasUsed[i], b.TInputData[i], b.TStatuses[i],
				b.TContractsCreated[i], b.TTimestamps[i],
			}, nil
		},
		`INSERT INTO transactions
		    (hash, block_number, block_index, from_address, to_address, value, gas_price, gas_used, input_data, status, contract_created, timestamp)
		 SELECT hash, block_number, block_index, from_address, to_address,
		        value::numeric, gas_price::numeric, gas_used, input_data, status, contract_created, timestamp
		 FROM tmp_transactions
		 ON CONFLICT (hash, block_number) DO NOTHING`,
	)
}

func copyEventLogs(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	return copyTable(ctx, tx,
		`CREATE TEMP TABLE IF NOT EXISTS tmp_event_logs (
			tx_hash TEXT, log_index INT, address TEXT, topic0 TEXT, topic1 TEXT, topic2 TEXT, topic3 TEXT,
			data BYTEA, block_number BIGINT
		) ON COMMIT DELETE ROWS;
		TRUNCATE tmp_event_logs`,
		"tmp_event_logs",
		[]string{"tx_hash", "log_index", "address", "topic0", "topic1", "topic2", "topic3", "data", "block_number"},
		len(b.ELTxHashes),
		func(i int) ([]any, error) {
			return []any{
				b.ELTxHashes[i], b.ELLogIndices[i], b.ELAddresses[i], b.ELTopic0s[i],
				b.ELTopic1s[i], b.ELTopic2s[i], b.ELTopic3s[i], b.ELDatas[i], b.ELBlockNumbers[i],
			}, nil
		},
		`INSERT INTO event_logs (tx_hash, log_index, address, topic0, topic1, topic2, topic3, data, block_number)
		 SELECT tx_hash, log_index, address, topic0, topic1, topic2, topic3, data, block_number FROM tmp_event_logs
		 ON CONFLICT (tx_hash, log_index, block_number) DO NOTHING`,
	)
}

func copyNFTTransfers(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	return copyTable(ctx, tx,
		`CREATE TEMP TABLE IF NOT EXISTS tmp_nft_transfers (
			tx_hash TEXT, log_index INT, contract_address TEXT, token_id TEXT,
			from_address TEXT, to_address TEXT, block_number BIGINT, timestamp BIGINT
		) ON COMMIT DELETE ROWS;
		TRUNCATE tmp_nft_transfers`,
		"tmp_nft_transfers",
		[]string{"tx_hash", "log_index", "contract_address", "token_id", "from_address", "to_address", "block_number", "timestamp"},
		len(b.NTTxHashes),
		func(i int) ([]any, error) {
			return []any{
				b.NTTxHashes[i], b.NTLogIndices[i], b.NTContracts[i], b.NTTokenIDs[i],
				b.NTFroms[i], b.NTTos[i], b.NTBlockNumbers[i], b.NTTimestamps[i],
			}, nil
		},
		`INSERT INTO nft_transfers (tx_hash, log_index, contract_address, token_id, from_address, to_address, block_number, timestamp)
		 SELECT tx_hash, log_index, contract_address, token_id::numeric, from_address, to_address, block_number, timestamp
		 FROM tmp_nft_transfers
		 ON CONFLICT (tx_hash, log_index, block_number) DO NOTHING`,
	)
}

func copyERC20Transfers(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	return copyTable(ctx, tx,
		`CREATE TEMP TABLE IF NOT EXISTS tmp_erc20_transfers (
			tx_hash TEXT, log_index INT, contract_address TEXT, from_address TEXT, to_address TEXT,
			value TEXT, block_number BIGINT, timestamp BIGINT
		) ON COMMIT DELETE ROWS;
		TRUNCATE tmp_erc20_transfers`,
		"tmp_erc20_transfers",
		[]string{"tx_hash", "log_index", "contract_address", "from_address", "to_address", "value", "block_number", "timestamp"},
		len(b.ETTxHashes),
		func(i int) ([]any, error) {
			return []any{
				b.ETTxHashes[i], b.ETLogIndices[i], b.ETContracts[i], b.ETFroms[i], b.ETTos[i],
				b.ETValues[i], b.ETBlockNumbers[i], b.ETTimestamps[i],
			}, nil
		},
		`INSERT INTO erc20_transfers (tx_hash, log_index, contract_address, from_address, to_address, value, block_number, timestamp)
		 SELECT tx_hash, log_index, contract_address, from_address, to_address, value::numeric, block_number, timestamp
		 FROM tmp_erc20_transfers
		 ON CONFLICT (tx_hash, log_index, block_number) DO NOTHING`,
	)
}

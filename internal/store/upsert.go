package store

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/csic/platform/blockchain/indexer/internal/batch"
)

// upsertKeyedTables folds the batch's three dedup maps and two new-contract
// slices into one UNNEST upsert per table — O(1) round trips regardless of
// how many distinct keys the batch touched.
func upsertKeyedTables(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	if err := upsertTxHashLookup(ctx, tx, b); err != nil {
		return err
	}
	if err := upsertAddresses(ctx, tx, b); err != nil {
		return err
	}
	if err := upsertNFTContracts(ctx, tx, b); err != nil {
		return err
	}
	if err := upsertNFTTokens(ctx, tx, b); err != nil {
		return err
	}
	if err := upsertERC20Contracts(ctx, tx, b); err != nil {
		return err
	}
	return upsertERC20Balances(ctx, tx, b)
}

func upsertTxHashLookup(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	if len(b.TLHashes) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO tx_hash_lookup (hash, block_number)
		 SELECT * FROM unnest($1::text[], $2::bigint[]) AS t(hash, block_number)
		 ON CONFLICT (hash) DO NOTHING`,
		b.TLHashes, b.TLBlockNumbers)
	return err
}

func upsertAddresses(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	if len(b.AddrMap) == 0 {
		return nil
	}
	addrs := make([]string, 0, len(b.AddrMap))
	contracts := make([]bool, 0, len(b.AddrMap))
	firstSeen := make([]int64, 0, len(b.AddrMap))
	txCounts := make([]int64, 0, len(b.AddrMap))
	for addr, state := range b.AddrMap {
		addrs = append(addrs, addr)
		contracts = append(contracts, state.IsContract)
		firstSeen = append(firstSeen, state.FirstSeenBlock)
		txCounts = append(txCounts, state.TxCountDelta)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO addresses (address, is_contract, first_seen_block, tx_count)
		 SELECT * FROM unnest($1::text[], $2::bool[], $3::bigint[], $4::bigint[])
		    AS t(address, is_contract, first_seen_block, tx_count)
		 ON CONFLICT (address) DO UPDATE SET
		    tx_count = addresses.tx_count + EXCLUDED.tx_count,
		    is_contract = addresses.is_contract OR EXCLUDED.is_contract,
		    first_seen_block = LEAST(addresses.first_seen_block, EXCLUDED.first_seen_block)`,
		addrs, contracts, firstSeen, txCounts)
	return err
}

func upsertNFTContracts(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	if len(b.NFTContractAddrs) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO nft_contracts (address, first_seen_block)
		 SELECT * FROM unnest($1::text[], $2::bigint[]) AS t(address, first_seen_block)
		 ON CONFLICT (address) DO NOTHING`,
		b.NFTContractAddrs, b.NFTContractFirstSeen)
	return err
}

func upsertNFTTokens(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	if len(b.NFTTokenMap) == 0 {
		return nil
	}
	contracts := make([]string, 0, len(b.NFTTokenMap))
	tokenIDs := make([]string, 0, len(b.NFTTokenMap))
	owners := make([]string, 0, len(b.NFTTokenMap))
	lastBlocks := make([]int64, 0, len(b.NFTTokenMap))
	for key, state := range b.NFTTokenMap {
		contracts = append(contracts, key.Contract)
		tokenIDs = append(tokenIDs, key.TokenID)
		owners = append(owners, state.Owner)
		lastBlocks = append(lastBlocks, state.LastTransferBlock)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO nft_tokens (contract_address, token_id, owner, metadata_fetched, last_transfer_block)
		 SELECT contract_address, token_id::numeric, owner, false, last_transfer_block
		 FROM unnest($1::text[], $2::text[], $3::text[], $4::bigint[])
		    AS t(contract_address, token_id, owner, last_transfer_block)
		 ON CONFLICT (contract_address, token_id) DO UPDATE SET
		    owner = CASE
		        WHEN EXCLUDED.last_transfer_block >= nft_tokens.last_transfer_block
		        THEN EXCLUDED.owner
		        ELSE nft_tokens.owner
		    END,
		    last_transfer_block = GREATEST(nft_tokens.last_transfer_block, EXCLUDED.last_transfer_block)`,
		contracts, tokenIDs, owners, lastBlocks)
	return err
}

func upsertERC20Contracts(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	if len(b.ECAddresses) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO erc20_contracts (address, decimals, first_seen_block)
		 SELECT address, 18, first_seen_block
		 FROM unnest($1::text[], $2::bigint[]) AS t(address, first_seen_block)
		 ON CONFLICT (address) DO NOTHING`,
		b.ECAddresses, b.ECFirstSeenBlocks)
	return err
}

func upsertERC20Balances(ctx context.Context, tx pgx.Tx, b *batch.Block) error {
	if len(b.BalanceMap) == 0 {
		return nil
	}
	addrs := make([]string, 0, len(b.BalanceMap))
	contracts := make([]string, 0, len(b.BalanceMap))
	deltas := make([]string, 0, len(b.BalanceMap))
	lastBlocks := make([]int64, 0, len(b.BalanceMap))
	for key, delta := range b.BalanceMap {
		addrs = append(addrs, key.Address)
		contracts = append(contracts, key.Contract)
		deltas = append(deltas, delta.SignedString())
		lastBlocks = append(lastBlocks, delta.LastBlock)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO erc20_balances (address, contract_address, balance, last_updated_block)
		 SELECT address, contract_address, balance::numeric, last_updated_block
		 FROM unnest($1::text[], $2::text[], $3::text[], $4::bigint[])
		    AS t(address, contract_address, balance, last_updated_block)
		 ON CONFLICT (address, contract_address) DO UPDATE SET
		    balance = erc20_balances.balance + EXCLUDED.balance,
		    last_updated_block = GREATEST(erc20_balances.last_updated_block, EXCLUDED.last_updated_block)`,
		addrs, contracts, deltas, lastBlocks)
	return err
}

func writeWatermark(ctx context.Context, tx pgx.Tx, lastBlock uint64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO indexer_state (key, value, updated_at)
		 VALUES ('last_indexed_block', $1, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = $1, updated_at = NOW()`,
		strconv.FormatUint(lastBlock, 10))
	return err
}

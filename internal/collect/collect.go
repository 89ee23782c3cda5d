// Package collect implements the pure block collector: a
// synchronous, non-suspending function that folds one fetched block into a
// batch.Block accumulator. It performs no I/O and never blocks.
package collect

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/csic/platform/blockchain/indexer/internal/batch"
	"github.com/csic/platform/blockchain/indexer/internal/rpc"
)

// TransferTopic is the bit-exact ERC-20/ERC-721 Transfer event signature:
// keccak256("Transfer(address,address,uint256)").
const TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// ZeroAddress is the address mints/burns reference; balance rows are never
// produced for it, but transfer rows are still recorded.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

func lower(s string) string { return strings.ToLower(s) }

// Block folds one fetched block into batch, consulting the read-only
// known-contract sets to decide whether a transfer's contract is newly
// discovered this batch. It is strictly synchronous: no suspension, no I/O.
func Block(b *batch.Block, knownERC20, knownNFT map[string]struct{}, fetched *rpc.FetchedBlock) {
	block := fetched.Block
	blockNum := int64(fetched.Number)

	receiptByHash := make(map[string]*rpc.Receipt, len(fetched.Receipts))
	for _, r := range fetched.Receipts {
		receiptByHash[lower(r.TransactionHash.Hex())] = r
	}

	// --- Block row ---
	b.BNumbers = append(b.BNumbers, blockNum)
	b.BHashes = append(b.BHashes, lower(block.Hash.Hex()))
	b.BParents = append(b.BParents, lower(block.ParentHash.Hex()))
	b.BTimestamps = append(b.BTimestamps, int64(block.Timestamp))
	b.BGasUsed = append(b.BGasUsed, int64(block.GasUsed))
	b.BGasLimits = append(b.BGasLimits, int64(block.GasLimit))
	b.BTxCounts = append(b.BTxCounts, int32(len(block.Transactions)))

	// --- Transactions: receipt data merged in now, not via a later UPDATE ---
	for idx, tx := range block.Transactions {
		txHash := lower(tx.Hash.Hex())
		from := lower(tx.From.Hex())

		var toPtr *string
		if tx.To != nil {
			to := lower(tx.To.Hex())
			toPtr = &to
		}

		valueStr := bigToDec(tx.Value)
		gasPriceStr := "0"

		var status bool
		var gasUsed int64
		var contractCreated *string

		if r, ok := receiptByHash[txHash]; ok {
			status = r.Status == 1
			gasUsed = int64(r.GasUsed)
			if r.EffectiveGasPrice != nil {
				gasPriceStr = bigToDec(r.EffectiveGasPrice)
			}
			if r.ContractAddress != nil {
				addr := lower(r.ContractAddress.Hex())
				contractCreated = &addr
			}
		}

		b.THashes = append(b.THashes, txHash)
		b.TBlockNumbers = append(b.TBlockNumbers, blockNum)
		b.TBlockIndices = append(b.TBlockIndices, int32(idx))
		b.TFroms = append(b.TFroms, from)
		b.TTos = append(b.TTos, toPtr)
		b.TValues = append(b.TValues, valueStr)
		b.TGasPrices = append(b.TGasPrices, gasPriceStr)
		b.TGasUsed = append(b.TGasUsed, gasUsed)
		b.TInputData = append(b.TInputData, []byte(tx.Input))
		b.TStatuses = append(b.TStatuses, status)
		b.TTimestamps = append(b.TTimestamps, int64(block.Timestamp))
		b.TContractsCreated = append(b.TContractsCreated, contractCreated)

		b.TLHashes = append(b.TLHashes, txHash)
		b.TLBlockNumbers = append(b.TLBlockNumbers, blockNum)

		b.TouchAddr(from, blockNum, false, 1)
		if toPtr != nil {
			b.TouchAddr(*toPtr, blockNum, false, 1)
		}
		if contractCreated != nil {
			b.TouchAddr(*contractCreated, blockNum, true, 0)
		}
	}

	// --- Logs ---
	for _, receipt := range fetched.Receipts {
		for _, log := range receipt.Logs {
			if len(log.Topics) == 0 {
				continue // skip logs with no topic0
			}
			topic0 := lower(log.Topics[0].Hex())
			emitter := lower(log.Address.Hex())
			txHash := lower(log.TransactionHash.Hex())

			b.ELTxHashes = append(b.ELTxHashes, txHash)
			b.ELLogIndices = append(b.ELLogIndices, int32(log.LogIndex))
			b.ELAddresses = append(b.ELAddresses, emitter)
			b.ELTopic0s = append(b.ELTopic0s, topic0)
			b.ELTopic1s = append(b.ELTopic1s, topicPtr(log.Topics, 1))
			b.ELTopic2s = append(b.ELTopic2s, topicPtr(log.Topics, 2))
			b.ELTopic3s = append(b.ELTopic3s, topicPtr(log.Topics, 3))
			b.ELDatas = append(b.ELDatas, []byte(log.Data))
			b.ELBlockNumbers = append(b.ELBlockNumbers, blockNum)

			// Any address emitting a log is a contract — never inferred
			// from calldata shape.
			b.TouchAddr(emitter, blockNum, true, 0)

			if topic0 != TransferTopic {
				continue
			}

			switch {
			case len(log.Topics) == 4:
				collectERC721Transfer(b, knownNFT, emitter, &log, blockNum, int64(block.Timestamp), txHash)
			case len(log.Topics) == 3 && len(log.Data) >= 32:
				collectERC20Transfer(b, knownERC20, emitter, &log, blockNum, int64(block.Timestamp), txHash)
			}
		}
	}

	b.LastBlock = fetched.Number
}

func topicPtr(topics []common.Hash, i int) *string {
	if i >= len(topics) {
		return nil
	}
	s := lower(topics[i].Hex())
	return &s
}

func collectERC721Transfer(b *batch.Block, knownNFT map[string]struct{}, contract string, log *rpc.Log, blockNum, timestamp int64, txHash string) {
	from := "0x" + hex.EncodeToString(log.Topics[1][12:])
	to := "0x" + hex.EncodeToString(log.Topics[2][12:])
	tokenID := new(uint256.Int).SetBytes32(log.Topics[3][:]).Dec()

	if _, known := knownNFT[contract]; !known {
		if _, already := b.NewNFT[contract]; !already {
			b.NewNFT[contract] = struct{}{}
			b.NFTContractAddrs = append(b.NFTContractAddrs, contract)
			b.NFTContractFirstSeen = append(b.NFTContractFirstSeen, blockNum)
			b.TouchAddr(contract, blockNum, true, 0)
		}
	}

	b.NTTxHashes = append(b.NTTxHashes, txHash)
	b.NTLogIndices = append(b.NTLogIndices, int32(log.LogIndex))
	b.NTContracts = append(b.NTContracts, contract)
	b.NTTokenIDs = append(b.NTTokenIDs, tokenID)
	b.NTFroms = append(b.NTFroms, from)
	b.NTTos = append(b.NTTos, to)
	b.NTBlockNumbers = append(b.NTBlockNumbers, blockNum)
	b.NTTimestamps = append(b.NTTimestamps, timestamp)

	// Last transfer wins — blocks are collected in ascending order so a
	// later overwrite in the same batch is always the correct final state.
	key := batch.NFTTokenKey{Contract: contract, TokenID: tokenID}
	b.NFTTokenMap[key] = &batch.NFTTokenState{Owner: to, LastTransferBlock: blockNum}
}

func collectERC20Transfer(b *batch.Block, knownERC20 map[string]struct{}, contract string, log *rpc.Log, blockNum, timestamp int64, txHash string) {
	from := "0x" + hex.EncodeToString(log.Topics[1][12:])
	to := "0x" + hex.EncodeToString(log.Topics[2][12:])
	value := new(uint256.Int).SetBytes(log.Data[:32])

	if _, known := knownERC20[contract]; !known {
		if _, already := b.NewERC20[contract]; !already {
			b.NewERC20[contract] = struct{}{}
			b.ECAddresses = append(b.ECAddresses, contract)
			b.ECFirstSeenBlocks = append(b.ECFirstSeenBlocks, blockNum)
			b.TouchAddr(contract, blockNum, true, 0)
		}
	}

	b.ETTxHashes = append(b.ETTxHashes, txHash)
	b.ETLogIndices = append(b.ETLogIndices, int32(log.LogIndex))
	b.ETContracts = append(b.ETContracts, contract)
	b.ETFroms = append(b.ETFroms, from)
	b.ETTos = append(b.ETTos, to)
	b.ETValues = append(b.ETValues, value.Dec())
	b.ETBlockNumbers = append(b.ETBlockNumbers, blockNum)
	b.ETTimestamps = append(b.ETTimestamps, timestamp)

	if from != ZeroAddress {
		b.ApplyBalanceDelta(from, contract, value, true, blockNum)
	}
	if to != ZeroAddress {
		b.ApplyBalanceDelta(to, contract, value, false, blockNum)
	}
}

func bigToDec(v *hexutil.Big) string {
	if v == nil {
		return "0"
	}
	return (*big.Int)(v).String()
}

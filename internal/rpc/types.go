// Package rpc implements the batched JSON-RPC fetch contract:
// one HTTP POST carrying 2*count id-correlated requests (eth_getBlockByNumber
// + eth_getBlockReceipts per block), resolved into per-block results.
package rpc

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block mirrors the subset of the eth_getBlockByNumber(full_txs=true)
// response shape the collector needs.
type Block struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         common.Hash    `json:"hash"`
	ParentHash   common.Hash    `json:"parentHash"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	GasUsed      hexutil.Uint64 `json:"gasUsed"`
	GasLimit     hexutil.Uint64 `json:"gasLimit"`
	Transactions []Transaction  `json:"transactions"`
}

// Transaction mirrors the full-transaction-object shape embedded in a block.
type Transaction struct {
	Hash             common.Hash     `json:"hash"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Value            *hexutil.Big    `json:"value"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
	Input            hexutil.Bytes   `json:"input"`
	TransactionIndex hexutil.Uint64  `json:"transactionIndex"`
}

// Receipt mirrors the eth_getBlockReceipts element shape.
type Receipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	Status            hexutil.Uint64  `json:"status"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []Log           `json:"logs"`
}

// Log mirrors one event log entry inside a receipt.
type Log struct {
	Address         common.Address `json:"address"`
	Topics          []common.Hash  `json:"topics"`
	Data            hexutil.Bytes  `json:"data"`
	LogIndex        hexutil.Uint64 `json:"logIndex"`
	TransactionHash common.Hash    `json:"transactionHash"`
}

// FetchedBlock is a successfully retrieved block+receipts pair.
type FetchedBlock struct {
	Number   uint64
	Block    *Block
	Receipts []*Receipt
}

// FetchResult is one element of the fetch contract's output sequence: either
// a FetchedBlock or an error, always correlated to a block number. The error
// is a PerBlockError for a failure scoped to this block, or the batch-level
// error (transport, parse, rate limiter, context) repeated for every block
// of a request that failed as a whole.
type FetchResult struct {
	BlockNumber uint64
	Block       *FetchedBlock
	Err         error
}

// Success reports whether this result carries a usable block.
func (r FetchResult) Success() bool {
	return r.Err == nil && r.Block != nil
}

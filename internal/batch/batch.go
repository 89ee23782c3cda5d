// Package batch implements the in-memory aggregator: a
// columnar accumulator with keyed deduplication and delta summation, built
// up across an entire window of blocks before any I/O happens.
package batch

import "github.com/holiman/uint256"

// AddrState is the in-flight merge state for one address.
type AddrState struct {
	FirstSeenBlock int64
	IsContract     bool
	TxCountDelta   int64
}

// NFTTokenKey identifies one ERC-721 token inside the batch's dedup map.
type NFTTokenKey struct {
	Contract string
	TokenID  string
}

// NFTTokenState is last-write-wins ownership state for one NFT token.
type NFTTokenState struct {
	Owner             string
	LastTransferBlock int64
}

// BalanceKey identifies one ERC-20 (address, contract) pair.
type BalanceKey struct {
	Address  string
	Contract string
}

// BalanceDelta is the accumulated signed delta for one balance pair.
type BalanceDelta struct {
	Delta     *uint256.Int
	Negative  bool
	LastBlock int64
}

// Block holds everything the Collector accumulates for one window of
// blocks, ready for one bulk write per table. Every field is
// a parallel column so it can be handed directly to a binary COPY writer or
// an UNNEST query without further transformation.
type Block struct {
	// blocks
	BNumbers  []int64
	BHashes   []string
	BParents  []string
	BTimestamps []int64
	BGasUsed  []int64
	BGasLimits []int64
	BTxCounts []int32

	// transactions (receipt data merged in at collection time)
	THashes           []string
	TBlockNumbers     []int64
	TBlockIndices     []int32
	TFroms            []string
	TTos              []*string
	TValues           []string // decimal text, cast to numeric in SQL
	TGasPrices        []string
	TGasUsed          []int64
	TInputData        [][]byte
	TStatuses         []bool
	TTimestamps       []int64
	TContractsCreated []*string

	// tx_hash_lookup
	TLHashes       []string
	TLBlockNumbers []int64

	// addresses — deduplicated within the batch
	AddrMap map[string]*AddrState

	// event_logs
	ELTxHashes     []string
	ELLogIndices   []int32
	ELAddresses    []string
	ELTopic0s      []string
	ELTopic1s      []*string
	ELTopic2s      []*string
	ELTopic3s      []*string
	ELDatas        [][]byte
	ELBlockNumbers []int64

	// nft_contracts — newly discovered this batch
	NFTContractAddrs      []string
	NFTContractFirstSeen []int64

	// nft_transfers
	NTTxHashes     []string
	NTLogIndices   []int32
	NTContracts    []string
	NTTokenIDs     []string
	NTFroms        []string
	NTTos          []string
	NTBlockNumbers []int64
	NTTimestamps   []int64

	// nft_tokens — last-write-wins per token
	NFTTokenMap map[NFTTokenKey]*NFTTokenState

	// erc20_contracts — newly discovered this batch
	ECAddresses       []string
	ECFirstSeenBlocks []int64

	// erc20_transfers
	ETTxHashes     []string
	ETLogIndices   []int32
	ETContracts    []string
	ETFroms        []string
	ETTos          []string
	ETValues       []string
	ETBlockNumbers []int64
	ETTimestamps   []int64

	// erc20_balances — aggregated deltas per (address, contract)
	BalanceMap map[BalanceKey]*BalanceDelta

	// Contracts newly discovered in this batch. Merged into the caller's
	// persistent known-contract sets only after a successful write, so a
	// failed write never leaves memory ahead of the database.
	NewERC20 map[string]struct{}
	NewNFT   map[string]struct{}

	LastBlock uint64
}

// New returns an empty Block accumulator.
func New() *Block {
	return &Block{
		AddrMap:     make(map[string]*AddrState),
		NFTTokenMap: make(map[NFTTokenKey]*NFTTokenState),
		BalanceMap:  make(map[BalanceKey]*BalanceDelta),
		NewERC20:    make(map[string]struct{}),
		NewNFT:      make(map[string]struct{}),
	}
}

// IsEmpty reports whether this batch collected no blocks at all.
func (b *Block) IsEmpty() bool { return len(b.BNumbers) == 0 }

// TouchAddr folds one address attribution into the dedup map: the earliest
// block wins for FirstSeenBlock, IsContract is OR'd, and TxCountDelta sums.
func (b *Block) TouchAddr(address string, blockNum int64, isContract bool, txCountDelta int64) {
	state, ok := b.AddrMap[address]
	if !ok {
		state = &AddrState{FirstSeenBlock: blockNum}
		b.AddrMap[address] = state
	}
	if blockNum < state.FirstSeenBlock {
		state.FirstSeenBlock = blockNum
	}
	state.IsContract = state.IsContract || isContract
	state.TxCountDelta += txCountDelta
}

// ApplyBalanceDelta folds one ERC-20 transfer's effect on (address,
// contract) into the balance map. Multiple transfers for the same pair in
// one batch collapse into a single signed delta.
func (b *Block) ApplyBalanceDelta(address, contract string, delta *uint256.Int, negative bool, block int64) {
	key := BalanceKey{Address: address, Contract: contract}
	state, ok := b.BalanceMap[key]
	if !ok {
		state = &BalanceDelta{Delta: new(uint256.Int), LastBlock: block}
		b.BalanceMap[key] = state
	}
	addSigned(state, delta, negative)
	if block > state.LastBlock {
		state.LastBlock = block
	}
}

// addSigned folds a signed uint256 delta into the running (magnitude,
// negative) pair, flipping sign when the magnitudes cross zero.
func addSigned(state *BalanceDelta, delta *uint256.Int, negative bool) {
	if negative == state.Negative {
		state.Delta.Add(state.Delta, delta)
		return
	}
	if state.Delta.Cmp(delta) >= 0 {
		state.Delta.Sub(state.Delta, delta)
		return
	}
	newDelta := new(uint256.Int).Sub(delta, state.Delta)
	state.Delta = newDelta
	state.Negative = negative
}

// SignedString renders the delta as a decimal string, preceded by "-" when
// the accumulated delta is net negative, suitable for a numeric cast in SQL.
func (d *BalanceDelta) SignedString() string {
	if d.Negative && !d.Delta.IsZero() {
		return "-" + d.Delta.Dec()
	}
	return d.Delta.Dec()
}

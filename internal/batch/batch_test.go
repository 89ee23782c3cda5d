package batch

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchAddrMergesFirstSeenIsContractAndTxCount(t *testing.T) {
	b := New()

	b.TouchAddr("0xaaaa", 105, false, 1)
	b.TouchAddr("0xaaaa", 101, false, 1)
	b.TouchAddr("0xaaaa", 110, true, 0)

	state := b.AddrMap["0xaaaa"]
	require.NotNil(t, state)
	assert.Equal(t, int64(101), state.FirstSeenBlock, "first_seen_block takes the minimum across all touches")
	assert.True(t, state.IsContract, "is_contract is OR'd across touches, never reset once true")
	assert.Equal(t, int64(2), state.TxCountDelta, "tx_count accumulates across touches")
}

func TestTouchAddrIsContractNeverResetFalse(t *testing.T) {
	b := New()
	b.TouchAddr("0xbbbb", 1, true, 0)
	b.TouchAddr("0xbbbb", 2, false, 1)

	assert.True(t, b.AddrMap["0xbbbb"].IsContract, "a later non-contract touch must not clear is_contract")
}

func TestApplyBalanceDeltaCollapsesRepeatedPairsInOneBatch(t *testing.T) {
	b := New()
	v := uint256.NewInt(300)

	b.ApplyBalanceDelta("0xA", "0xC", v, true, 102)  // -300
	b.ApplyBalanceDelta("0xA", "0xC", v, true, 103)  // -300 again -> -600

	key := BalanceKey{Address: "0xA", Contract: "0xC"}
	delta := b.BalanceMap[key]
	require.NotNil(t, delta)
	assert.Equal(t, "-600", delta.SignedString())
	assert.Equal(t, int64(103), delta.LastBlock, "last_block tracks the max block touching this pair")
}

func TestApplyBalanceDeltaNetsOppositeSignsWithinBatch(t *testing.T) {
	b := New()

	// mint 1000 to A, then A sends 300 to B -> A's net delta is +700
	b.ApplyBalanceDelta("0xA", "0xC", uint256.NewInt(1000), false, 102)
	b.ApplyBalanceDelta("0xA", "0xC", uint256.NewInt(300), true, 102)

	delta := b.BalanceMap[BalanceKey{Address: "0xA", Contract: "0xC"}]
	require.NotNil(t, delta)
	assert.Equal(t, "700", delta.SignedString())
}

func TestApplyBalanceDeltaSignFlipsWhenMagnitudeCrossesZero(t *testing.T) {
	b := New()

	b.ApplyBalanceDelta("0xA", "0xC", uint256.NewInt(100), false, 1) // +100
	b.ApplyBalanceDelta("0xA", "0xC", uint256.NewInt(250), true, 2)  // -250 -> net -150

	delta := b.BalanceMap[BalanceKey{Address: "0xA", Contract: "0xC"}]
	require.NotNil(t, delta)
	assert.Equal(t, "-150", delta.SignedString())
}

func TestSignedStringZeroDeltaHasNoSign(t *testing.T) {
	d := &BalanceDelta{Delta: uint256.NewInt(0), Negative: true}
	assert.Equal(t, "0", d.SignedString(), "a net-zero delta must not render as -0")
}

func TestIsEmpty(t *testing.T) {
	b := New()
	assert.True(t, b.IsEmpty())
	b.BNumbers = append(b.BNumbers, 1)
	assert.False(t, b.IsEmpty())
}
